package canbridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type readResult struct {
	frame Frame
	err   error
}

// fakeSocket is an in-memory Socket for tests. Frames and read errors are
// queued with push/pushErr; writes are recorded.
type fakeSocket struct {
	in      chan readResult
	pending *readResult

	mu       sync.Mutex
	written  []Frame
	writeErr error
	closed   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan readResult, 256)}
}

func (s *fakeSocket) push(f Frame)      { s.in <- readResult{frame: f} }
func (s *fakeSocket) pushErr(err error) { s.in <- readResult{err: err} }

func (s *fakeSocket) WaitReadable(timeout time.Duration) (bool, error) {
	if s.pending != nil {
		return true, nil
	}
	select {
	case r := <-s.in:
		s.pending = &r
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (s *fakeSocket) ReadFrame() (Frame, error) {
	if s.pending == nil {
		return Frame{}, errors.New("read without wait")
	}
	r := *s.pending
	s.pending = nil
	return r.frame, r.err
}

func (s *fakeSocket) WriteFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, f)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) writtenFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.written))
	copy(out, s.written)
	return out
}

// recordingHandler collects events behind channels so tests can wait for
// them without sleeping.
type recordingHandler struct {
	frames chan Frame
	status chan bool
	errs   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames: make(chan Frame, 256),
		status: make(chan bool, 16),
		errs:   make(chan error, 16),
	}
}

func (h *recordingHandler) OnFrame(f Frame)   { h.frames <- f }
func (h *recordingHandler) OnStatus(c bool)   { h.status <- c }
func (h *recordingHandler) OnError(err error) { h.errs <- err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(t *testing.T) (*Transport, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	tr := NewTransport("vcan0",
		WithLogger(quietLogger()),
		WithPollInterval(10*time.Millisecond),
		WithSocketOpener(func(iface string) (Socket, error) { return sock, nil }),
	)
	return tr, sock
}

func waitFrame(t *testing.T, h *recordingHandler) Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return Frame{}
	}
}

func waitStatus(t *testing.T, h *recordingHandler, want bool) {
	t.Helper()
	select {
	case got := <-h.status:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for status %v", want)
	}
}

func waitError(t *testing.T, h *recordingHandler) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
		return nil
	}
}

func TestConnectIdempotent(t *testing.T) {
	var opens atomic.Int32
	sock := newFakeSocket()
	tr := NewTransport("vcan0",
		WithLogger(quietLogger()),
		WithPollInterval(10*time.Millisecond),
		WithSocketOpener(func(iface string) (Socket, error) {
			opens.Add(1)
			return sock, nil
		}),
	)
	defer tr.Disconnect()

	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	if !tr.Connect() {
		t.Fatal("second Connect() = false")
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("socket opened %d times, want 1", got)
	}
	if !tr.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}

func TestConnectFailure(t *testing.T) {
	h := newRecordingHandler()
	tr := NewTransport("nosuch0",
		WithLogger(quietLogger()),
		WithSocketOpener(func(iface string) (Socket, error) {
			return nil, errors.New("no such device")
		}),
	)
	tr.AttachHandler(h)

	if tr.Connect() {
		t.Fatal("Connect() = true, want false")
	}
	err := waitError(t, h)
	if got := err.Error(); !strings.Contains(got, "nosuch0") || !strings.Contains(got, "no such device") {
		t.Errorf("error = %q, want interface name and cause", got)
	}
	if tr.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", tr.State())
	}
	select {
	case <-h.status:
		t.Error("status callback fired on failed connect")
	default:
	}
}

func TestSendSizeBoundary(t *testing.T) {
	tr, sock := newTestTransport(t)
	h := newRecordingHandler()
	tr.AttachHandler(h)
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	defer tr.Disconnect()
	waitStatus(t, h, true)

	if tr.Send(0x123, make([]byte, 9)) {
		t.Error("Send() with 9 bytes = true, want false")
	}
	if err := waitError(t, h); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("error = %v, want ErrPayloadTooLarge", err)
	}
	if n := len(sock.writtenFrames()); n != 0 {
		t.Errorf("oversized send reached the socket: %d writes", n)
	}

	if !tr.Send(0x123, make([]byte, 8)) {
		t.Error("Send() with 8 bytes = false, want true")
	}
	if n := len(sock.writtenFrames()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr, sock := newTestTransport(t)
	h := newRecordingHandler()
	tr.AttachHandler(h)

	if tr.Send(0x10, []byte{1}) {
		t.Error("Send() while disconnected = true, want false")
	}
	if err := waitError(t, h); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if n := len(sock.writtenFrames()); n != 0 {
		t.Errorf("disconnected send reached the socket: %d writes", n)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	tr, _ := newTestTransport(t)

	// Stop before any connect must not block.
	done := make(chan struct{})
	go func() {
		tr.Disconnect()
		tr.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect() before Connect() blocked")
	}

	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	tr.Disconnect()
	tr.Disconnect()
	if tr.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", tr.State())
	}
}

func TestFramesDeliveredInOrder(t *testing.T) {
	tr, sock := newTestTransport(t)
	h := newRecordingHandler()
	tr.AttachHandler(h)
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	defer tr.Disconnect()

	const n = 50
	for i := 0; i < n; i++ {
		sock.push(NewFrame(uint32(0x100+i), []byte{byte(i)}))
	}
	for i := 0; i < n; i++ {
		f := waitFrame(t, h)
		if f.ID != uint32(0x100+i) {
			t.Fatalf("frame %d has id 0x%03X, want 0x%03X", i, f.ID, 0x100+i)
		}
	}
}

func TestNoCallbackAfterDisconnect(t *testing.T) {
	tr, sock := newTestTransport(t)

	var stopped atomic.Bool
	var lateCalls atomic.Int32
	tr.AttachHandler(HandlerFuncs{
		Frame: func(f Frame) {
			if stopped.Load() {
				lateCalls.Add(1)
			}
		},
	})
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}

	// Keep inbound traffic flowing while we disconnect.
	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for i := 0; i < 10000; i++ {
			select {
			case sock.in <- readResult{frame: NewFrame(0x123, []byte{byte(i)})}:
			default:
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Disconnect()
	stopped.Store(true)
	<-feederDone
	time.Sleep(50 * time.Millisecond)

	if n := lateCalls.Load(); n != 0 {
		t.Errorf("%d frame callbacks after Disconnect returned", n)
	}
}

func TestReadErrorTerminatesLoop(t *testing.T) {
	tr, sock := newTestTransport(t)
	h := newRecordingHandler()
	tr.AttachHandler(h)
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	waitStatus(t, h, true)

	sock.pushErr(io.ErrUnexpectedEOF)

	if err := waitError(t, h); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
	}
	waitStatus(t, h, false)
	if tr.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", tr.State())
	}
	// No auto-reconnect: a send now must fail.
	if tr.Send(0x10, []byte{1}) {
		t.Error("Send() after reader failure = true, want false")
	}
}

func TestReconnectAfterReadErrorClosesStaleSocket(t *testing.T) {
	var socks []*fakeSocket
	tr := NewTransport("vcan0",
		WithLogger(quietLogger()),
		WithPollInterval(10*time.Millisecond),
		WithSocketOpener(func(iface string) (Socket, error) {
			s := newFakeSocket()
			socks = append(socks, s)
			return s, nil
		}),
	)
	h := newRecordingHandler()
	tr.AttachHandler(h)
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	waitStatus(t, h, true)

	socks[0].pushErr(io.ErrUnexpectedEOF)
	waitError(t, h)
	waitStatus(t, h, false)

	// The explicit reconnect must not leak the dead socket's descriptor.
	if !tr.Connect() {
		t.Fatal("Connect() after reader failure = false")
	}
	defer tr.Disconnect()
	waitStatus(t, h, true)

	if len(socks) != 2 {
		t.Fatalf("opened %d sockets, want 2", len(socks))
	}
	if !socks[0].isClosed() {
		t.Error("stale socket left open across reconnect")
	}
	if socks[1].isClosed() {
		t.Error("fresh socket closed prematurely")
	}
}

func TestSendRacesSetInterface(t *testing.T) {
	writeErr := errors.New("tx queue full")
	tr := NewTransport("vcan0",
		WithLogger(quietLogger()),
		WithPollInterval(10*time.Millisecond),
		WithSocketOpener(func(iface string) (Socket, error) {
			s := newFakeSocket()
			s.writeErr = writeErr
			return s, nil
		}),
	)
	var msgMu sync.Mutex
	var msgs []string
	tr.AttachHandler(HandlerFuncs{
		Error: func(err error) {
			msgMu.Lock()
			msgs = append(msgs, err.Error())
			msgMu.Unlock()
		},
	})
	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tr.Send(0x100, []byte{byte(i)})
		}
	}()
	for i := 0; i < 50; i++ {
		tr.SetInterface(fmt.Sprintf("vcan%d", i%2+1))
	}
	<-done
	tr.Disconnect()

	// Every write-failure message names the interface it went out on.
	msgMu.Lock()
	defer msgMu.Unlock()
	for _, m := range msgs {
		if strings.Contains(m, writeErr.Error()) && !strings.Contains(m, "vcan") {
			t.Fatalf("write error without interface name: %q", m)
		}
	}
}

func TestSetInterfaceReconnects(t *testing.T) {
	var mu sync.Mutex
	var opened []string
	tr := NewTransport("vcan0",
		WithLogger(quietLogger()),
		WithPollInterval(10*time.Millisecond),
		WithSocketOpener(func(iface string) (Socket, error) {
			mu.Lock()
			opened = append(opened, iface)
			mu.Unlock()
			return newFakeSocket(), nil
		}),
	)
	defer tr.Disconnect()

	tr.SetInterface("vcan1")
	if tr.IsConnected() {
		t.Error("SetInterface while disconnected should not connect")
	}
	if tr.Interface() != "vcan1" {
		t.Errorf("Interface() = %q, want vcan1", tr.Interface())
	}

	if !tr.Connect() {
		t.Fatal("Connect() = false")
	}
	tr.SetInterface("vcan2")
	if !tr.IsConnected() {
		t.Error("SetInterface while connected should reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"vcan1", "vcan2"}
	if fmt.Sprint(opened) != fmt.Sprint(want) {
		t.Errorf("opened = %v, want %v", opened, want)
	}
}

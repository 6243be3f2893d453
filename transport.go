// Package canbridge moves CAN frames between a SocketCAN interface, the
// local inter-process bus and a remote application server. The root package
// holds the frame model and the raw CAN transport; the bridging components
// live under pkg/.
package canbridge

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds how long the reader blocks on the socket so the
// stop signal is observed even with no traffic.
const DefaultPollInterval = time.Second

// Socket is the raw CAN endpoint a Transport drives. The production
// implementation is a SocketCAN raw socket; tests inject an in-memory pair.
type Socket interface {
	// WaitReadable blocks until the socket has data or the timeout expires.
	WaitReadable(timeout time.Duration) (bool, error)
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// SocketOpener opens a Socket bound to the named interface.
type SocketOpener func(iface string) (Socket, error)

// Transport owns one CAN socket bound to a named interface. A background
// goroutine reads frames and reports them to attached handlers; Send is safe
// to call from any goroutine. The transport never reconnects on its own.
type Transport struct {
	log  *slog.Logger
	open SocketOpener
	poll time.Duration

	// lifecycle serializes Connect/Disconnect/SetInterface.
	lifecycle sync.Mutex
	iface     string
	sock      Socket
	stop      chan struct{}
	done      chan struct{}

	// mu guards the socket for writes and the reader's read path, since one
	// underlying socket is written and read concurrently.
	mu sync.Mutex

	state atomic.Int32

	subs handlers
}

// TransportOption adjusts a Transport at construction time.
type TransportOption func(*Transport)

func WithLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// WithSocketOpener replaces the SocketCAN opener, used by tests and by
// alternate CAN backends.
func WithSocketOpener(open SocketOpener) TransportOption {
	return func(t *Transport) { t.open = open }
}

func WithPollInterval(d time.Duration) TransportOption {
	return func(t *Transport) { t.poll = d }
}

// NewTransport creates a Transport for the named CAN interface. The socket
// is not opened until Connect.
func NewTransport(iface string, opts ...TransportOption) *Transport {
	t := &Transport{
		log:   slog.Default().With("component", "can"),
		open:  OpenSocketCAN,
		poll:  DefaultPollInterval,
		iface: iface,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AttachHandler registers an observer for frame/status/error events.
func (t *Transport) AttachHandler(h Handler) {
	t.subs.attach(h)
}

// DetachHandler removes a previously attached observer.
func (t *Transport) DetachHandler(h Handler) {
	t.subs.detach(h)
}

// Interface returns the configured CAN interface name.
func (t *Transport) Interface() string {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.iface
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// IsConnected reports whether the transport currently holds an open socket
// with a running reader.
func (t *Transport) IsConnected() bool {
	return t.State() == Connected
}

// Connect opens the socket and starts the reader. It is idempotent and
// returns true immediately when already connected. On failure the error
// handlers fire with the interface name and cause, no partial state is left
// behind and false is returned.
func (t *Transport) Connect() bool {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.connectLocked()
}

func (t *Transport) connectLocked() bool {
	if t.sock != nil {
		if t.State() == Connected {
			return true
		}
		// Stale socket left by a failed reader; release it before reopening.
		t.disconnectLocked()
	}
	t.state.Store(int32(Connecting))
	sock, err := t.open(t.iface)
	if err != nil {
		t.state.Store(int32(Disconnected))
		t.subs.error(fmt.Errorf("connect %s: %w", t.iface, err))
		return false
	}

	t.mu.Lock()
	t.sock = sock
	t.mu.Unlock()
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.state.Store(int32(Connected))

	go t.readLoop(sock, t.stop, t.done)

	t.log.Info("connected", "interface", t.iface)
	t.subs.status(true)
	return true
}

// Disconnect stops the reader, joins it and closes the socket. No frame,
// status or error handler fires after Disconnect returns. It is idempotent.
func (t *Transport) Disconnect() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.disconnectLocked()
}

func (t *Transport) disconnectLocked() {
	if t.sock == nil {
		t.state.Store(int32(Disconnected))
		return
	}
	close(t.stop)
	<-t.done

	t.mu.Lock()
	if err := t.sock.Close(); err != nil {
		t.log.Warn("socket close", "interface", t.iface, "error", err)
	}
	t.sock = nil
	t.mu.Unlock()

	wasConnected := t.state.Swap(int32(Disconnected)) == int32(Connected)
	t.log.Info("disconnected", "interface", t.iface)
	if wasConnected {
		t.subs.status(false)
	}
}

// Send transmits one frame. It fails without touching the socket when the
// payload exceeds 8 bytes or the transport is not connected; each failure
// fires the error handlers with a distinguishing message.
func (t *Transport) Send(id uint32, payload []byte) bool {
	if len(payload) > MaxPayload {
		t.subs.error(fmt.Errorf("send 0x%03X: %w: %d bytes", id, ErrPayloadTooLarge, len(payload)))
		return false
	}
	frame := NewFrame(id, payload)

	t.mu.Lock()
	sock := t.sock
	iface := t.iface
	if sock == nil || t.State() != Connected {
		t.mu.Unlock()
		t.subs.error(fmt.Errorf("send 0x%03X: %w", id, ErrNotConnected))
		return false
	}
	err := sock.WriteFrame(frame)
	t.mu.Unlock()

	if err != nil {
		t.subs.error(fmt.Errorf("send 0x%03X on %s: %w", id, iface, err))
		return false
	}
	t.log.Debug("frame sent", "id", fmt.Sprintf("0x%03X", id), "dlc", len(payload))
	return true
}

// SetInterface changes the CAN interface name. When connected it performs a
// disconnect-then-reconnect under the new name, preserving the prior intent.
func (t *Transport) SetInterface(name string) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if name == t.iface {
		return
	}
	wasConnected := t.sock != nil
	if wasConnected {
		t.disconnectLocked()
	}
	t.mu.Lock()
	t.iface = name
	t.mu.Unlock()
	if wasConnected {
		t.connectLocked()
	}
}

// readLoop blocks on the socket with a bounded wait so stop is checked
// regularly. Frames are delivered synchronously on this goroutine in kernel
// order. A hard read error fires the error handlers and ends the loop; the
// composing caller decides whether to reconnect.
func (t *Transport) readLoop(sock Socket, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		ready, err := sock.WaitReadable(t.poll)
		if err != nil {
			if stopped(stop) {
				return
			}
			t.readerFailed(fmt.Errorf("wait on %s: %w", t.iface, err))
			return
		}
		if !ready {
			continue
		}

		t.mu.Lock()
		frame, err := sock.ReadFrame()
		t.mu.Unlock()
		if err != nil {
			if stopped(stop) {
				return
			}
			t.readerFailed(fmt.Errorf("read on %s: %w", t.iface, err))
			return
		}

		t.log.Debug("frame received", "id", fmt.Sprintf("0x%03X", frame.ID), "dlc", frame.DLC())
		t.subs.frame(frame)
	}
}

// readerFailed records a mid-session read failure. State is left
// Disconnected; recovery requires an explicit reconnect.
func (t *Transport) readerFailed(err error) {
	wasConnected := t.state.Swap(int32(Disconnected)) == int32(Connected)
	t.subs.error(err)
	if wasConnected {
		t.subs.status(false)
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

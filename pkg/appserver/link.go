package appserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/dmsbridge/canbridge"
	"github.com/dmsbridge/canbridge/pkg/localbus"
)

// Local bus contract for the server bridge.
const (
	ServiceName   = "org.dmsbridge.Server"
	ObjectPath    = "/org/dmsbridge/AppServerBridge"
	InterfaceName = "org.dmsbridge.Server"
)

const (
	DefaultAddress           = "localhost:8080"
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	defaultDialTimeout = 5 * time.Second
	maxLineBytes       = 1 << 20
)

// DialFunc opens the TCP connection to the application server.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: defaultDialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Link maintains a JSON/TCP session with the application server. While
// started it retries the connection on a fixed delay, forwards received CAN
// frames to the server, executes inbound commands against the shared
// transport and emits a periodic heartbeat. Messages in flight during a
// connection drop are lost, not queued.
type Link struct {
	addr      string
	transport *canbridge.Transport
	bus       localbus.Bus
	dial      DialFunc
	log       *slog.Logger

	reconnectDelay    time.Duration
	heartbeatInterval time.Duration

	lifecycle   sync.Mutex
	started     bool
	nameClaimed bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// connMu guards the connection handle; sendMu serializes writes so at
	// most one message is in flight and writes never interleave.
	connMu sync.RWMutex
	conn   net.Conn
	enc    *json.Encoder
	sendMu sync.Mutex

	state atomic.Int32
}

// Option adjusts a Link at construction time.
type Option func(*Link)

func WithLogger(log *slog.Logger) Option {
	return func(l *Link) { l.log = log }
}

// WithBus attaches a local bus so the link exports its remote surface.
func WithBus(bus localbus.Bus) Option {
	return func(l *Link) { l.bus = bus }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(l *Link) { l.reconnectDelay = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(l *Link) { l.heartbeatInterval = d }
}

// WithDialer replaces the TCP dialer, used by tests.
func WithDialer(dial DialFunc) Option {
	return func(l *Link) { l.dial = dial }
}

// New creates a Link targeting addr over the given shared transport. The
// link holds a non-owning reference to the transport.
func New(addr string, t *canbridge.Transport, opts ...Option) *Link {
	l := &Link{
		addr:              addr,
		transport:         t,
		dial:              defaultDial,
		log:               slog.Default().With("component", "appserver"),
		reconnectDelay:    DefaultReconnectDelay,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State returns the current server connection state.
func (l *Link) State() canbridge.ConnectionState {
	return canbridge.ConnectionState(l.state.Load())
}

// Start launches the connect/retry scheduler on a background goroutine and
// registers the frame observer on the shared transport. Idempotent.
func (l *Link) Start() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.started {
		return
	}
	l.started = true

	l.registerBusSurface()
	l.transport.AttachHandler(l)

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx)
	l.log.Info("app server link started", "addr", l.addr)
}

// Stop signals the retry and read loops to exit, joins the background
// goroutines and closes the socket. Idempotent.
func (l *Link) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if !l.started {
		return
	}
	l.started = false

	l.transport.DetachHandler(l)
	l.cancel()
	l.wg.Wait()

	if l.nameClaimed {
		l.nameClaimed = false
		if err := l.bus.ReleaseName(ServiceName); err != nil {
			l.log.Warn("bus name release failed", "name", ServiceName, "error", err)
		}
	}
	l.log.Info("app server link stopped")
}

func (l *Link) registerBusSurface() {
	if l.bus == nil {
		return
	}
	if err := l.bus.RequestName(ServiceName); err != nil {
		l.log.Error("bus name registration failed, continuing without remote surface", "name", ServiceName, "error", err)
		return
	}
	l.nameClaimed = true
	methods := map[string]interface{}{
		"SendCANMessage":  l.transport.Send,
		"GetServerStatus": l.serverStatus,
	}
	if err := l.bus.Export(ObjectPath, InterfaceName, methods); err != nil {
		l.log.Error("bus method export failed", "path", ObjectPath, "error", err)
	}
}

func (l *Link) serverStatus() string {
	return l.State().String()
}

// run keeps the link alive: dial with an unbounded fixed-delay retry, hold
// the session until it drops, repeat. Only ctx cancellation ends the loop.
func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()
	for ctx.Err() == nil {
		l.state.Store(int32(canbridge.Connecting))
		var conn net.Conn
		err := retry.Do(
			func() error {
				c, err := l.dial(ctx, l.addr)
				if err != nil {
					return err
				}
				conn = c
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(l.reconnectDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				l.log.Warn("server connect failed, retrying", "addr", l.addr, "attempt", n+1, "delay", l.reconnectDelay, "error", err)
			}),
		)
		if err != nil {
			break
		}
		l.session(ctx, conn)
	}
	l.state.Store(int32(canbridge.Disconnected))
}

// session runs one connected period: a heartbeat goroutine, a watcher that
// closes the socket on cancellation to unblock the reader, and the inbound
// read loop on this goroutine.
func (l *Link) session(ctx context.Context, conn net.Conn) {
	l.connMu.Lock()
	l.conn = conn
	l.enc = json.NewEncoder(conn)
	l.connMu.Unlock()
	l.state.Store(int32(canbridge.Connected))
	l.log.Info("connected to app server", "addr", conn.RemoteAddr())
	l.emit("ServerConnected")

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		l.heartbeatLoop(sctx)
	}()

	l.readLoop(conn)

	cancel()
	wg.Wait()

	l.connMu.Lock()
	l.conn = nil
	l.enc = nil
	l.connMu.Unlock()
	l.state.Store(int32(canbridge.Disconnected))
	l.log.Info("disconnected from app server", "addr", l.addr)
	l.emit("ServerDisconnected")
}

// readLoop consumes newline-delimited JSON from the server. Malformed,
// unrecognized or oversized messages are logged and dropped without closing
// the connection; only a read error ends the loop.
func (l *Link) readLoop(conn net.Conn) {
	r := bufio.NewReaderSize(conn, 4096)
	for {
		line, oversized, err := readLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.log.Warn("server read failed", "addr", l.addr, "error", err)
			}
			return
		}
		if oversized {
			l.log.Warn("oversized server message dropped", "limit", maxLineBytes)
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		l.emit("ServerMessageReceived", string(line))
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			l.log.Warn("malformed server message dropped", "error", err, "raw", string(line))
			continue
		}
		l.handle(m, line)
	}
}

// readLine returns the next newline-delimited line. A line longer than
// maxLineBytes is consumed and discarded in full, reported as oversized, so
// one runaway message never accumulates unbounded memory or ends the session.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			if len(buf) > maxLineBytes {
				return nil, true, nil
			}
			return buf, false, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, false, err
		}
		if len(buf) > maxLineBytes {
			return nil, true, skipLine(r)
		}
	}
}

// skipLine discards input through the next newline.
func skipLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func (l *Link) handle(m Message, raw []byte) {
	switch m.Type {
	case TypeCANCommand:
		payload, err := m.Payload()
		if err != nil {
			l.log.Warn("bad can_command dropped", "id", fmt.Sprintf("0x%03X", m.CANID), "error", err)
			return
		}
		if !l.transport.Send(m.CANID, payload) {
			l.log.Warn("can_command not sent", "id", fmt.Sprintf("0x%03X", m.CANID))
		}
	case TypeStatusRequest:
		if err := l.send(StatusResponse(l.canStatus())); err != nil {
			l.log.Warn("status_response write failed", "error", err)
		}
	default:
		l.log.Warn("unrecognized server message dropped", "type", m.Type, "raw", string(raw))
	}
}

func (l *Link) canStatus() string {
	if l.transport.IsConnected() {
		return "Connected"
	}
	return "Disconnected"
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.send(Heartbeat()); err != nil {
				l.log.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}

// SendCANMessageToServer pushes one frame notification to the server. It is
// used by the frame observer and by out-of-band callers; writes are
// serialized and never interleave mid-message.
func (l *Link) SendCANMessageToServer(id uint32, payload []byte) error {
	if len(payload) > canbridge.MaxPayload {
		return fmt.Errorf("appserver: %w: %d bytes", canbridge.ErrPayloadTooLarge, len(payload))
	}
	return l.send(CANMessage(id, payload))
}

func (l *Link) send(m Message) error {
	l.connMu.RLock()
	enc := l.enc
	l.connMu.RUnlock()
	if enc == nil {
		return canbridge.ErrNotConnected
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return enc.Encode(m)
}

func (l *Link) emit(member string, args ...interface{}) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Emit(ObjectPath, InterfaceName, member, args...); err != nil {
		l.log.Warn("signal emit failed", "member", member, "error", err)
	}
}

// OnFrame forwards a received CAN frame to the server. When the link is not
// connected the frame is dropped, not buffered.
func (l *Link) OnFrame(f canbridge.Frame) {
	if l.State() != canbridge.Connected {
		return
	}
	if err := l.SendCANMessageToServer(f.ID, f.Data); err != nil {
		l.log.Warn("frame forward failed", "id", fmt.Sprintf("0x%03X", f.ID), "error", err)
	}
}

func (l *Link) OnStatus(connected bool) {
	l.log.Debug("CAN interface status", "connected", connected)
}

func (l *Link) OnError(err error) {
	l.log.Debug("CAN error observed", "error", err)
}

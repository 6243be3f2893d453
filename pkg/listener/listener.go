// Package listener bridges CAN traffic onto the local bus. It republishes
// every received frame as a bus signal and exposes send/status operations
// callable by other processes on the host.
package listener

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmsbridge/canbridge"
	"github.com/dmsbridge/canbridge/pkg/localbus"
)

// Local bus contract for the CAN listener.
const (
	ServiceName   = "org.dmsbridge.CAN"
	ObjectPath    = "/org/dmsbridge/CANListener"
	InterfaceName = "org.dmsbridge.CAN"
)

// Listener composes a CAN transport with a local bus endpoint. It holds a
// non-owning reference to the transport and must not outlive it.
type Listener struct {
	transport *canbridge.Transport
	bus       localbus.Bus
	routes    RoutingTable
	log       *slog.Logger

	mu          sync.Mutex
	started     bool
	nameClaimed bool
}

// Option adjusts a Listener at construction time.
type Option func(*Listener)

func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) { l.log = log }
}

func WithRoutes(rt RoutingTable) Option {
	return func(l *Listener) { l.routes = rt }
}

// New creates a Listener over the given transport and bus.
func New(t *canbridge.Transport, bus localbus.Bus, opts ...Option) *Listener {
	l := &Listener{
		transport: t,
		bus:       bus,
		routes:    DefaultRoutes(),
		log:       slog.Default().With("component", "listener"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

var (
	defaultOnce sync.Once
	defaultL    *Listener
)

// Default returns the process-wide Listener, creating it on first call.
// Initialization is race free; arguments of later calls are ignored.
func Default(t *canbridge.Transport, bus localbus.Bus, opts ...Option) *Listener {
	defaultOnce.Do(func() {
		defaultL = New(t, bus, opts...)
	})
	return defaultL
}

// Start establishes the bus presence and connects the transport. A bus
// registration failure is logged and Start completes without the remote
// surface; a transport connect failure is returned.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	l.transport.AttachHandler(l)

	if err := l.bus.RequestName(ServiceName); err != nil {
		l.log.Error("bus name registration failed, continuing without remote surface", "name", ServiceName, "error", err)
	} else {
		l.mu.Lock()
		l.nameClaimed = true
		l.mu.Unlock()
		methods := map[string]interface{}{
			"SendCANMessage": l.sendCANMessage,
			"GetStatus":      l.getStatus,
		}
		if err := l.bus.Export(ObjectPath, InterfaceName, methods); err != nil {
			l.log.Error("bus method export failed", "path", ObjectPath, "error", err)
		}
	}

	if !l.transport.Connect() {
		return fmt.Errorf("listener: connect %s: transport refused", l.transport.Interface())
	}
	l.log.Info("listener started", "interface", l.transport.Interface())
	return nil
}

// Stop tears the listener down. Every step is attempted and its failure
// logged, never aborting the remaining steps. Safe to call repeatedly and
// after a failed Start.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	claimed := l.nameClaimed
	l.nameClaimed = false
	l.mu.Unlock()

	l.transport.DetachHandler(l)
	l.transport.Disconnect()

	if claimed {
		if err := l.bus.ReleaseName(ServiceName); err != nil {
			l.log.Warn("bus name release failed", "name", ServiceName, "error", err)
		}
	}
	l.log.Info("listener stopped")
}

// OnFrame republishes the frame as a bus signal with a microsecond
// timestamp, then consults the routing table for informational forwarding.
func (l *Listener) OnFrame(f canbridge.Frame) {
	ts := uint64(time.Now().UnixMicro())
	if err := l.bus.Emit(ObjectPath, InterfaceName, "CANMessageReceived", f.ID, f.Data, ts); err != nil {
		l.log.Warn("signal emit failed", "member", "CANMessageReceived", "error", err)
	}
	if category, ok := l.routes.Category(f.ID); ok {
		l.log.Info("forwarding to ECU", "category", category, "id", fmt.Sprintf("0x%03X", f.ID))
	}
}

func (l *Listener) OnStatus(connected bool) {
	l.log.Info("CAN interface status", "connected", connected)
}

func (l *Listener) OnError(err error) {
	l.log.Error("CAN error", "error", err)
}

// sendCANMessage is the bus-callable SendCANMessage operation. It delegates
// to the transport and returns its result unchanged, emitting the
// CANMessageSent signal on success.
func (l *Listener) sendCANMessage(id uint32, data []byte) bool {
	ok := l.transport.Send(id, data)
	if ok {
		ts := uint64(time.Now().UnixMicro())
		if err := l.bus.Emit(ObjectPath, InterfaceName, "CANMessageSent", id, data, ts); err != nil {
			l.log.Warn("signal emit failed", "member", "CANMessageSent", "error", err)
		}
	}
	return ok
}

// getStatus reflects the transport state at call time, never a cached value.
func (l *Listener) getStatus() string {
	if l.transport.IsConnected() {
		return "Connected"
	}
	return "Disconnected"
}

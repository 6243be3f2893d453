package canbridge

import (
	"sync"
	"time"
)

// Loopback is an in-memory CAN endpoint for tests and simulations. Inject
// queues frames for the transport to read; frames the transport writes are
// recorded and mirrored on Outgoing.
type Loopback struct {
	in      chan Frame
	out     chan Frame
	pending *Frame

	mu     sync.Mutex
	sent   []Frame
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		in:  make(chan Frame, 256),
		out: make(chan Frame, 256),
	}
}

// Opener returns a SocketOpener that hands out this endpoint, for use with
// WithSocketOpener.
func (l *Loopback) Opener() SocketOpener {
	return func(iface string) (Socket, error) {
		return l, nil
	}
}

// Inject queues a frame as if it arrived from the bus.
func (l *Loopback) Inject(f Frame) {
	l.in <- f
}

// Sent returns a copy of every frame written so far.
func (l *Loopback) Sent() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// Outgoing mirrors written frames for callers that want to wait on them.
func (l *Loopback) Outgoing() <-chan Frame {
	return l.out
}

func (l *Loopback) WaitReadable(timeout time.Duration) (bool, error) {
	if l.pending != nil {
		return true, nil
	}
	select {
	case f := <-l.in:
		l.pending = &f
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (l *Loopback) ReadFrame() (Frame, error) {
	if l.pending == nil {
		return Frame{}, ErrClosed
	}
	f := *l.pending
	l.pending = nil
	return f, nil
}

func (l *Loopback) WriteFrame(f Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.sent = append(l.sent, f)
	l.mu.Unlock()
	select {
	case l.out <- f:
	default:
	}
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

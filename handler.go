package canbridge

import "sync"

// Handler is the capability set a transport observer implements. Callbacks
// fire synchronously on the goroutine that detected the event, so handlers
// must not block for long or they stall that transport's loop.
type Handler interface {
	// OnFrame is called for every frame read from the socket, in kernel
	// receive order.
	OnFrame(Frame)
	// OnStatus is called when the transport connects or disconnects.
	OnStatus(connected bool)
	// OnError is called for validation, setup and runtime failures.
	OnError(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Frame  func(Frame)
	Status func(connected bool)
	Error  func(err error)
}

func (h HandlerFuncs) OnFrame(f Frame) {
	if h.Frame != nil {
		h.Frame(f)
	}
}

func (h HandlerFuncs) OnStatus(connected bool) {
	if h.Status != nil {
		h.Status(connected)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// handlers fans events out to any number of attached observers. Delivery is
// best effort and synchronous; observers are invoked in attach order.
type handlers struct {
	mu   sync.RWMutex
	list []Handler
}

func (h *handlers) attach(sub Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.list = append(h.list, sub)
}

func (h *handlers) detach(sub Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.list {
		if s == sub {
			h.list = append(h.list[:i], h.list[i+1:]...)
			return
		}
	}
}

func (h *handlers) snapshot() []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Handler, len(h.list))
	copy(out, h.list)
	return out
}

func (h *handlers) frame(f Frame) {
	for _, s := range h.snapshot() {
		s.OnFrame(f)
	}
}

func (h *handlers) status(connected bool) {
	for _, s := range h.snapshot() {
		s.OnStatus(connected)
	}
}

func (h *handlers) error(err error) {
	for _, s := range h.snapshot() {
		s.OnError(err)
	}
}

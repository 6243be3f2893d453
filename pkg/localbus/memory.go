package localbus

import (
	"fmt"
	"reflect"
	"sync"
)

// Signal is one emitted signal recorded by the memory bus.
type Signal struct {
	Path   string
	Iface  string
	Member string
	Args   []interface{}
}

// Memory is an in-process Bus for tests. It records exported methods and
// emitted signals and lets callers invoke methods directly.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	names   map[string]bool
	methods map[string]map[string]interface{}
	signals []Signal
}

var _ Bus = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		names:   make(map[string]bool),
		methods: make(map[string]map[string]interface{}),
	}
}

func (m *Memory) RequestName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("localbus: memory bus closed")
	}
	if m.names[name] {
		return fmt.Errorf("localbus: request name %s: %w", name, ErrNameTaken)
	}
	m.names[name] = true
	return nil
}

func (m *Memory) Export(path, iface string, methods map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := path + ":" + iface
	if m.methods[key] == nil {
		m.methods[key] = make(map[string]interface{})
	}
	for name, fn := range methods {
		m.methods[key][name] = fn
	}
	return nil
}

func (m *Memory) Emit(path, iface, member string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("localbus: memory bus closed")
	}
	m.signals = append(m.signals, Signal{Path: path, Iface: iface, Member: member, Args: args})
	return nil
}

func (m *Memory) ReleaseName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.names, name)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Call invokes an exported method by name, as a remote bus peer would.
func (m *Memory) Call(path, iface, method string, args ...interface{}) ([]interface{}, error) {
	m.mu.Lock()
	fn, ok := m.methods[path+":"+iface][method]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("localbus: no method %s.%s on %s", iface, method, path)
	}
	fv := reflect.ValueOf(fn)
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	out := fv.Call(in)
	res := make([]interface{}, len(out))
	for i, v := range out {
		res[i] = v.Interface()
	}
	return res, nil
}

// Signals returns a copy of all signals emitted so far.
func (m *Memory) Signals() []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Signal, len(m.signals))
	copy(out, m.signals)
	return out
}

// SignalsNamed returns emitted signals matching the given member name.
func (m *Memory) SignalsNamed(member string) []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Signal
	for _, s := range m.signals {
		if s.Member == member {
			out = append(out, s)
		}
	}
	return out
}

// HasMethod reports whether a method was exported on the path and interface.
func (m *Memory) HasMethod(path, iface, method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.methods[path+":"+iface][method]
	return ok
}

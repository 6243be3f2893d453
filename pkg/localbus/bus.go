// Package localbus is a thin port over the host's inter-process bus. The
// bridge components export their methods and signals through it without
// assuming a specific bus implementation; the production backend is D-Bus
// and tests use the in-memory bus.
package localbus

import "errors"

// Bus is the capability set the bridge needs from a local bus: claim a
// well-known name, export callable methods on an object, emit signals and
// tear down.
type Bus interface {
	// RequestName claims a well-known bus name. It fails when another
	// process already owns the name.
	RequestName(name string) error

	// Export registers the methods map as callable operations on the given
	// object path and interface. Map values must be funcs; argument and
	// return types are mapped by the backend.
	Export(path, iface string, methods map[string]interface{}) error

	// Emit broadcasts a signal from the given object path.
	Emit(path, iface, member string, args ...interface{}) error

	// ReleaseName gives up a previously claimed name.
	ReleaseName(name string) error

	Close() error
}

// ErrNameTaken indicates the requested well-known name is owned elsewhere.
var ErrNameTaken = errors.New("localbus: name already taken")

package canbridge

// ConnectionState tracks the lifecycle of a single transport. Transitions
// are owned by the transport itself; callers only observe.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

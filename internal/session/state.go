package session

// State is the connection state of a Manager.
type State int

// Session states.
const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

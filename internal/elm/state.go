package elm

// State is the adapter session lifecycle state.
//
//	Closed -> Opening -> Initializing -> Ready <-> Configuring
//
// Any failure returns the session to Closed and releases the transport.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateInitializing
	StateReady
	StateConfiguring
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateConfiguring:
		return "configuring"
	default:
		return "unknown"
	}
}

// holdsTransport reports whether the transport is open in this state.
func (s State) holdsTransport() bool { return s != StateClosed }

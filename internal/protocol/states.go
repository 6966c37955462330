package protocol

// State is the connection lifecycle state of the control channel.
type State int

const (
	// StateDisconnected means no transport is open; a fresh Connect is
	// required.
	StateDisconnected State = iota
	// StateConnecting means the transport dial is in progress.
	StateConnecting
	// StateHandshaking means the transport is open and the hello exchange
	// has not completed yet.
	StateHandshaking
	// StateIdle means the session is established and the client is
	// listening for user input.
	StateIdle
	// StateRemoteSpeaking means the assistant is speaking; new user input
	// triggers barge-in.
	StateRemoteSpeaking
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateRemoteSpeaking:
		return "remote_speaking"
	default:
		return "unknown"
	}
}

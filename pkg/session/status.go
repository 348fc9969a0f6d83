package session

// Status is the connection state of a session.
type Status int

const (
	// StatusDisconnected is the initial state, and the state after a
	// graceful shutdown.
	StatusDisconnected Status = iota
	// StatusConnecting covers transport dialing and device acquisition.
	StatusConnecting
	// StatusConnected means audio is flowing in both directions.
	StatusConnected
	// StatusError is terminal; the session cannot be restarted.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

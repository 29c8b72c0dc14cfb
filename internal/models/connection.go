package models

// ConnectionState is the feed supervisor's view of the upstream session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateAuthenticating
	StateConnecting
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

package reconnect

// Status is a connection-status event reported by the channel provider.
type Status int

const (
	// StatusUnset is the zero value before any provider event arrives.
	StatusUnset Status = iota
	StatusSubscribed
	StatusTimedOut
	StatusClosed
	StatusChannelError
	StatusSubscriptionError
)

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusSubscribed:
		return "subscribed"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	case StatusChannelError:
		return "channel_error"
	case StatusSubscriptionError:
		return "subscription_error"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the status represents a lost connection.
func (s Status) IsFailure() bool {
	switch s {
	case StatusTimedOut, StatusClosed, StatusChannelError, StatusSubscriptionError:
		return true
	default:
		return false
	}
}

// State is the manager's position in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateReconnecting
	StateConnected
)

func (st State) String() string {
	switch st {
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

package types

// OperationStatus is the lifecycle of a single contract operation
type OperationStatus int

const (
	OperationIdle OperationStatus = iota
	OperationAwaitingConfirmation
	OperationAwaitingInclusion
	OperationSucceeded
	OperationFailed
)

// String returns the operation status name
func (s OperationStatus) String() string {
	switch s {
	case OperationIdle:
		return "idle"
	case OperationAwaitingConfirmation:
		return "awaiting_confirmation"
	case OperationAwaitingInclusion:
		return "awaiting_inclusion"
	case OperationSucceeded:
		return "succeeded"
	case OperationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsSettled reports whether the operation reached a terminal state
func (s OperationStatus) IsSettled() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// InFlight reports whether the operation is waiting on the wallet or the chain
func (s OperationStatus) InFlight() bool {
	return s == OperationAwaitingConfirmation || s == OperationAwaitingInclusion
}

// SessionStatus is the connection state of a wallet session
type SessionStatus int

const (
	SessionNoProvider SessionStatus = iota
	SessionDisconnected
	SessionConnecting
	SessionConnected
)

// String returns the session status name
func (s SessionStatus) String() string {
	switch s {
	case SessionNoProvider:
		return "no_provider"
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	default:
		return "unknown"
	}
}

package model

// SubscriptionState is the lifecycle state of one node subscription.
type SubscriptionState int32

const (
	StateIdle SubscriptionState = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateStopped
)

func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

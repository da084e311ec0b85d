package realtime

import "time"

// State is a subscription's lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Active
	Degraded
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is reported to the Sink whenever a subscription changes state.
type StateChange struct {
	Context        string
	SubscriptionID uint64
	State          State
	Extensions     []string
}

// Subscription is a read-only view of one context's subscription.
type Subscription struct {
	ID         uint64    `json:"id"`
	Context    string    `json:"context"`
	Extensions []string  `json:"extensions"`
	OwnerID    string    `json:"ownerId"`
	State      State     `json:"state"`
	LastFrame  time.Time `json:"lastFrame"`
}

package notify

import "time"

// PushState is the push path's connection state.
type PushState string

const (
	// PushDisabled means no push transport is configured; pull only.
	PushDisabled PushState = "disabled"
	// PushIdle means there is no authenticated session.
	PushIdle         PushState = "idle"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushDisconnected PushState = "disconnected"
)

// Health describes the delivery paths. A disconnected push path is a
// degraded mode, not an error.
type Health struct {
	Push      PushState `json:"push"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	LastPull  time.Time `json:"last_pull,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Degraded reports whether the pull path is the only live source.
func (h Health) Degraded() bool {
	return h.Push != PushConnected
}

// Snapshot is what Channel subscribers receive after each change. Item
// messages are plain text; see Event.
type Snapshot struct {
	Items  []Event `json:"items"`
	Unread int     `json:"unread"`
	Health Health  `json:"health"`
}

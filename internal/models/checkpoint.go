package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is a persisted snapshot of conversation state at a point in
// time. Effects reference the checkpoint that produced them so a delivered
// message can always be traced back to the decision behind it.
type Checkpoint struct {
	ID         string          `json:"id"`
	SessionKey string          `json:"session_key"`
	State      json.RawMessage `json:"state,omitempty"`

	// Autonomy counters carried alongside the state snapshot
	ConsecutiveAutonomousSends int        `json:"consecutive_autonomous_sends"`
	LastUserActivity           *time.Time `json:"last_user_activity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

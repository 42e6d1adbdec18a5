package models

import "time"

// AutonomyLimits are the configured bounds on autonomous sends for a session.
// A zero value for any field disables that particular limit.
type AutonomyLimits struct {
	// MaxConsecutiveSends caps autonomous sends since the last user turn.
	MaxConsecutiveSends int `json:"max_consecutive_sends"`
	// MinQuietPeriod is how long after the last user activity the agent must
	// wait before following up on its own.
	MinQuietPeriod time.Duration `json:"min_quiet_period"`
	// MaxIdlePeriod is the horizon after which a silent session is considered
	// abandoned and no longer followed up.
	MaxIdlePeriod time.Duration `json:"max_idle_period"`
}

// AutonomyMetadata is a read-only snapshot of a session's autonomy counters,
// sourced from the conversation checkpoint referenced by CheckpointID. This
// subsystem never mutates it; it is loaded on demand for policy checks.
type AutonomyMetadata struct {
	SessionKey                 string         `json:"session_key"`
	CheckpointID               string         `json:"checkpoint_id"`
	ConsecutiveAutonomousSends int            `json:"consecutive_autonomous_sends"`
	LastUserActivity           time.Time      `json:"last_user_activity"`
	Limits                     AutonomyLimits `json:"limits"`
}

// PolicyDecision is the outcome of an autonomy policy check
type PolicyDecision struct {
	Allowed   bool   `json:"allowed"`
	BlockedBy string `json:"blocked_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

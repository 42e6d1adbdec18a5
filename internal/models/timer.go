package models

import "encoding/json"

// Timer is a scheduled wake-up for a session. Timers upsert on
// (session_key, timer_id): a later schedule for the same id overwrites the
// fire time rather than creating a second timer, so repeated scheduling
// debounces to the latest deadline.
type Timer struct {
	SessionKey string          `json:"session_key"`
	TimerID    string          `json:"timer_id"`
	FireAtMs   int64           `json:"fire_at_ms"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FiredAtMs  *int64          `json:"fired_at_ms,omitempty"`
}

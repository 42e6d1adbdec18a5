package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of inbound stimulus
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventTimerFired  EventType = "timer_fired"
)

// Event is one inbound stimulus in the append-only log. Events are immutable
// once appended and are never deleted — the log doubles as the audit trail.
type Event struct {
	ID         string          `json:"id"`
	SessionKey string          `json:"session_key"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserMessagePayload is the payload of a user_message event
type UserMessagePayload struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id"`
}

// TimerFiredPayload is the payload of a timer_fired event
type TimerFiredPayload struct {
	TimerID string          `json:"timer_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

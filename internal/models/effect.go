package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EffectType identifies the kind of action an effect represents
type EffectType string

const (
	EffectSendMessage   EffectType = "send_message"
	EffectScheduleTimer EffectType = "schedule_timer"
)

// EffectStatus is the lifecycle state of an effect. Transitions move forward
// only, except the single retry edge executing → pending taken when delivery
// found no live connection.
type EffectStatus string

const (
	EffectPending   EffectStatus = "pending"
	EffectExecuting EffectStatus = "executing"
	EffectCompleted EffectStatus = "completed"
	EffectFailed    EffectStatus = "failed"
)

var effectTransitions = map[EffectStatus][]EffectStatus{
	// pending → failed happens only on TTL expiry, where staleness is
	// terminal and no execution attempt is made.
	EffectPending:   {EffectExecuting, EffectFailed},
	EffectExecuting: {EffectCompleted, EffectFailed, EffectPending},
	EffectCompleted: {},
	EffectFailed:    {},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s EffectStatus) CanTransitionTo(next EffectStatus) bool {
	for _, allowed := range effectTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final. Terminal effects are immutable.
func (s EffectStatus) Terminal() bool {
	return s == EffectCompleted || s == EffectFailed
}

// Valid reports whether s is a known status value.
func (s EffectStatus) Valid() bool {
	_, ok := effectTransitions[s]
	return ok
}

// Effect is a durable record of an action the conversation decided to take,
// written to the outbox before execution so delivery can be retried safely
// after a crash.
type Effect struct {
	ID           string          `json:"id"`
	SessionKey   string          `json:"session_key"`
	CheckpointID string          `json:"checkpoint_id"`
	Type         EffectType      `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DedupeKey    string          `json:"dedupe_key"`
	Status       EffectStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SendMessagePayload is the payload of a send_message effect. Autonomous is
// an explicit flag: true for messages the agent sends on its own initiative
// (timer follow-ups), false for direct replies to a user turn. Autonomous
// sends are subject to policy gating; direct replies are not.
type SendMessagePayload struct {
	Content    string `json:"content"`
	RequestID  string `json:"request_id"`
	Autonomous bool   `json:"autonomous,omitempty"`
}

// ScheduleTimerPayload is the payload of a schedule_timer effect
type ScheduleTimerPayload struct {
	TimerID      string          `json:"timer_id"`
	DelaySeconds float64         `json:"delay_seconds"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the payload shape required before a timer can be scheduled.
func (p *ScheduleTimerPayload) Validate() error {
	if p.TimerID == "" {
		return fmt.Errorf("schedule_timer payload: timer_id is empty")
	}
	if p.DelaySeconds < 0 {
		return fmt.Errorf("schedule_timer payload: delay_seconds is negative (%v)", p.DelaySeconds)
	}
	return nil
}

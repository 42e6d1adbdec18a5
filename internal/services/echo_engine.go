package services

import (
	"context"
	"encoding/json"
	"fmt"

	"courier/internal/models"
)

// EchoEngine is the minimal ConversationEngine wired in when no external
// engine is attached: it acknowledges each user message with a direct reply
// and answers timer fires with an autonomous nudge. It exists so the full
// pipeline — queue, outbox, runner, timers, policy — runs end to end, and
// doubles as the engine used in tests.
type EchoEngine struct{}

// NewEchoEngine creates a new echo engine
func NewEchoEngine() *EchoEngine {
	return &EchoEngine{}
}

type echoState struct {
	Turns int `json:"turns"`
}

// Respond implements ConversationEngine
func (e *EchoEngine) Respond(ctx context.Context, state json.RawMessage, event *models.Event) (*EngineResult, error) {
	var st echoState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("corrupt echo state: %w", err)
		}
	}
	st.Turns++

	nextState, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	result := &EngineResult{State: nextState}

	switch event.Type {
	case models.EventUserMessage:
		var payload models.UserMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed user_message payload: %w", err)
		}
		reply, err := json.Marshal(models.SendMessagePayload{
			Content:   fmt.Sprintf("Received: %s", payload.Content),
			RequestID: payload.RequestID,
		})
		if err != nil {
			return nil, err
		}
		result.Effects = append(result.Effects, EngineEffect{
			Type:    models.EffectSendMessage,
			Payload: reply,
		})

	case models.EventTimerFired:
		var payload models.TimerFiredPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed timer_fired payload: %w", err)
		}
		nudge, err := json.Marshal(models.SendMessagePayload{
			Content:    "Still there? Your timer fired.",
			RequestID:  fmt.Sprintf("timer_%s", payload.TimerID),
			Autonomous: true,
		})
		if err != nil {
			return nil, err
		}
		result.Effects = append(result.Effects, EngineEffect{
			Type:    models.EffectSendMessage,
			Payload: nudge,
		})
	}

	return result, nil
}

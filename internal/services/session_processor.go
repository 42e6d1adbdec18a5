package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"courier/internal/models"

	"github.com/google/uuid"
)

// EngineEffect is an action the conversation engine decided to emit. The
// processor assigns ids, dedupe keys and the checkpoint link before the
// effect becomes durable.
type EngineEffect struct {
	Type    models.EffectType
	Payload json.RawMessage
}

// EngineResult is the outcome of one conversation turn
type EngineResult struct {
	// State is the next conversation state snapshot to checkpoint.
	State json.RawMessage
	// Effects are the actions decided this turn, in emission order.
	Effects []EngineEffect
}

// ConversationEngine is the external state machine that decides what the
// agent does in response to an event. This subsystem treats it as a black
// box: it is handed the prior state and the event, and returns the next
// state plus zero or more effects.
type ConversationEngine interface {
	Respond(ctx context.Context, state json.RawMessage, event *models.Event) (*EngineResult, error)
}

// SessionProcessor handles one event at a time per session (the EventQueue
// guarantees this): it invokes the conversation engine, commits the new
// checkpoint, and writes the decided effects to the outbox as a unit.
type SessionProcessor struct {
	checkpoints *CheckpointStore
	outbox      *OutboxStore
	engine      ConversationEngine
	metrics     *Metrics
}

// NewSessionProcessor creates a new session processor
func NewSessionProcessor(checkpoints *CheckpointStore, outbox *OutboxStore, engine ConversationEngine, metrics *Metrics) *SessionProcessor {
	return &SessionProcessor{
		checkpoints: checkpoints,
		outbox:      outbox,
		engine:      engine,
		metrics:     metrics,
	}
}

// Process runs one conversation turn for the event and returns the effects
// written to the outbox. If the outbox batch write fails the event counts as
// unprocessed and is safe to retry: dedupe keys are derived from the event
// id, so the retried write collapses into whatever the first attempt managed
// to persist.
func (p *SessionProcessor) Process(ctx context.Context, event *models.Event) ([]*models.Effect, error) {
	prior, err := p.checkpoints.Latest(ctx, event.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", event.SessionKey, err)
	}

	var priorState json.RawMessage
	if prior != nil {
		priorState = prior.State
	}

	result, err := p.engine.Respond(ctx, priorState, event)
	if err != nil {
		return nil, fmt.Errorf("conversation engine failed for event %s: %w", event.ID, err)
	}

	checkpoint, err := p.checkpoints.Save(ctx, p.nextCheckpoint(prior, event, result))
	if err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint for %s: %w", event.SessionKey, err)
	}

	effects := make([]*models.Effect, 0, len(result.Effects))
	for i, engineEffect := range result.Effects {
		effects = append(effects, &models.Effect{
			ID:           uuid.New().String(),
			SessionKey:   event.SessionKey,
			CheckpointID: checkpoint.ID,
			Type:         engineEffect.Type,
			Payload:      engineEffect.Payload,
			// Deterministic per decision: replaying the same event produces
			// the same keys, and duplicate writes collapse in the outbox.
			DedupeKey: fmt.Sprintf("%s:%s:%d", event.ID, engineEffect.Type, i),
			Status:    models.EffectPending,
			CreatedAt: time.Now(),
		})
	}

	if err := p.outbox.InsertBatch(ctx, effects); err != nil {
		return nil, fmt.Errorf("failed to write effect batch for event %s: %w", event.ID, err)
	}

	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
	}
	log.Printf("📨 [PROCESSOR] Event %s (session %s): %d effect(s) written at checkpoint %s",
		event.ID, event.SessionKey, len(effects), checkpoint.ID)

	return effects, nil
}

// nextCheckpoint rolls the autonomy counters forward: a user turn resets the
// consecutive-autonomous-sends count and stamps the activity time, and every
// autonomous send emitted this turn increments the count.
func (p *SessionProcessor) nextCheckpoint(prior *models.Checkpoint, event *models.Event, result *EngineResult) *models.Checkpoint {
	checkpoint := &models.Checkpoint{
		SessionKey: event.SessionKey,
		State:      result.State,
	}

	if prior != nil {
		checkpoint.ConsecutiveAutonomousSends = prior.ConsecutiveAutonomousSends
		checkpoint.LastUserActivity = prior.LastUserActivity
	}

	if event.Type == models.EventUserMessage {
		checkpoint.ConsecutiveAutonomousSends = 0
		activity := event.CreatedAt
		if activity.IsZero() {
			activity = time.Now()
		}
		checkpoint.LastUserActivity = &activity
	}

	for _, engineEffect := range result.Effects {
		if engineEffect.Type != models.EffectSendMessage {
			continue
		}
		var payload models.SendMessagePayload
		if err := json.Unmarshal(engineEffect.Payload, &payload); err == nil && payload.Autonomous {
			checkpoint.ConsecutiveAutonomousSends++
		}
	}

	return checkpoint
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"courier/internal/models"
)

// scriptedEngine returns a fixed result for every event, recording states it saw.
type scriptedEngine struct {
	result *EngineResult
	err    error
	states []json.RawMessage
}

func (e *scriptedEngine) Respond(ctx context.Context, state json.RawMessage, event *models.Event) (*EngineResult, error) {
	e.states = append(e.states, state)
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func sendEffect(content string, autonomous bool) EngineEffect {
	payload, _ := json.Marshal(models.SendMessagePayload{
		Content:    content,
		RequestID:  "req-1",
		Autonomous: autonomous,
	})
	return EngineEffect{Type: models.EffectSendMessage, Payload: payload}
}

func userEvent(id string) *models.Event {
	return &models.Event{
		ID:         id,
		SessionKey: "a:u:t",
		Type:       models.EventUserMessage,
		Payload:    []byte(`{"content":"hi","request_id":"req-1"}`),
		CreatedAt:  time.Now(),
	}
}

func TestSessionProcessor_WritesEffectsAndCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	checkpoints := NewCheckpointStore(db)
	outbox := NewOutboxStore(db)
	engine := &scriptedEngine{result: &EngineResult{
		State:   []byte(`{"turns":1}`),
		Effects: []EngineEffect{sendEffect("hello", false)},
	}}
	processor := NewSessionProcessor(checkpoints, outbox, engine, nil)
	ctx := context.Background()

	effects, err := processor.Process(ctx, userEvent("ev-1"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("Expected 1 effect, got %d", len(effects))
	}

	checkpoint, err := checkpoints.Latest(ctx, "a:u:t")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if checkpoint == nil {
		t.Fatal("Expected a checkpoint to be committed")
	}
	if string(checkpoint.State) != `{"turns":1}` {
		t.Errorf("Unexpected checkpoint state: %s", checkpoint.State)
	}
	if effects[0].CheckpointID != checkpoint.ID {
		t.Errorf("Effect references checkpoint %s, expected %s", effects[0].CheckpointID, checkpoint.ID)
	}

	pending, err := outbox.GetPending(ctx, 10, "")
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending effect in the outbox, got %d", len(pending))
	}
	if pending[0].DedupeKey != "ev-1:send_message:0" {
		t.Errorf("Unexpected dedupe key: %s", pending[0].DedupeKey)
	}
}

func TestSessionProcessor_RetryCollapsesDuplicates(t *testing.T) {
	db := setupTestDB(t)
	checkpoints := NewCheckpointStore(db)
	outbox := NewOutboxStore(db)
	engine := &scriptedEngine{result: &EngineResult{
		State: []byte(`{}`),
		Effects: []EngineEffect{
			sendEffect("one", false),
			sendEffect("two", false),
		},
	}}
	processor := NewSessionProcessor(checkpoints, outbox, engine, nil)
	ctx := context.Background()

	event := userEvent("ev-1")
	if _, err := processor.Process(ctx, event); err != nil {
		t.Fatalf("First process failed: %v", err)
	}
	// Reprocessing the same event (crash-replay) produces the same dedupe
	// keys, so the outbox stays at two effects
	if _, err := processor.Process(ctx, event); err != nil {
		t.Fatalf("Replayed process failed: %v", err)
	}

	pending, err := outbox.GetPending(ctx, 10, "")
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected duplicate effects to collapse to 2, got %d", len(pending))
	}
}

func TestSessionProcessor_PassesPriorStateToEngine(t *testing.T) {
	db := setupTestDB(t)
	checkpoints := NewCheckpointStore(db)
	outbox := NewOutboxStore(db)
	engine := &scriptedEngine{result: &EngineResult{State: []byte(`{"turns":1}`)}}
	processor := NewSessionProcessor(checkpoints, outbox, engine, nil)
	ctx := context.Background()

	if _, err := processor.Process(ctx, userEvent("ev-1")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := processor.Process(ctx, userEvent("ev-2")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(engine.states) != 2 {
		t.Fatalf("Expected 2 engine invocations, got %d", len(engine.states))
	}
	if engine.states[0] != nil {
		t.Errorf("Expected nil state on the first turn, got %s", engine.states[0])
	}
	if string(engine.states[1]) != `{"turns":1}` {
		t.Errorf("Expected the committed state on the second turn, got %s", engine.states[1])
	}
}

func TestSessionProcessor_AutonomyCounters(t *testing.T) {
	db := setupTestDB(t)
	checkpoints := NewCheckpointStore(db)
	outbox := NewOutboxStore(db)
	engine := &scriptedEngine{}
	processor := NewSessionProcessor(checkpoints, outbox, engine, nil)
	ctx := context.Background()

	// Timer turn emitting two autonomous sends
	engine.result = &EngineResult{
		State: []byte(`{}`),
		Effects: []EngineEffect{
			sendEffect("nudge-1", true),
			sendEffect("nudge-2", true),
		},
	}
	timerEvent := &models.Event{
		ID:         "ev-timer",
		SessionKey: "a:u:t",
		Type:       models.EventTimerFired,
		Payload:    []byte(`{"timer_id":"follow_up"}`),
		CreatedAt:  time.Now(),
	}
	if _, err := processor.Process(ctx, timerEvent); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	checkpoint, err := checkpoints.Latest(ctx, "a:u:t")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if checkpoint.ConsecutiveAutonomousSends != 2 {
		t.Fatalf("Expected 2 consecutive autonomous sends, got %d", checkpoint.ConsecutiveAutonomousSends)
	}
	if checkpoint.LastUserActivity != nil {
		t.Error("Timer turn should not stamp user activity")
	}

	// A user turn resets the counter and stamps activity. The pause keeps
	// the two checkpoints from landing on the same millisecond, which would
	// make Latest ambiguous.
	time.Sleep(5 * time.Millisecond)
	engine.result = &EngineResult{State: []byte(`{}`), Effects: []EngineEffect{sendEffect("reply", false)}}
	if _, err := processor.Process(ctx, userEvent("ev-user")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	checkpoint, err = checkpoints.Latest(ctx, "a:u:t")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if checkpoint.ConsecutiveAutonomousSends != 0 {
		t.Errorf("Expected the counter to reset on a user turn, got %d", checkpoint.ConsecutiveAutonomousSends)
	}
	if checkpoint.LastUserActivity == nil {
		t.Error("Expected a user turn to stamp activity")
	}
}

func TestSessionProcessor_EngineErrorCommitsNothing(t *testing.T) {
	db := setupTestDB(t)
	checkpoints := NewCheckpointStore(db)
	outbox := NewOutboxStore(db)
	engine := &scriptedEngine{err: fmt.Errorf("model unavailable")}
	processor := NewSessionProcessor(checkpoints, outbox, engine, nil)
	ctx := context.Background()

	if _, err := processor.Process(ctx, userEvent("ev-1")); err == nil {
		t.Fatal("Expected engine error to propagate")
	}

	checkpoint, err := checkpoints.Latest(ctx, "a:u:t")
	if err != nil {
		t.Fatalf("Latest errored: %v", err)
	}
	if checkpoint != nil {
		t.Error("Expected no checkpoint after an engine failure")
	}

	pending, err := outbox.GetPending(ctx, 10, "")
	if err != nil {
		t.Fatalf("GetPending errored: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no effects after an engine failure, got %d", len(pending))
	}
}

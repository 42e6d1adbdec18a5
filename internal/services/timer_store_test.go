package services

import (
	"context"
	"testing"
	"time"

	"courier/internal/models"
)

func TestTimerStore_UpsertOverwrites(t *testing.T) {
	db := setupTestDB(t)
	store := NewTimerStore(db)
	ctx := context.Background()

	first := &models.Timer{
		SessionKey: "a:u:t",
		TimerID:    "follow_up",
		FireAtMs:   time.Now().Add(time.Hour).UnixMilli(),
		Payload:    []byte(`{"kind":"nudge"}`),
	}
	if err := store.UpsertTimer(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Re-scheduling the same id debounces to the latest deadline
	later := time.Now().Add(2 * time.Hour).UnixMilli()
	second := &models.Timer{
		SessionKey: "a:u:t",
		TimerID:    "follow_up",
		FireAtMs:   later,
		Payload:    []byte(`{"kind":"nudge-2"}`),
	}
	if err := store.UpsertTimer(ctx, second); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	timer, err := store.Get(ctx, "a:u:t", "follow_up")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if timer == nil {
		t.Fatal("Expected timer to exist")
	}
	if timer.FireAtMs != later {
		t.Errorf("Expected fire time %d, got %d", later, timer.FireAtMs)
	}
	if string(timer.Payload) != `{"kind":"nudge-2"}` {
		t.Errorf("Expected payload to be replaced, got %s", timer.Payload)
	}
}

func TestTimerStore_DueTimers(t *testing.T) {
	db := setupTestDB(t)
	store := NewTimerStore(db)
	ctx := context.Background()
	now := time.Now()

	due := &models.Timer{SessionKey: "a:u:t", TimerID: "due", FireAtMs: now.Add(-time.Second).UnixMilli()}
	future := &models.Timer{SessionKey: "a:u:t", TimerID: "future", FireAtMs: now.Add(time.Hour).UnixMilli()}
	for _, timer := range []*models.Timer{due, future} {
		if err := store.UpsertTimer(ctx, timer); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	timers, err := store.DueTimers(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueTimers failed: %v", err)
	}
	if len(timers) != 1 || timers[0].TimerID != "due" {
		t.Fatalf("Expected only the elapsed timer, got %v", timers)
	}
}

func TestTimerStore_MarkFiredOnce(t *testing.T) {
	db := setupTestDB(t)
	store := NewTimerStore(db)
	ctx := context.Background()
	now := time.Now()

	timer := &models.Timer{SessionKey: "a:u:t", TimerID: "once", FireAtMs: now.Add(-time.Second).UnixMilli()}
	if err := store.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	fired, err := store.MarkFired(ctx, "a:u:t", "once", now)
	if err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}
	if !fired {
		t.Fatal("Expected first MarkFired to stamp the timer")
	}

	fired, err = store.MarkFired(ctx, "a:u:t", "once", now)
	if err != nil {
		t.Fatalf("Second MarkFired errored: %v", err)
	}
	if fired {
		t.Fatal("Expected second MarkFired to be a no-op")
	}

	// Fired timers disappear from the due set
	timers, err := store.DueTimers(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("DueTimers failed: %v", err)
	}
	if len(timers) != 0 {
		t.Fatalf("Expected no due timers after firing, got %d", len(timers))
	}
}

func TestTimerStore_UpsertRearmsFiredTimer(t *testing.T) {
	db := setupTestDB(t)
	store := NewTimerStore(db)
	ctx := context.Background()
	now := time.Now()

	timer := &models.Timer{SessionKey: "a:u:t", TimerID: "rearm", FireAtMs: now.Add(-time.Second).UnixMilli()}
	if err := store.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := store.MarkFired(ctx, "a:u:t", "rearm", now); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	timer.FireAtMs = now.Add(-time.Millisecond).UnixMilli()
	if err := store.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("Re-arm upsert failed: %v", err)
	}

	timers, err := store.DueTimers(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueTimers failed: %v", err)
	}
	if len(timers) != 1 {
		t.Fatalf("Expected re-armed timer to be due again, got %d", len(timers))
	}
}

func TestTimerStore_DeleteFiredBefore(t *testing.T) {
	db := setupTestDB(t)
	store := NewTimerStore(db)
	ctx := context.Background()
	now := time.Now()

	old := &models.Timer{SessionKey: "a:u:t", TimerID: "old", FireAtMs: now.Add(-48 * time.Hour).UnixMilli()}
	unfired := &models.Timer{SessionKey: "a:u:t", TimerID: "unfired", FireAtMs: now.Add(-48 * time.Hour).UnixMilli()}
	for _, timer := range []*models.Timer{old, unfired} {
		if err := store.UpsertTimer(ctx, timer); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if _, err := store.MarkFired(ctx, "a:u:t", "old", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	deleted, err := store.DeleteFiredBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFiredBefore errored: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 deleted timer, got %d", deleted)
	}

	// Unfired timers are never cleaned up regardless of age
	timer, err := store.Get(ctx, "a:u:t", "unfired")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if timer == nil {
		t.Fatal("Unfired timer should survive cleanup")
	}
}

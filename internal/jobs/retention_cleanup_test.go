package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"courier/internal/database"
	"courier/internal/models"
	"courier/internal/services"
)

func setupCleanupTest(t *testing.T) (*services.OutboxStore, *services.TimerStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "cleanup_test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return services.NewOutboxStore(db), services.NewTimerStore(db)
}

func TestRetentionCleanupJob_Run(t *testing.T) {
	outbox, timers := setupCleanupTest(t)
	ctx := context.Background()
	now := time.Now()

	old := &models.Effect{
		ID:           "ef-old",
		SessionKey:   "a:u:t",
		CheckpointID: "ckpt-1",
		Type:         models.EffectSendMessage,
		Payload:      []byte(`{}`),
		DedupeKey:    "k-old",
		Status:       models.EffectPending,
		CreatedAt:    now.Add(-60 * 24 * time.Hour),
	}
	if err := outbox.InsertBatch(ctx, []*models.Effect{old}); err != nil {
		t.Fatalf("Failed to insert effect: %v", err)
	}
	if _, err := outbox.ClaimExecuting(ctx, "ef-old"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := outbox.UpdateStatus(ctx, "ef-old", models.EffectCompleted); err != nil {
		t.Fatalf("Failed to complete effect: %v", err)
	}

	timer := &models.Timer{
		SessionKey: "a:u:t",
		TimerID:    "old-timer",
		FireAtMs:   now.Add(-60 * 24 * time.Hour).UnixMilli(),
	}
	if err := timers.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("Failed to upsert timer: %v", err)
	}
	if _, err := timers.MarkFired(ctx, "a:u:t", "old-timer", now.Add(-60*24*time.Hour)); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	job := NewRetentionCleanupJob(outbox, timers, 30*24*time.Hour)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Cleanup run failed: %v", err)
	}

	count, err := outbox.CountByStatus(ctx, models.EffectCompleted)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected old completed effect to be deleted, %d remain", count)
	}

	got, err := timers.Get(ctx, "a:u:t", "old-timer")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("Expected old fired timer to be deleted")
	}
}

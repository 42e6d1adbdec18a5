package services

import (
	"context"
	"testing"
	"time"

	"courier/internal/models"
)

func TestCheckpointStore_SaveAndLatest(t *testing.T) {
	db := setupTestDB(t)
	store := NewCheckpointStore(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	activity := base.Add(-time.Hour)

	first := &models.Checkpoint{
		SessionKey:                 "a:u:t",
		State:                      []byte(`{"turns":1}`),
		ConsecutiveAutonomousSends: 0,
		LastUserActivity:           &activity,
		CreatedAt:                  base,
	}
	if _, err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second := &models.Checkpoint{
		SessionKey:                 "a:u:t",
		State:                      []byte(`{"turns":2}`),
		ConsecutiveAutonomousSends: 2,
		CreatedAt:                  base.Add(time.Second),
	}
	saved, err := store.Save(ctx, second)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("Expected checkpoint to get an assigned id")
	}

	latest, err := store.Latest(ctx, "a:u:t")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest == nil {
		t.Fatal("Expected a latest checkpoint")
	}
	if latest.ID != saved.ID {
		t.Errorf("Expected latest checkpoint %s, got %s", saved.ID, latest.ID)
	}
	if string(latest.State) != `{"turns":2}` {
		t.Errorf("Unexpected state: %s", latest.State)
	}
	if latest.ConsecutiveAutonomousSends != 2 {
		t.Errorf("Expected 2 consecutive sends, got %d", latest.ConsecutiveAutonomousSends)
	}
	if latest.LastUserActivity != nil {
		t.Error("Expected nil last activity on second checkpoint")
	}
}

func TestCheckpointStore_LatestEmptySession(t *testing.T) {
	db := setupTestDB(t)
	store := NewCheckpointStore(db)

	latest, err := store.Latest(context.Background(), "a:u:nothing")
	if err != nil {
		t.Fatalf("Latest errored: %v", err)
	}
	if latest != nil {
		t.Fatal("Expected nil for a session with no checkpoints")
	}
}

func TestCheckpointStore_Get(t *testing.T) {
	db := setupTestDB(t)
	store := NewCheckpointStore(db)
	ctx := context.Background()

	activity := time.Now().Add(-time.Minute)
	saved, err := store.Save(ctx, &models.Checkpoint{
		SessionKey:       "a:u:t",
		State:            []byte(`{}`),
		LastUserActivity: &activity,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected checkpoint to exist")
	}
	if got.LastUserActivity == nil {
		t.Fatal("Expected last activity to round-trip")
	}
	if got.LastUserActivity.UnixMilli() != activity.UnixMilli() {
		t.Errorf("Expected activity %v, got %v", activity, got.LastUserActivity)
	}
}

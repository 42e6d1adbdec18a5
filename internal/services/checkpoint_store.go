package services

import (
	"context"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
)

// CheckpointStore persists conversation state snapshots. Each turn of the
// conversation engine commits one checkpoint; effects reference the
// checkpoint that produced them, and autonomy policy checks read their
// counters from the latest one.
type CheckpointStore struct {
	db *database.DB
}

// NewCheckpointStore creates a new checkpoint store
func NewCheckpointStore(db *database.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save persists a new checkpoint and returns it with its assigned id.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	if checkpoint.SessionKey == "" {
		return nil, fmt.Errorf("checkpoint session key is empty")
	}
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.New().String()
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now()
	}

	var lastActivityMs any
	if checkpoint.LastUserActivity != nil {
		lastActivityMs = checkpoint.LastUserActivity.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_key, state, consecutive_autonomous_sends, last_user_activity_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		checkpoint.ID, checkpoint.SessionKey, string(checkpoint.State),
		checkpoint.ConsecutiveAutonomousSends, lastActivityMs,
		checkpoint.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint for %s: %w", checkpoint.SessionKey, err)
	}
	return checkpoint, nil
}

// Latest returns the most recent checkpoint for a session, or nil if the
// session has none yet.
func (s *CheckpointStore) Latest(ctx context.Context, sessionKey string) (*models.Checkpoint, error) {
	return s.queryOne(ctx,
		`SELECT id, session_key, state, consecutive_autonomous_sends, last_user_activity_ms, created_at_ms
		 FROM checkpoints
		 WHERE session_key = ?
		 ORDER BY created_at_ms DESC, id DESC
		 LIMIT 1`,
		sessionKey,
	)
}

// Get returns one checkpoint by id, or nil if it does not exist.
func (s *CheckpointStore) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	return s.queryOne(ctx,
		`SELECT id, session_key, state, consecutive_autonomous_sends, last_user_activity_ms, created_at_ms
		 FROM checkpoints WHERE id = ?`,
		id,
	)
}

func (s *CheckpointStore) queryOne(ctx context.Context, query string, args ...any) (*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		checkpoint     models.Checkpoint
		state          string
		lastActivityMs *int64
		createdMs      int64
	)
	if err := rows.Scan(&checkpoint.ID, &checkpoint.SessionKey, &state,
		&checkpoint.ConsecutiveAutonomousSends, &lastActivityMs, &createdMs); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if state != "" {
		checkpoint.State = []byte(state)
	}
	if lastActivityMs != nil {
		t := time.UnixMilli(*lastActivityMs)
		checkpoint.LastUserActivity = &t
	}
	checkpoint.CreatedAt = time.UnixMilli(createdMs)
	return &checkpoint, nil
}

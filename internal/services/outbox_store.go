package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

// ErrIllegalTransition is returned when an effect status update violates the
// lifecycle (pending → executing → completed/failed, with executing → pending
// as the sole retry edge). An illegal transition is a programming error, not
// a recoverable condition.
var ErrIllegalTransition = errors.New("illegal effect status transition")

// ErrEffectNotFound is returned when an effect id does not exist
var ErrEffectNotFound = errors.New("effect not found")

// OutboxStore is the durable table of effects awaiting execution. Writing an
// intended action here before executing it is what makes delivery retryable
// after a crash.
type OutboxStore struct {
	db *database.DB
}

// NewOutboxStore creates a new outbox store
func NewOutboxStore(db *database.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// InsertBatch writes all effects in one transaction so a partial failure
// never leaves some effects durable and others lost. Effects whose dedupe
// key already exists are skipped silently — dedupe keys are deterministic,
// so a retried write of the same decision collapses into the first one.
func (s *OutboxStore) InsertBatch(ctx context.Context, effects []*models.Effect) error {
	if len(effects) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	for _, effect := range effects {
		if effect.Status == "" {
			effect.Status = models.EffectPending
		}
		if effect.CreatedAt.IsZero() {
			effect.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO effects (id, session_key, checkpoint_id, type, payload, dedupe_key, status, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(dedupe_key) DO NOTHING`,
			effect.ID, effect.SessionKey, effect.CheckpointID, string(effect.Type),
			string(effect.Payload), effect.DedupeKey, string(effect.Status),
			effect.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert effect %s: %w", effect.ID, err)
		}
	}

	return tx.Commit()
}

// GetPending returns up to batchSize pending effects, oldest first. If
// sessionKey is non-empty, only that session's effects are returned (used
// when a reconnected client needs its backlog flushed).
func (s *OutboxStore) GetPending(ctx context.Context, batchSize int, sessionKey string) ([]*models.Effect, error) {
	query := `SELECT id, session_key, checkpoint_id, type, payload, dedupe_key, status, created_at_ms
		FROM effects WHERE status = ?`
	args := []any{string(models.EffectPending)}

	if sessionKey != "" {
		query += ` AND session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, batchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending effects: %w", err)
	}
	defer rows.Close()

	var effects []*models.Effect
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, effect)
	}
	return effects, rows.Err()
}

// Get returns one effect by id
func (s *OutboxStore) Get(ctx context.Context, id string) (*models.Effect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, checkpoint_id, type, payload, dedupe_key, status, created_at_ms
		 FROM effects WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrEffectNotFound, id)
	}
	return scanEffect(rows)
}

// ClaimExecuting performs the pending → executing transition as a single
// conditional write. This is the mutual-exclusion point: even if two pollers
// pick up the same effect, only one claim succeeds.
func (s *OutboxStore) ClaimExecuting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE effects SET status = ?, updated_at_ms = ?
		 WHERE id = ? AND status = ?`,
		string(models.EffectExecuting), time.Now().UnixMilli(),
		id, string(models.EffectPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim effect %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// UpdateStatus moves an effect to a new status, enforcing the legal
// transition set. Returns ErrIllegalTransition on a violation.
func (s *OutboxStore) UpdateStatus(ctx context.Context, id string, status models.EffectStatus) error {
	return s.updateStatus(ctx, id, status, "")
}

// MarkFailed moves an effect to failed and records the failure reason.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.updateStatus(ctx, id, models.EffectFailed, reason)
}

func (s *OutboxStore) updateStatus(ctx context.Context, id string, status models.EffectStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, status)
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM effects WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrEffectNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read effect %s: %w", id, err)
	}

	if !models.EffectStatus(current).CanTransitionTo(status) {
		return fmt.Errorf("%w: %s → %s (effect %s)", ErrIllegalTransition, current, status, id)
	}

	// Conditional on the status just read, so a concurrent transition does
	// not get silently overwritten.
	res, err := s.db.ExecContext(ctx,
		`UPDATE effects SET status = ?, last_error = ?, updated_at_ms = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullableString(lastError), time.Now().UnixMilli(), id, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update effect %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: effect %s changed concurrently", ErrIllegalTransition, id)
	}
	return nil
}

// IsCompletedByDedupeKey reports whether any effect with the given dedupe key
// has already completed. Used by the runner to short-circuit duplicates of
// already-delivered work.
func (s *OutboxStore) IsCompletedByDedupeKey(ctx context.Context, dedupeKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM effects WHERE dedupe_key = ? AND status = ?`,
		dedupeKey, string(models.EffectCompleted),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key %s: %w", dedupeKey, err)
	}
	return count > 0, nil
}

// CountByStatus returns the number of effects in a given status
func (s *OutboxStore) CountByStatus(ctx context.Context, status models.EffectStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM effects WHERE status = ?`, string(status)).Scan(&count)
	return count, err
}

// DeleteTerminalBefore removes completed and failed effects older than the
// cutoff. Used by the retention cleanup job; pending and executing effects
// are never touched.
func (s *OutboxStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM effects WHERE status IN (?, ?) AND created_at_ms < ?`,
		string(models.EffectCompleted), string(models.EffectFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal effects: %w", err)
	}
	return res.RowsAffected()
}

func scanEffect(row rowScanner) (*models.Effect, error) {
	var (
		effect     models.Effect
		effectType string
		payload    string
		status     string
		createdMs  int64
	)
	if err := row.Scan(&effect.ID, &effect.SessionKey, &effect.CheckpointID,
		&effectType, &payload, &effect.DedupeKey, &status, &createdMs); err != nil {
		return nil, fmt.Errorf("failed to scan effect: %w", err)
	}
	effect.Type = models.EffectType(effectType)
	if payload != "" {
		effect.Payload = []byte(payload)
	}
	effect.Status = models.EffectStatus(status)
	effect.CreatedAt = time.UnixMilli(createdMs)
	return &effect, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

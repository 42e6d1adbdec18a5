package services

import (
	"context"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

// TimerStore is the durable table of scheduled wake-ups. Upserts are keyed
// by (session_key, timer_id): scheduling an id that already exists overwrites
// the fire time instead of creating a second timer, so repeated schedules
// debounce to the latest deadline.
type TimerStore struct {
	db *database.DB
}

// NewTimerStore creates a new timer store
func NewTimerStore(db *database.DB) *TimerStore {
	return &TimerStore{db: db}
}

// UpsertTimer inserts or overwrites the timer for (session_key, timer_id).
// Re-scheduling a timer that has already fired re-arms it.
func (s *TimerStore) UpsertTimer(ctx context.Context, timer *models.Timer) error {
	if timer.TimerID == "" {
		return fmt.Errorf("timer id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (session_key, timer_id, fire_at_ms, payload, fired_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, NULL, ?)
		 ON CONFLICT(session_key, timer_id) DO UPDATE SET
			fire_at_ms = excluded.fire_at_ms,
			payload = excluded.payload,
			fired_at_ms = NULL,
			updated_at_ms = excluded.updated_at_ms`,
		timer.SessionKey, timer.TimerID, timer.FireAtMs, string(timer.Payload),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert timer %s/%s: %w", timer.SessionKey, timer.TimerID, err)
	}
	return nil
}

// DueTimers returns up to limit unfired timers whose deadline has elapsed,
// earliest first. Fired timers are excluded so a timer cannot fire twice.
func (s *TimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, timer_id, fire_at_ms, payload, fired_at_ms
		 FROM timers
		 WHERE fire_at_ms <= ? AND fired_at_ms IS NULL
		 ORDER BY fire_at_ms ASC
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}
	defer rows.Close()

	var timers []*models.Timer
	for rows.Next() {
		var (
			timer   models.Timer
			payload string
		)
		if err := rows.Scan(&timer.SessionKey, &timer.TimerID, &timer.FireAtMs,
			&payload, &timer.FiredAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		if payload != "" {
			timer.Payload = []byte(payload)
		}
		timers = append(timers, &timer)
	}
	return timers, rows.Err()
}

// MarkFired stamps a timer as fired so it is never returned by DueTimers
// again. Returns whether the timer was still unfired.
func (s *TimerStore) MarkFired(ctx context.Context, sessionKey, timerID string, firedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET fired_at_ms = ?, updated_at_ms = ?
		 WHERE session_key = ? AND timer_id = ? AND fired_at_ms IS NULL`,
		firedAt.UnixMilli(), time.Now().UnixMilli(), sessionKey, timerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s/%s fired: %w", sessionKey, timerID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Get returns the timer for (session_key, timer_id), or nil if none exists.
func (s *TimerStore) Get(ctx context.Context, sessionKey, timerID string) (*models.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, timer_id, fire_at_ms, payload, fired_at_ms
		 FROM timers WHERE session_key = ? AND timer_id = ?`,
		sessionKey, timerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		timer   models.Timer
		payload string
	)
	if err := rows.Scan(&timer.SessionKey, &timer.TimerID, &timer.FireAtMs,
		&payload, &timer.FiredAtMs); err != nil {
		return nil, err
	}
	if payload != "" {
		timer.Payload = []byte(payload)
	}
	return &timer, nil
}

// DeleteFiredBefore removes fired timers older than the cutoff. Used by the
// retention cleanup job; unfired timers are never touched.
func (s *TimerStore) DeleteFiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE fired_at_ms IS NOT NULL AND fired_at_ms < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete fired timers: %w", err)
	}
	return res.RowsAffected()
}

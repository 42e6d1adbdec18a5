package services

import (
	"context"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

// EventStore is the append-only log of inbound stimuli (user messages, timer
// fires). Rows are never updated or deleted; the event id is the natural
// dedupe key for the log.
type EventStore struct {
	db *database.DB
}

// NewEventStore creates a new event store
func NewEventStore(db *database.DB) *EventStore {
	return &EventStore{db: db}
}

// Append inserts an event into the log. Appending an event whose id already
// exists is a no-op; the returned bool reports whether a row was inserted.
func (s *EventStore) Append(ctx context.Context, event *models.Event) (bool, error) {
	if event.ID == "" {
		return false, fmt.Errorf("event id is empty")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, session_key, type, payload, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		event.ID, event.SessionKey, string(event.Type), string(event.Payload),
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListBySession returns up to limit events for a session, oldest first.
func (s *EventStore) ListBySession(ctx context.Context, sessionKey string, limit int) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, type, payload, created_at_ms
		 FROM events
		 WHERE session_key = ?
		 ORDER BY created_at_ms ASC, id ASC
		 LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for session %s: %w", sessionKey, err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Get returns one event by id, or nil if it does not exist.
func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, type, payload, created_at_ms
		 FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEvent(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event     models.Event
		eventType string
		payload   string
		createdMs int64
	)
	if err := row.Scan(&event.ID, &event.SessionKey, &eventType, &payload, &createdMs); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	event.Type = models.EventType(eventType)
	if payload != "" {
		event.Payload = []byte(payload)
	}
	event.CreatedAt = time.UnixMilli(createdMs)
	return &event, nil
}

package services

import (
	"context"
	"log"
	"sync"

	"courier/internal/models"
)

// ProcessFunc handles one event. Errors are logged and scoped to that
// event's session; they never block other sessions.
type ProcessFunc func(ctx context.Context, event *models.Event) error

// EventQueue is the per-session sequential consumer: at most one event per
// session is in flight at any time, and later events for a busy session queue
// behind it in arrival order. This is the ordering backbone — it is what lets
// the session processor assume it sees a session's events strictly in order.
// Sessions are independent; a slow session does not stall the others.
type EventQueue struct {
	process ProcessFunc

	mu     sync.Mutex
	closed bool
	queued map[string][]*models.Event // sessions with an active worker → backlog
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEventQueue creates a new event queue
func NewEventQueue(process ProcessFunc) *EventQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventQueue{
		process: process,
		queued:  make(map[string][]*models.Event),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue accepts an event for processing. If the event's session has no
// worker, one is started; otherwise the event is appended to that session's
// backlog and processed after everything already queued.
func (q *EventQueue) Enqueue(event *models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		log.Printf("⚠️ [QUEUE] Dropping event %s: queue is shut down", event.ID)
		return
	}

	backlog, active := q.queued[event.SessionKey]
	if active {
		q.queued[event.SessionKey] = append(backlog, event)
		return
	}

	// Presence of the key marks the session as having a worker, even with an
	// empty backlog.
	q.queued[event.SessionKey] = nil
	q.wg.Add(1)
	go q.runSession(event.SessionKey, event)
}

// runSession processes one event, then drains the session's backlog in
// arrival order until it is empty.
func (q *EventQueue) runSession(sessionKey string, first *models.Event) {
	defer q.wg.Done()

	event := first
	for {
		q.processOne(event)

		q.mu.Lock()
		backlog := q.queued[sessionKey]
		if len(backlog) == 0 {
			delete(q.queued, sessionKey)
			q.mu.Unlock()
			return
		}
		event = backlog[0]
		q.queued[sessionKey] = backlog[1:]
		q.mu.Unlock()
	}
}

func (q *EventQueue) processOne(event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [QUEUE] Panic processing event %s (session %s): %v",
				event.ID, event.SessionKey, r)
		}
	}()

	if err := q.process(q.ctx, event); err != nil {
		log.Printf("❌ [QUEUE] Failed to process event %s (session %s): %v",
			event.ID, event.SessionKey, err)
	}
}

// PendingCount returns the number of backlogged events for a session. The
// event currently being processed is not counted.
func (q *EventQueue) PendingCount(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued[sessionKey])
}

// Shutdown stops accepting events and waits for in-flight processing, up to
// the context deadline. On deadline expiry the remaining workers are
// cancelled; their events stay unprocessed and are safe to replay.
func (q *EventQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

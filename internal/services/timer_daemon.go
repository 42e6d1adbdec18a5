package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"courier/internal/models"
)

const timerBatchSize = 200

// TimerDaemon converts elapsed timers back into timer_fired events. It polls
// the timer store for due rows, appends one event per timer and enqueues it
// for the session pipeline, then stamps the timer fired.
//
// Double-fire protection is layered: DueTimers only returns unfired rows,
// and the event id is derived from (session, timer, deadline) so if the
// process crashes between the append and the MarkFired stamp, the replayed
// append is a no-op on the event log.
type TimerDaemon struct {
	timers *TimerStore
	events *EventStore
	queue  *EventQueue

	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTimerDaemon creates a new timer daemon
func NewTimerDaemon(timers *TimerStore, events *EventStore, queue *EventQueue, interval time.Duration) *TimerDaemon {
	if interval <= 0 {
		interval = time.Second
	}
	return &TimerDaemon{
		timers:   timers,
		events:   events,
		queue:    queue,
		interval: interval,
	}
}

// Start begins polling for due timers, with one immediate poll to catch
// anything that came due while the process was down.
func (d *TimerDaemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		log.Println("⚠️ [TIMER-DAEMON] Start called while already running, ignoring")
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	stopCh := d.stopCh
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.PollOnce(context.Background())

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				d.PollOnce(context.Background())
			}
		}
	}()

	log.Printf("⏰ [TIMER-DAEMON] Timer daemon started (interval %v)", d.interval)
}

// Stop halts polling. Safe to call from any state, including before Start.
func (d *TimerDaemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	log.Println("🛑 [TIMER-DAEMON] Timer daemon stopped")
}

// PollOnce fires every due timer once. Called on each tick and by tests.
func (d *TimerDaemon) PollOnce(ctx context.Context) {
	now := time.Now()
	due, err := d.timers.DueTimers(ctx, now, timerBatchSize)
	if err != nil {
		log.Printf("❌ [TIMER-DAEMON] Failed to query due timers: %v", err)
		return
	}

	for _, timer := range due {
		if err := d.fireTimer(ctx, timer, now); err != nil {
			log.Printf("❌ [TIMER-DAEMON] Failed to fire timer %s/%s: %v",
				timer.SessionKey, timer.TimerID, err)
		}
	}
}

func (d *TimerDaemon) fireTimer(ctx context.Context, timer *models.Timer, now time.Time) error {
	payload, err := json.Marshal(models.TimerFiredPayload{
		TimerID: timer.TimerID,
		Payload: timer.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal timer payload: %w", err)
	}

	event := &models.Event{
		// Deterministic per deadline: a crash-replayed fire collapses into
		// the original append.
		ID:         fmt.Sprintf("timer:%s:%s:%d", timer.SessionKey, timer.TimerID, timer.FireAtMs),
		SessionKey: timer.SessionKey,
		Type:       models.EventTimerFired,
		Payload:    payload,
		CreatedAt:  now,
	}

	appended, err := d.events.Append(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to append timer_fired event: %w", err)
	}

	if appended {
		d.queue.Enqueue(event)
		log.Printf("🔔 [TIMER-DAEMON] Fired timer %s for session %s", timer.TimerID, timer.SessionKey)
	} else {
		// The event already exists from a previous attempt; just finish the
		// bookkeeping.
		log.Printf("[TIMER-DAEMON] Timer %s/%s already fired as event %s, stamping only",
			timer.SessionKey, timer.TimerID, event.ID)
	}

	if _, err := d.timers.MarkFired(ctx, timer.SessionKey, timer.TimerID, now); err != nil {
		return fmt.Errorf("failed to mark timer fired: %w", err)
	}
	return nil
}

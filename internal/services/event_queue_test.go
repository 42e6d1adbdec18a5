package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"courier/internal/models"
)

func waitForQueue(t *testing.T, queue *EventQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queue.Shutdown(ctx); err != nil {
		t.Fatalf("Queue did not drain: %v", err)
	}
}

func TestEventQueue_OrderWithinSession(t *testing.T) {
	var mu sync.Mutex
	var order []string

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		// Slow first event so later ones pile into the backlog
		if event.ID == "ev-0" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, event.ID)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		queue.Enqueue(&models.Event{ID: fmt.Sprintf("ev-%d", i), SessionKey: "a:u:t", Type: models.EventUserMessage})
	}
	waitForQueue(t, queue)

	if len(order) != 5 {
		t.Fatalf("Expected 5 processed events, got %d", len(order))
	}
	for i, id := range order {
		if id != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("Expected arrival order, got %v", order)
		}
	}
}

func TestEventQueue_SessionsRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	fastDone := make(chan struct{})

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		if event.SessionKey == "a:u:slow" {
			<-block
			return nil
		}
		close(fastDone)
		return nil
	})

	queue.Enqueue(&models.Event{ID: "ev-slow", SessionKey: "a:u:slow", Type: models.EventUserMessage})
	queue.Enqueue(&models.Event{ID: "ev-fast", SessionKey: "a:u:fast", Type: models.EventUserMessage})

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Fast session stalled behind an unrelated slow session")
	}

	close(block)
	waitForQueue(t, queue)
}

func TestEventQueue_ErrorDoesNotBlockBacklog(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		mu.Lock()
		processed = append(processed, event.ID)
		mu.Unlock()
		if event.ID == "ev-bad" {
			return fmt.Errorf("engine exploded")
		}
		return nil
	})

	queue.Enqueue(&models.Event{ID: "ev-bad", SessionKey: "a:u:t", Type: models.EventUserMessage})
	queue.Enqueue(&models.Event{ID: "ev-good", SessionKey: "a:u:t", Type: models.EventUserMessage})
	waitForQueue(t, queue)

	if len(processed) != 2 {
		t.Fatalf("Expected the backlog to drain past the failure, got %v", processed)
	}
	if processed[1] != "ev-good" {
		t.Fatalf("Expected ev-good after ev-bad, got %v", processed)
	}
}

func TestEventQueue_PanicIsContained(t *testing.T) {
	done := make(chan struct{})

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		if event.ID == "ev-panic" {
			panic("boom")
		}
		close(done)
		return nil
	})

	queue.Enqueue(&models.Event{ID: "ev-panic", SessionKey: "a:u:t", Type: models.EventUserMessage})
	queue.Enqueue(&models.Event{ID: "ev-after", SessionKey: "a:u:t", Type: models.EventUserMessage})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Processing did not continue after a panic")
	}
	waitForQueue(t, queue)
}

func TestEventQueue_EnqueueAfterShutdownDrops(t *testing.T) {
	var mu sync.Mutex
	count := 0

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	waitForQueue(t, queue)

	queue.Enqueue(&models.Event{ID: "ev-late", SessionKey: "a:u:t", Type: models.EventUserMessage})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("Expected no processing after shutdown, got %d", count)
	}
}

func TestEventQueue_PendingCount(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once

	queue := NewEventQueue(func(ctx context.Context, event *models.Event) error {
		startOnce.Do(func() { close(started) })
		<-block
		return nil
	})

	queue.Enqueue(&models.Event{ID: "ev-0", SessionKey: "a:u:t", Type: models.EventUserMessage})
	<-started
	queue.Enqueue(&models.Event{ID: "ev-1", SessionKey: "a:u:t", Type: models.EventUserMessage})
	queue.Enqueue(&models.Event{ID: "ev-2", SessionKey: "a:u:t", Type: models.EventUserMessage})

	if got := queue.PendingCount("a:u:t"); got != 2 {
		t.Errorf("Expected 2 backlogged events, got %d", got)
	}
	if got := queue.PendingCount("a:u:other"); got != 0 {
		t.Errorf("Expected 0 for an idle session, got %d", got)
	}

	close(block)
	waitForQueue(t, queue)
}

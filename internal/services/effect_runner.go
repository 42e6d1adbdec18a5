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

// DeliveryHandler pushes an effect over the live transport. It returns true
// if the effect was delivered, false if no connection was available. An
// error is an execution failure, distinct from a clean false.
type DeliveryHandler func(ctx context.Context, effect *models.Effect) (bool, error)

// MetadataLoader fetches the autonomy snapshot for a session. A nil loader
// (or a nil snapshot) disables policy gating for autonomous sends.
type MetadataLoader func(ctx context.Context, sessionKey string) (*models.AutonomyMetadata, error)

// EffectRunnerOptions configures the runner. All durations fall back to
// defaults when zero; Timers, Policy, Metadata and Metrics are optional
// capabilities — absence of one disables only the feature it guards.
type EffectRunnerOptions struct {
	PollInterval    time.Duration // default 500ms
	BatchSize       int           // default 100
	EffectTTL       time.Duration // default 24h
	Cooldown        time.Duration // default 10s
	DeliveryTimeout time.Duration // default 5s
	Debug           bool

	Timers   *TimerStore
	Policy   *PolicyGates
	Metadata MetadataLoader
	Metrics  *Metrics
}

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultBatchSize       = 100
	defaultEffectTTL       = 24 * time.Hour
	defaultCooldown        = 10 * time.Second
	defaultDeliveryTimeout = 5 * time.Second
)

// EffectRunner is the background poller that drains the outbox: it fetches
// pending effects, applies cooldown/TTL/dedupe filtering, gates autonomous
// sends through policy, invokes the delivery handler, and advances effect
// status. Exactly one runner instance may own an outbox — the cooldown map
// is process-local and the pending → executing claim assumes a single owner.
type EffectRunner struct {
	outbox *OutboxStore
	opts   EffectRunnerOptions

	mu      sync.Mutex
	running bool
	handler DeliveryHandler
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// lastFailure maps session key → time of the last missed delivery. Not
	// durable: a restart loses cooldown state, which is acceptable for a
	// soft throttle.
	cooldownMu  sync.Mutex
	lastFailure map[string]time.Time
}

// NewEffectRunner creates a new effect runner
func NewEffectRunner(outbox *OutboxStore, opts EffectRunnerOptions) *EffectRunner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.EffectTTL <= 0 {
		opts.EffectTTL = defaultEffectTTL
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &EffectRunner{
		outbox:      outbox,
		opts:        opts,
		lastFailure: make(map[string]time.Time),
	}
}

// Start begins periodic polling with one immediate poll. Calling Start while
// already running is a no-op with a warning, not an error.
func (r *EffectRunner) Start(handler DeliveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		log.Println("⚠️ [RUNNER] Start called while already running, ignoring")
		return
	}

	r.running = true
	r.handler = handler
	r.stopCh = make(chan struct{})

	stopCh := r.stopCh
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.PollOnce(context.Background())

		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				r.PollOnce(context.Background())
			}
		}
	}()

	log.Printf("🚀 [RUNNER] Effect runner started (interval %v, batch %d, ttl %v, cooldown %v)",
		r.opts.PollInterval, r.opts.BatchSize, r.opts.EffectTTL, r.opts.Cooldown)
}

// Stop halts polling and clears the handler. Safe to call from any state,
// including before Start. An in-flight poll cycle is not interrupted.
func (r *EffectRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.handler = nil
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	log.Println("🛑 [RUNNER] Effect runner stopped")
}

func (r *EffectRunner) currentHandler() DeliveryHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// PollOnce runs a single poll cycle. The periodic loop calls this on every
// tick; tests call it directly. A failure in the cycle is logged and never
// propagates — the poller must survive any single bad cycle.
func (r *EffectRunner) PollOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ [RUNNER] Panic in poll cycle: %v", rec)
		}
	}()

	handler := r.currentHandler()
	if handler == nil {
		return
	}

	effects, err := r.outbox.GetPending(ctx, r.opts.BatchSize, "")
	if err != nil {
		log.Printf("❌ [RUNNER] Failed to fetch pending effects: %v", err)
		return
	}
	if len(effects) == 0 {
		return
	}

	now := time.Now()
	var active []*models.Effect
	var expired []*models.Effect
	skipped := 0

	for _, effect := range effects {
		switch {
		case r.inCooldown(effect.SessionKey, now):
			skipped++
		case now.Sub(effect.CreatedAt) > r.opts.EffectTTL:
			expired = append(expired, effect)
		default:
			active = append(active, effect)
		}
	}

	if skipped > 0 && r.opts.Debug {
		log.Printf("[RUNNER] Skipped %d effect(s) for sessions in cooldown", skipped)
	}

	// Staleness is terminal: expired effects fail without a delivery
	// attempt, logged in bulk to avoid spam.
	if len(expired) > 0 {
		for _, effect := range expired {
			if err := r.outbox.MarkFailed(ctx, effect.ID, "effect expired past TTL"); err != nil {
				log.Printf("❌ [RUNNER] Failed to expire effect %s: %v", effect.ID, err)
			}
			if r.opts.Metrics != nil {
				r.opts.Metrics.EffectsExpired.Inc()
			}
		}
		log.Printf("⏳ [RUNNER] Expired %d effect(s) past the %v TTL", len(expired), r.opts.EffectTTL)
	}

	// One execution task per effect, failures isolated: a slow or broken
	// effect never aborts its siblings.
	var wg sync.WaitGroup
	for _, effect := range active {
		wg.Add(1)
		go func(effect *models.Effect) {
			defer wg.Done()
			r.executeEffect(ctx, handler, effect)
		}(effect)
	}
	wg.Wait()
}

// PollForSession clears the session's cooldown and flushes its pending
// effects sequentially, preserving creation order. Called when a client
// reconnects so its backlog does not wait for the next scheduled poll.
func (r *EffectRunner) PollForSession(ctx context.Context, sessionKey string) {
	handler := r.currentHandler()
	if handler == nil {
		log.Printf("⚠️ [RUNNER] PollForSession(%s) ignored: runner not started", sessionKey)
		return
	}

	r.clearCooldown(sessionKey)

	effects, err := r.outbox.GetPending(ctx, r.opts.BatchSize, sessionKey)
	if err != nil {
		log.Printf("❌ [RUNNER] Failed to fetch backlog for session %s: %v", sessionKey, err)
		return
	}
	if len(effects) == 0 {
		return
	}

	log.Printf("🔄 [RUNNER] Flushing %d pending effect(s) for reconnected session %s",
		len(effects), sessionKey)
	for _, effect := range effects {
		r.executeEffect(ctx, handler, effect)
	}
}

// executeEffect runs the full per-effect pipeline: dedupe short-circuit,
// claim, dispatch by type, status advance.
func (r *EffectRunner) executeEffect(ctx context.Context, handler DeliveryHandler, effect *models.Effect) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ [RUNNER] Panic executing effect %s (session %s): %v",
				effect.ID, effect.SessionKey, rec)
			r.failEffect(ctx, effect, fmt.Sprintf("panic: %v", rec))
		}
	}()

	// TTL guard for the reconnect path, which bypasses the poll cycle's
	// bulk partition.
	if time.Since(effect.CreatedAt) > r.opts.EffectTTL {
		if err := r.outbox.MarkFailed(ctx, effect.ID, "effect expired past TTL"); err != nil {
			log.Printf("❌ [RUNNER] Failed to expire effect %s: %v", effect.ID, err)
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.EffectsExpired.Inc()
		}
		return
	}

	// Idempotency: if this dedupe key already completed, the work was
	// delivered — complete this duplicate without touching the transport.
	duplicate, err := r.outbox.IsCompletedByDedupeKey(ctx, effect.DedupeKey)
	if err != nil {
		log.Printf("❌ [RUNNER] Dedupe check failed for effect %s: %v", effect.ID, err)
		return
	}

	claimed, err := r.outbox.ClaimExecuting(ctx, effect.ID)
	if err != nil {
		log.Printf("❌ [RUNNER] Failed to claim effect %s: %v", effect.ID, err)
		return
	}
	if !claimed {
		// Another execution path won the claim; nothing to do.
		if r.opts.Debug {
			log.Printf("[RUNNER] Effect %s already claimed, skipping", effect.ID)
		}
		return
	}

	if duplicate {
		r.completeEffect(ctx, effect)
		if r.opts.Debug {
			log.Printf("[RUNNER] Effect %s completed as duplicate of dedupe key %s",
				effect.ID, effect.DedupeKey)
		}
		return
	}

	switch effect.Type {
	case models.EffectSendMessage:
		r.executeSendMessage(ctx, handler, effect)
	case models.EffectScheduleTimer:
		r.executeScheduleTimer(ctx, effect)
	default:
		log.Printf("❌ [RUNNER] Effect %s has unsupported type %q (session %s)",
			effect.ID, effect.Type, effect.SessionKey)
		r.failEffect(ctx, effect, fmt.Sprintf("unsupported effect type %q", effect.Type))
	}
}

func (r *EffectRunner) executeSendMessage(ctx context.Context, handler DeliveryHandler, effect *models.Effect) {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(effect.Payload, &payload); err != nil {
		log.Printf("❌ [RUNNER] Effect %s has malformed send_message payload (session %s): %v",
			effect.ID, effect.SessionKey, err)
		r.failEffect(ctx, effect, fmt.Sprintf("malformed send_message payload: %v", err))
		return
	}

	if payload.Autonomous && !r.autonomousSendAllowed(ctx, effect) {
		return
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, r.opts.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	delivered, err := handler(deliveryCtx, effect)
	if r.opts.Metrics != nil {
		r.opts.Metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		log.Printf("❌ [RUNNER] Delivery failed for effect %s (session %s): %v",
			effect.ID, effect.SessionKey, err)
		r.failEffect(ctx, effect, fmt.Sprintf("delivery error: %v", err))
		return
	}

	if delivered {
		r.completeEffect(ctx, effect)
		r.clearCooldown(effect.SessionKey)
		if r.opts.Debug {
			log.Printf("[RUNNER] Delivered effect %s to session %s", effect.ID, effect.SessionKey)
		}
		return
	}

	// No live connection: revert to pending and back the session off so we
	// do not hammer a disconnected client every cycle. Not an error.
	if err := r.outbox.UpdateStatus(ctx, effect.ID, models.EffectPending); err != nil {
		log.Printf("❌ [RUNNER] Failed to revert effect %s to pending: %v", effect.ID, err)
		return
	}
	r.setCooldown(effect.SessionKey, time.Now())
	if r.opts.Metrics != nil {
		r.opts.Metrics.EffectsRetried.Inc()
	}
	if r.opts.Debug {
		log.Printf("[RUNNER] No connection for session %s, effect %s back to pending (cooldown %v)",
			effect.SessionKey, effect.ID, r.opts.Cooldown)
	}
}

// autonomousSendAllowed consults the policy gate for an autonomous send.
// Gating requires both a policy and a metadata loader; without either the
// send is allowed. A metadata load failure also allows the send — policy
// enforcement is best-effort, and silently dropping a legitimate message is
// worse than an extra follow-up.
func (r *EffectRunner) autonomousSendAllowed(ctx context.Context, effect *models.Effect) bool {
	if r.opts.Policy == nil || r.opts.Metadata == nil {
		return true
	}

	meta, err := r.opts.Metadata(ctx, effect.SessionKey)
	if err != nil {
		log.Printf("⚠️ [RUNNER] Metadata load failed for session %s, allowing send: %v",
			effect.SessionKey, err)
		return true
	}
	if meta == nil {
		return true
	}

	decision := r.opts.Policy.CheckCanSendAutonomous(meta, time.Now())
	if decision.Allowed {
		return true
	}

	log.Printf("🚫 [RUNNER] Autonomous send blocked for session %s (effect %s): %s — %s",
		effect.SessionKey, effect.ID, decision.BlockedBy, decision.Reason)
	if r.opts.Metrics != nil {
		r.opts.Metrics.PolicyBlocks.WithLabelValues(decision.BlockedBy).Inc()
	}
	// The decision to follow up was perishable; the effect fails rather
	// than waiting for limits to reset.
	r.failEffect(ctx, effect, fmt.Sprintf("blocked by policy: %s", decision.BlockedBy))
	return false
}

func (r *EffectRunner) executeScheduleTimer(ctx context.Context, effect *models.Effect) {
	var payload models.ScheduleTimerPayload
	if err := json.Unmarshal(effect.Payload, &payload); err != nil {
		r.failEffect(ctx, effect, fmt.Sprintf("malformed schedule_timer payload: %v", err))
		return
	}
	if err := payload.Validate(); err != nil {
		r.failEffect(ctx, effect, err.Error())
		return
	}
	if r.opts.Timers == nil {
		r.failEffect(ctx, effect, "timer store not configured")
		return
	}

	fireAt := time.Now().Add(time.Duration(payload.DelaySeconds * float64(time.Second)))
	timer := &models.Timer{
		SessionKey: effect.SessionKey,
		TimerID:    payload.TimerID,
		FireAtMs:   fireAt.UnixMilli(),
		Payload:    payload.Payload,
	}
	if err := r.opts.Timers.UpsertTimer(ctx, timer); err != nil {
		log.Printf("❌ [RUNNER] Failed to upsert timer for effect %s (session %s): %v",
			effect.ID, effect.SessionKey, err)
		r.failEffect(ctx, effect, fmt.Sprintf("timer upsert failed: %v", err))
		return
	}

	r.completeEffect(ctx, effect)
	if r.opts.Debug {
		log.Printf("[RUNNER] Scheduled timer %s for session %s at %s",
			payload.TimerID, effect.SessionKey, fireAt.Format(time.RFC3339))
	}
}

// completeEffect advances the effect to completed. A status-write failure
// after the action already happened is logged as secondary and never rolled
// back: delivered-but-bookkeeping-inconsistent beats delivered-twice.
func (r *EffectRunner) completeEffect(ctx context.Context, effect *models.Effect) {
	if err := r.outbox.UpdateStatus(ctx, effect.ID, models.EffectCompleted); err != nil {
		log.Printf("❌ [RUNNER] Failed to mark effect %s completed: %v", effect.ID, err)
		return
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.EffectsCompleted.WithLabelValues(string(effect.Type)).Inc()
	}
}

func (r *EffectRunner) failEffect(ctx context.Context, effect *models.Effect, reason string) {
	if err := r.outbox.MarkFailed(ctx, effect.ID, reason); err != nil {
		log.Printf("❌ [RUNNER] Failed to mark effect %s failed: %v", effect.ID, err)
		return
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.EffectsFailed.WithLabelValues(string(effect.Type)).Inc()
	}
}

func (r *EffectRunner) inCooldown(sessionKey string, now time.Time) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	last, ok := r.lastFailure[sessionKey]
	return ok && now.Sub(last) < r.opts.Cooldown
}

func (r *EffectRunner) setCooldown(sessionKey string, at time.Time) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	r.lastFailure[sessionKey] = at
}

func (r *EffectRunner) clearCooldown(sessionKey string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	delete(r.lastFailure, sessionKey)
}

package models

import "testing"

func TestEffectStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to EffectStatus
		legal    bool
	}{
		{EffectPending, EffectExecuting, true},
		{EffectPending, EffectFailed, true}, // TTL expiry
		{EffectPending, EffectCompleted, false},
		{EffectExecuting, EffectCompleted, true},
		{EffectExecuting, EffectFailed, true},
		{EffectExecuting, EffectPending, true}, // retry after missed delivery
		{EffectCompleted, EffectPending, false},
		{EffectCompleted, EffectExecuting, false},
		{EffectCompleted, EffectFailed, false},
		{EffectFailed, EffectPending, false},
		{EffectFailed, EffectExecuting, false},
		{EffectFailed, EffectCompleted, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.legal {
			t.Errorf("%s → %s: expected legal=%v, got %v", c.from, c.to, c.legal, got)
		}
	}
}

func TestEffectStatusTerminal(t *testing.T) {
	if EffectPending.Terminal() || EffectExecuting.Terminal() {
		t.Error("pending and executing are not terminal")
	}
	if !EffectCompleted.Terminal() || !EffectFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestEffectStatusValid(t *testing.T) {
	for _, status := range []EffectStatus{EffectPending, EffectExecuting, EffectCompleted, EffectFailed} {
		if !status.Valid() {
			t.Errorf("Expected %s to be valid", status)
		}
	}
	if EffectStatus("retrying").Valid() {
		t.Error("Unknown status must not be valid")
	}
}

func TestScheduleTimerPayloadValidate(t *testing.T) {
	valid := ScheduleTimerPayload{TimerID: "follow_up", DelaySeconds: 0}
	if err := valid.Validate(); err != nil {
		t.Errorf("Zero delay should be valid (fire immediately): %v", err)
	}

	missing := ScheduleTimerPayload{DelaySeconds: 10}
	if err := missing.Validate(); err == nil {
		t.Error("Expected error for empty timer id")
	}

	negative := ScheduleTimerPayload{TimerID: "x", DelaySeconds: -1}
	if err := negative.Validate(); err == nil {
		t.Error("Expected error for negative delay")
	}
}

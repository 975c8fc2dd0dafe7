package domain

import "testing"

func TestCanTransition_AllowedPaths(t *testing.T) {
	cases := []struct {
		from, to PlanStatus
	}{
		{PlanDraft, PlanRunning},
		{PlanDraft, PlanStopped},
		{PlanRunning, PlanPaused},
		{PlanRunning, PlanStopped},
		{PlanPaused, PlanRunning},
		{PlanPaused, PlanStopped},
		{PlanStopped, PlanRunning},
		{PlanFailed, PlanRunning},
		{PlanCompleted, PlanRunning},
	}
	for _, c := range cases {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}
}

func TestCanTransition_DisallowedPaths(t *testing.T) {
	cases := []struct {
		from, to PlanStatus
	}{
		{PlanCompleted, PlanPaused},
		{PlanDraft, PlanPaused},
		{PlanStopped, PlanPaused},
		{PlanFailed, PlanStopped},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be disallowed", c.from, c.to)
		}
	}
}

func TestCanTransition_SelfIsNoop(t *testing.T) {
	for _, s := range []PlanStatus{PlanDraft, PlanRunning, PlanPaused, PlanStopped, PlanCompleted, PlanFailed} {
		if !CanTransition(s, s) {
			t.Errorf("expected self-transition %s -> %s to be allowed", s, s)
		}
	}
}

func TestRequeuesTasksOnEntry(t *testing.T) {
	for _, from := range []PlanStatus{PlanStopped, PlanFailed, PlanCompleted} {
		if !RequeuesTasksOnEntry(from, PlanRunning) {
			t.Errorf("expected %s -> RUNNING to requeue tasks", from)
		}
	}
	if RequeuesTasksOnEntry(PlanPaused, PlanRunning) {
		t.Error("paused -> running should not requeue (not a terminal source)")
	}
	if RequeuesTasksOnEntry(PlanRunning, PlanPaused) {
		t.Error("only entering RUNNING requeues")
	}
}

func TestCancelsPendingOnEntry(t *testing.T) {
	if !CancelsPendingOnEntry(PlanStopped) {
		t.Error("entering STOPPED must cancel pending tasks")
	}
	if CancelsPendingOnEntry(PlanRunning) {
		t.Error("entering RUNNING must not cancel pending tasks")
	}
}

func TestIllegalTransition_ErrorIncludesStates(t *testing.T) {
	err := &IllegalTransition{From: PlanCompleted, To: PlanPaused}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
	if got := err.Error(); got != "illegal transition: COMPLETED -> PAUSED" {
		t.Errorf("unexpected error message: %s", got)
	}
}

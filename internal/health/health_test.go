package health

import (
	"errors"
	"testing"
	"time"
)

func TestResumeFailuresLeadToRecovery(t *testing.T) {
	h := New()
	now := time.Now()

	for i := 1; i <= MaxResumeFailures; i++ {
		if h.NeedsRecovery() {
			t.Fatalf("NeedsRecovery after %d failures", i-1)
		}
		h.RecordResumeFailure(now, errors.New("resume timeout"))
		if h.State() != StateDegraded {
			t.Errorf("state = %s, want %s", h.State(), StateDegraded)
		}
	}
	if !h.NeedsRecovery() {
		t.Error("NeedsRecovery = false after max failures")
	}

	h.MarkNormal()
	if h.State() != StateNormal || h.ResumeFailures() != 0 {
		t.Errorf("after MarkNormal: %s", h)
	}
}

func TestRecoveryAttemptsExhaust(t *testing.T) {
	h := New()

	for i := 0; i < MaxRecoveryAttempts; i++ {
		if !h.CanRecover() {
			t.Fatalf("CanRecover = false after %d attempts", i)
		}
		h.StartRecovery()
		if h.State() != StateRecovering {
			t.Errorf("state = %s, want %s", h.State(), StateRecovering)
		}
		h.MarkRecoveryFailed()
	}

	if h.CanRecover() {
		t.Error("CanRecover = true after max attempts")
	}
	if !h.IsTerminal() {
		t.Errorf("state = %s, want terminal", h.State())
	}

	h.MarkNormal()
	if h.State() != StatePermanentFailure {
		t.Error("MarkNormal cleared a permanent failure")
	}
}

func TestFailuresAfterRecoveryNeedRecoveryAgain(t *testing.T) {
	h := New()
	for i := 0; i < MaxResumeFailures; i++ {
		h.RecordResumeFailure(time.Now(), nil)
	}
	h.StartRecovery()
	if h.NeedsRecovery() {
		t.Fatal("NeedsRecovery while recovering")
	}

	for i := 0; i < MaxResumeFailures; i++ {
		h.RecordResumeFailure(time.Now(), nil)
	}
	if h.State() != StateDegraded || !h.NeedsRecovery() {
		t.Errorf("state = %s, NeedsRecovery = %v", h.State(), h.NeedsRecovery())
	}
}

package health

import (
	"fmt"
	"sync"
	"time"
)

// Constants for health states
const (
	MaxResumeFailures   = 3
	MaxRecoveryAttempts = 5

	StateNormal           = "normal"
	StateDegraded         = "resume-failed"
	StateRecovering       = "recovering"
	StatePermanentFailure = "permanent-failure"
)

// Health tracks how well the modem answers the wake handshake. It is shared
// between the controller and the service and is safe for concurrent use.
type Health struct {
	mu               sync.Mutex
	state            string
	resumeFailures   int
	recoveryAttempts int
	lastFailure      time.Time
	lastError        string
}

// New creates a new Health instance
func New() *Health {
	return &Health{state: StateNormal}
}

// RecordResumeFailure counts a resume that got no answer from the modem
func (h *Health) RecordResumeFailure(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resumeFailures++
	h.lastFailure = at
	if err != nil {
		h.lastError = err.Error()
	}
	if h.state == StateNormal || h.state == StateRecovering {
		h.state = StateDegraded
	}
}

// MarkNormal is called once the link is back in L0. Recovery attempts are
// kept so that a modem that keeps failing ends up permanently failed.
func (h *Health) MarkNormal() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StatePermanentFailure {
		return
	}
	h.state = StateNormal
	h.resumeFailures = 0
}

// NeedsRecovery returns true when enough resumes failed in a row to warrant
// a power cycle.
func (h *Health) NeedsRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateDegraded && h.resumeFailures >= MaxResumeFailures
}

// StartRecovery marks the health as recovering
func (h *Health) StartRecovery() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = StateRecovering
	h.recoveryAttempts++
	h.resumeFailures = 0
}

// MarkRecoveryFailed gives up after MaxRecoveryAttempts
func (h *Health) MarkRecoveryFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.recoveryAttempts >= MaxRecoveryAttempts {
		h.state = StatePermanentFailure
	} else {
		h.state = StateDegraded
	}
}

// CanRecover returns true if recovery can be attempted
func (h *Health) CanRecover() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recoveryAttempts < MaxRecoveryAttempts && h.state != StatePermanentFailure
}

func (h *Health) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Health) ResumeFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumeFailures
}

// IsTerminal returns true if the health is in a terminal state
func (h *Health) IsTerminal() bool {
	return h.State() == StatePermanentFailure
}

// String returns a string representation of the health
func (h *Health) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("Health{State: %s, ResumeFailures: %d, RecoveryAttempts: %d}",
		h.state, h.resumeFailures, h.recoveryAttempts)
}

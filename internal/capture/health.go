package capture

import (
	"sync"
	"time"
)

// Health summarizes recent transcription outcomes.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Failed   Health = "failed"
)

const defaultFailureThreshold = 3

// health counts consecutive transcription failures. The capture goroutine
// writes it while /status readers take snapshots, hence the mutex.
type health struct {
	mu          sync.Mutex
	failures    int
	lastErr     string
	lastFail    time.Time
	lastEmitted Health
}

func newHealth() *health {
	return &health{lastEmitted: Healthy}
}

func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *health) recordFailure(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = now
}

func (h *health) statusLocked(threshold int) Health {
	switch {
	case h.failures >= threshold:
		return Failed
	case h.failures > 0:
		return Degraded
	default:
		return Healthy
	}
}

// snapshotAndEmit returns the current status, the status last reported and
// whether they differ, recording the current one as reported.
func (h *health) snapshotAndEmit(threshold int) (status, previous Health, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked(threshold)
	previous = h.lastEmitted
	changed = status != previous
	if changed {
		h.lastEmitted = status
	}
	return status, previous, h.lastErr, changed
}

// HealthSnapshot is the externally visible health of a capture worker.
type HealthSnapshot struct {
	Status              Health     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
}

func (h *health) snapshot(threshold int) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HealthSnapshot{
		Status:              h.statusLocked(threshold),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		snap.LastFailure = &t
	}
	return snap
}

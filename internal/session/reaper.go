package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/worker"
)

// reaper joins worker handles after they have been told to stop so the
// dispatcher loop never waits on a worker.
type reaper struct {
	logger  zerolog.Logger
	metrics *metrics.SessionMetrics

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
}

func newReaper(logger zerolog.Logger, m *metrics.SessionMetrics) *reaper {
	idle := make(chan struct{})
	close(idle)
	return &reaper{logger: logger, metrics: m, idle: idle}
}

func (r *reaper) track(h *worker.Handle) {
	r.mu.Lock()
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
	r.metrics.SetPendingWorkers(r.pending)
	r.mu.Unlock()

	go r.join(h)
}

func (r *reaper) join(h *worker.Handle) {
	<-h.Done()
	if err := h.Err(); err != nil {
		r.logger.Warn().Err(err).Str("worker", h.Name()).Msg("worker exited with error")
	} else {
		r.logger.Debug().Str("worker", h.Name()).Msg("worker joined")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	r.metrics.SetPendingWorkers(r.pending)
	if r.pending == 0 {
		close(r.idle)
	}
}

func (r *reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Wait blocks until every tracked worker has returned or ctx is done.
func (r *reaper) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

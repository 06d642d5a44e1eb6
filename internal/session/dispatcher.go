// Package session serializes start and stop commands for the single capture
// session the helper runs at a time and owns that session's workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/worker"
)

const defaultQueueSize = 16

var (
	ErrSessionActive    = errors.New("a session is already active")
	ErrWorkerStart      = errors.New("session worker failed to start")
	ErrInvalidSession   = errors.New("session id is required")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type Options struct {
	Capture   worker.Starter
	Presenter worker.Starter
	Policy    Policy
	Clock     clockwork.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.SessionMetrics
	QueueSize int
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

func (k commandKind) String() string {
	if k == cmdStart {
		return "start"
	}
	return "stop"
}

type command struct {
	kind   commandKind
	params worker.Params
	reply  chan error
}

type activeSession struct {
	params    worker.Params
	startedAt time.Time
	handles   []*worker.Handle
}

// Dispatcher applies commands one at a time, in arrival order, from a single
// goroutine started by Run. Only that goroutine touches the active session.
type Dispatcher struct {
	capture   worker.Starter
	presenter worker.Starter
	policy    Policy
	clock     clockwork.Clock
	logger    zerolog.Logger
	metrics   *metrics.SessionMetrics
	reaper    *reaper

	cmds      chan command
	quit      chan struct{}
	loopDone  chan struct{}
	running   atomic.Bool
	closeOnce sync.Once

	// Parent of every worker context; cancelled on teardown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	active *activeSession

	mu     sync.Mutex
	status Status
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRestart
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger.With().Str("component", "session").Logger()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Dispatcher{
		capture:    opts.Capture,
		presenter:  opts.Presenter,
		policy:     opts.Policy,
		clock:      opts.Clock,
		logger:     logger,
		metrics:    opts.Metrics,
		reaper:     newReaper(logger, opts.Metrics),
		cmds:       make(chan command, opts.QueueSize),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		status:     Status{State: Idle, Policy: opts.Policy},
	}
}

// Start requests a session. It returns once the dispatcher has applied the
// command: nil means the session's workers were launched, which does not
// imply they are fully up.
func (d *Dispatcher) Start(ctx context.Context, sessionID, credential string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	return d.submit(ctx, command{
		kind:   cmdStart,
		params: worker.Params{SessionID: sessionID, Credential: credential},
	})
}

// Stop signals the active session's workers and returns without waiting for
// them. Stopping while idle succeeds.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.submit(ctx, command{kind: cmdStop})
}

func (d *Dispatcher) submit(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)

	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}

	select {
	case d.cmds <- cmd:
	case <-d.quit:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-d.loopDone:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrDispatcherClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the dispatcher state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	st := d.status
	d.mu.Unlock()
	st.PendingWorkers = d.reaper.Pending()
	return st
}

// Run consumes commands until ctx is cancelled or Close is called, then stops
// the active session. Workers are joined by Close.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("session: dispatcher already running or closed")
	}
	defer close(d.loopDone)

	d.logger.Info().Str("policy", string(d.policy)).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.teardown("context cancelled")
			return nil
		case <-d.quit:
			d.teardown("closed")
			return nil
		case cmd := <-d.cmds:
			cmd.reply <- d.apply(cmd)
		}
	}
}

// Close stops accepting commands, stops the active session and waits for
// every worker the dispatcher launched to return, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.quit) })

	// Never ran: tear down here on behalf of the loop.
	if d.running.CompareAndSwap(false, true) {
		d.teardown("closed")
		close(d.loopDone)
	}

	select {
	case <-d.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.reaper.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for session workers: %w", err)
	}
	return nil
}

func (d *Dispatcher) apply(cmd command) error {
	var (
		err    error
		result string
	)
	switch cmd.kind {
	case cmdStart:
		result, err = d.start(cmd.params)
	case cmdStop:
		result = d.stop()
	}
	d.metrics.ObserveCommand(cmd.kind.String(), result)
	return err
}

func (d *Dispatcher) start(p worker.Params) (string, error) {
	result := "ok"
	if d.active != nil {
		if d.policy == PolicyReject {
			d.logger.Info().
				Str("active", d.active.params.SessionID).
				Str("requested", p.SessionID).
				Msg("start rejected, session already active")
			return "rejected", ErrSessionActive
		}
		d.logger.Info().
			Str("previous", d.active.params.SessionID).
			Str("next", p.SessionID).
			Msg("restarting session")
		d.stopActive()
		result = "restarted"
	}

	capture, err := d.capture.Start(d.baseCtx, p)
	if err != nil {
		d.logger.Error().Err(err).Object("session", p).Msg("capture worker failed to start")
		return "failed", fmt.Errorf("%w: capture: %w", ErrWorkerStart, err)
	}
	d.reaper.track(capture)

	presenter, err := d.presenter.Start(d.baseCtx, p)
	if err != nil {
		capture.Stop()
		d.logger.Error().Err(err).Object("session", p).Msg("presenter worker failed to start")
		return "failed", fmt.Errorf("%w: presenter: %w", ErrWorkerStart, err)
	}
	d.reaper.track(presenter)

	now := d.clock.Now()
	d.active = &activeSession{
		params:    p,
		startedAt: now,
		handles:   []*worker.Handle{capture, presenter},
	}
	d.metrics.SetActive(true)
	d.updateStatus(func(st *Status) {
		st.State = Active
		st.SessionID = p.SessionID
		st.StartedAt = &now
		st.Starts++
	})
	d.logger.Info().Object("session", p).Msg("session started")
	return result, nil
}

func (d *Dispatcher) stop() string {
	if d.active == nil {
		d.logger.Debug().Msg("stop while idle")
		return "noop"
	}
	d.stopActive()
	return "ok"
}

// stopActive signals every worker of the active session and hands them to
// the reaper; it never blocks on a worker.
func (d *Dispatcher) stopActive() {
	s := d.active
	if s == nil {
		return
	}
	for _, h := range s.handles {
		h.Stop()
	}
	d.active = nil
	d.metrics.SetActive(false)
	d.updateStatus(func(st *Status) {
		st.State = Idle
		st.SessionID = ""
		st.StartedAt = nil
		st.Stops++
	})
	d.logger.Info().
		Str("session_id", s.params.SessionID).
		Dur("uptime", d.clock.Since(s.startedAt)).
		Msg("session stopped")
}

func (d *Dispatcher) teardown(reason string) {
	d.stopActive()
	d.baseCancel()
	d.logger.Info().Str("reason", reason).Msg("dispatcher stopped")
}

func (d *Dispatcher) updateStatus(fn func(*Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

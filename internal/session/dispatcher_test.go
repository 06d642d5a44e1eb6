package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/worker"
)

// fakeStarter launches workers that run until stopped. Each Start records
// whether every earlier worker of this starter had already been signalled.
type fakeStarter struct {
	name string
	fail error
	// hold, when set, keeps workers alive after their stop signal until closed.
	hold chan struct{}

	mu      sync.Mutex
	started []string
	ctxs    []context.Context
	// priorStopped[i] is true when Start #i saw all earlier workers signalled.
	priorStopped []bool
	exited       int
}

func (f *fakeStarter) Start(ctx context.Context, p worker.Params) (*worker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}

	all := true
	for _, c := range f.ctxs {
		if c.Err() == nil {
			all = false
		}
	}
	f.priorStopped = append(f.priorStopped, all)
	f.started = append(f.started, p.SessionID)

	ready := make(chan context.Context, 1)
	hold := f.hold
	h := worker.Go(ctx, f.name+"/"+p.SessionID, func(wctx context.Context) error {
		ready <- wctx
		<-wctx.Done()
		if hold != nil {
			<-hold
		}
		f.mu.Lock()
		f.exited++
		f.mu.Unlock()
		return wctx.Err()
	})
	f.ctxs = append(f.ctxs, <-ready)
	return h, nil
}

func (f *fakeStarter) snapshot() (started []string, priorStopped []bool, exited int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...), append([]bool(nil), f.priorStopped...), f.exited
}

func (f *fakeStarter) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type harness struct {
	d         *Dispatcher
	capture   *fakeStarter
	presenter *fakeStarter
	clock     *clockwork.FakeClock
	metrics   *metrics.SessionMetrics
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		capture:   &fakeStarter{name: "capture"},
		presenter: &fakeStarter{name: "presenter"},
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		metrics:   metrics.NewSessionMetrics(prometheus.NewRegistry()),
	}
	h.d = New(Options{
		Capture:   h.capture,
		Presenter: h.presenter,
		Policy:    policy,
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
		Metrics:   h.metrics,
	})

	done := make(chan error, 1)
	go func() { done <- h.d.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.d.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

// waitPending polls until the reaper tracks exactly n workers.
func waitPending(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Status().PendingWorkers != n {
		if time.Now().After(deadline) {
			t.Fatalf("pending workers = %d, want %d", d.Status().PendingWorkers, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	if err := h.d.Start(ctx, "sess-1", "jwt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := h.d.Status()
	if st.State != Active || st.SessionID != "sess-1" {
		t.Fatalf("status after start = %+v", st)
	}
	if st.StartedAt == nil || !st.StartedAt.Equal(h.clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, h.clock.Now())
	}
	if got := testutil.ToFloat64(h.metrics.Active); got != 1 {
		t.Errorf("active gauge = %v, want 1", got)
	}

	if err := h.d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st = h.d.Status()
	if st.State != Idle || st.SessionID != "" || st.StartedAt != nil {
		t.Fatalf("status after stop = %+v", st)
	}
	if st.Starts != 1 || st.Stops != 1 {
		t.Errorf("counters = %d starts, %d stops", st.Starts, st.Stops)
	}

	if err := h.d.reaper.Wait(ctx); err != nil {
		t.Fatalf("workers not joined: %v", err)
	}
	_, _, exited := h.capture.snapshot()
	if exited != 1 {
		t.Errorf("capture workers exited = %d, want 1", exited)
	}
}

func TestStop_DoesNotWaitForWorkerExit(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)
	h.capture.hold = make(chan struct{})
	released := false
	release := func() {
		if !released {
			released = true
			close(h.capture.hold)
		}
	}
	defer release()

	if err := h.d.Start(ctx, "sess-1", "jwt"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if st := h.d.Status(); st.State != Idle {
		t.Fatalf("state = %v, want Idle while the worker is still exiting", st.State)
	}
	waitPending(t, h.d, 1)
	if _, _, exited := h.capture.snapshot(); exited != 0 {
		t.Errorf("capture exited = %d before release", exited)
	}

	// The loop stays responsive while the old worker lingers.
	if err := h.d.Start(ctx, "sess-2", "jwt"); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if got := h.d.Status().SessionID; got != "sess-2" {
		t.Errorf("session = %q, want sess-2", got)
	}

	release()
	if err := h.d.reaper.Wait(ctx); err != nil {
		t.Fatalf("stopped worker not joined after release: %v", err)
	}
	if _, _, exited := h.capture.snapshot(); exited != 1 {
		t.Errorf("capture exited = %d, want 1", exited)
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	for i := 0; i < 3; i++ {
		if err := h.d.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if st := h.d.Status(); st.State != Idle || st.Stops != 0 {
		t.Errorf("status = %+v", st)
	}
	if got := testutil.ToFloat64(h.metrics.Commands.WithLabelValues("stop", "noop")); got != 3 {
		t.Errorf("noop stops = %v, want 3", got)
	}
}

func TestRestartPolicy_StopsPreviousBeforeStartingNext(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	if err := h.d.Start(ctx, "sess-1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Start(ctx, "sess-2", "b"); err != nil {
		t.Fatal(err)
	}

	if st := h.d.Status(); st.SessionID != "sess-2" || st.State != Active {
		t.Errorf("status = %+v, want sess-2 active", st)
	}
	for _, f := range []*fakeStarter{h.capture, h.presenter} {
		started, prior, _ := f.snapshot()
		if fmt.Sprint(started) != "[sess-1 sess-2]" {
			t.Errorf("%s started %v", f.name, started)
		}
		if !prior[1] {
			t.Errorf("%s for sess-2 started before sess-1 was signalled", f.name)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Commands.WithLabelValues("start", "restarted")); got != 1 {
		t.Errorf("restarted count = %v", got)
	}
}

func TestRejectPolicy_KeepsActiveSession(t *testing.T) {
	h := newHarness(t, PolicyReject)
	ctx := ctxT(t)

	if err := h.d.Start(ctx, "sess-1", "a"); err != nil {
		t.Fatal(err)
	}
	err := h.d.Start(ctx, "sess-2", "b")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start err = %v, want ErrSessionActive", err)
	}
	if st := h.d.Status(); st.SessionID != "sess-1" {
		t.Errorf("active session = %q, want sess-1", st.SessionID)
	}
	started, _, _ := h.capture.snapshot()
	if len(started) != 1 {
		t.Errorf("capture started %d times, want 1", len(started))
	}

	// After a stop the next start is accepted.
	if err := h.d.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Start(ctx, "sess-2", "b"); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
}

func TestStartFailure_LeavesIdle(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	boom := errors.New("no input device")
	h.capture.setFail(boom)

	err := h.d.Start(ctx, "sess-1", "a")
	if !errors.Is(err, ErrWorkerStart) || !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want ErrWorkerStart wrapping cause", err)
	}
	if st := h.d.Status(); st.State != Idle {
		t.Errorf("state = %v, want idle", st.State)
	}
	if started, _, _ := h.presenter.snapshot(); len(started) != 0 {
		t.Errorf("presenter started despite capture failure: %v", started)
	}
}

func TestPresenterFailure_StopsCapture(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	h.presenter.setFail(errors.New("display gone"))

	if err := h.d.Start(ctx, "sess-1", "a"); !errors.Is(err, ErrWorkerStart) {
		t.Fatalf("Start err = %v", err)
	}
	if err := h.d.reaper.Wait(ctx); err != nil {
		t.Fatalf("capture worker not reaped: %v", err)
	}
	if _, _, exited := h.capture.snapshot(); exited != 1 {
		t.Errorf("capture exited = %d, want 1", exited)
	}
	if st := h.d.Status(); st.State != Idle || st.PendingWorkers != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestStart_RequiresSessionID(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	if err := h.d.Start(ctxT(t), "  ", "jwt"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("err = %v, want ErrInvalidSession", err)
	}
}

func TestConcurrentStarts_AreSerialized(t *testing.T) {
	h := newHarness(t, PolicyRestart)
	ctx := ctxT(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := h.d.Start(ctx, fmt.Sprintf("sess-%d", i), "jwt"); err != nil {
				t.Errorf("Start sess-%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	started, prior, _ := h.capture.snapshot()
	if len(started) != 20 {
		t.Fatalf("capture started %d times, want 20", len(started))
	}
	for i, ok := range prior {
		if !ok {
			t.Errorf("start #%d (%s) overlapped a live session", i, started[i])
		}
	}
	st := h.d.Status()
	if st.State != Active || st.SessionID != started[len(started)-1] {
		t.Errorf("status %+v does not match last start %s", st, started[len(started)-1])
	}
}

func TestClose_StopsActiveAndJoinsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	capture := &fakeStarter{name: "capture"}
	presenter := &fakeStarter{name: "presenter"}
	d := New(Options{Capture: capture, Presenter: presenter, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	ctx := ctxT(t)
	if err := d.Start(ctx, "sess-1", "jwt"); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, f := range []*fakeStarter{capture, presenter} {
		if _, _, exited := f.snapshot(); exited != 1 {
			t.Errorf("%s exited = %d, want 1", f.name, exited)
		}
	}
	if err := d.Start(ctx, "sess-2", "jwt"); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Start after Close = %v, want ErrDispatcherClosed", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_ReturnsContextErrorWhenWorkerNeverExits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	capture := &fakeStarter{name: "capture", hold: make(chan struct{})}
	presenter := &fakeStarter{name: "presenter"}
	d := New(Options{Capture: capture, Presenter: presenter, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	ctx := ctxT(t)
	if err := d.Start(ctx, "sess-1", "jwt"); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(short)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitPending(t, d, 1)
	if _, _, exited := capture.snapshot(); exited != 0 {
		t.Errorf("capture exited = %d before release", exited)
	}

	close(capture.hold)
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close after release: %v", err)
	}
	if _, _, exited := capture.snapshot(); exited != 1 {
		t.Errorf("capture exited = %d, want 1", exited)
	}
}

func TestClose_WithoutRun(t *testing.T) {
	d := New(Options{Capture: &fakeStarter{}, Presenter: &fakeStarter{}, Logger: zerolog.Nop()})
	if err := d.Close(ctxT(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Error("Run after Close should fail")
	}
}

func TestRun_ContextCancelStopsSession(t *testing.T) {
	capture := &fakeStarter{name: "capture"}
	d := New(Options{Capture: capture, Presenter: &fakeStarter{name: "presenter"}, Logger: zerolog.Nop()})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	ctx := ctxT(t)
	if err := d.Start(ctx, "sess-1", "jwt"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := d.Status(); st.State != Idle {
		t.Errorf("state = %v after teardown", st.State)
	}
}

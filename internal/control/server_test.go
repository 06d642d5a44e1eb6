package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/native-helper/helper/internal/capture"
	"github.com/native-helper/helper/internal/hub"
	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/session"
	"github.com/native-helper/helper/internal/worker"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	starts   []string
	creds    []string
	stops    int
}

func (f *fakeDispatcher) Start(_ context.Context, id, cred string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, id)
	f.creds = append(f.creds, cred)
	return f.startErr
}

func (f *fakeDispatcher) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeDispatcher) Status() session.Status {
	return session.Status{State: session.Active, SessionID: "sess-1", Policy: session.PolicyRestart}
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestStart(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
		wantBody string
	}{
		{"ok", `{"sessionId":"sess-1","jwt":"token"}`, nil, http.StatusOK, "ok"},
		{"malformed", `{"sessionId":`, nil, http.StatusBadRequest, ""},
		{"missing session", `{"jwt":"token"}`, nil, http.StatusBadRequest, ""},
		{"blank session", `{"sessionId":"  ","jwt":"token"}`, nil, http.StatusBadRequest, ""},
		{"active", `{"sessionId":"sess-2","jwt":"t"}`, session.ErrSessionActive, http.StatusConflict, ""},
		{"worker failed", `{"sessionId":"s","jwt":"t"}`, fmt.Errorf("%w: capture: %w", session.ErrWorkerStart, capture.ErrCaptureUnavailable), http.StatusServiceUnavailable, ""},
		{"closed", `{"sessionId":"s","jwt":"t"}`, session.ErrDispatcherClosed, http.StatusServiceUnavailable, ""},
		{"busy", `{"sessionId":"s","jwt":"t"}`, context.DeadlineExceeded, http.StatusServiceUnavailable, ""},
		{"unexpected", `{"sessionId":"s","jwt":"t"}`, errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{startErr: tt.startErr}
			s := NewServer(Options{Dispatcher: d, Logger: zerolog.Nop()})

			code, body := do(t, s.Routes(), http.MethodPost, "/start", tt.body)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %q)", code, tt.wantCode, body)
			}
			if tt.wantBody != "" && body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestStart_PassesCredential(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewServer(Options{Dispatcher: d, Logger: zerolog.Nop()})

	code, _ := do(t, s.Routes(), http.MethodPost, "/start", `{"sessionId":"sess-9","jwt":"eyJ.abc"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"sess-9"}, d.starts)
	assert.Equal(t, []string{"eyJ.abc"}, d.creds)
}

func TestStop(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewServer(Options{Dispatcher: d, Logger: zerolog.Nop()})

	for i := 0; i < 2; i++ {
		code, body := do(t, s.Routes(), http.MethodPost, "/stop", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "stopped", body)
	}
	assert.Equal(t, 2, d.stops)

	d.stopErr = session.ErrDispatcherClosed
	code, _ := do(t, s.Routes(), http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, code, "stop during shutdown still reports stopped")

	d.stopErr = context.DeadlineExceeded
	code, _ = do(t, s.Routes(), http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPing(t *testing.T) {
	s := NewServer(Options{Dispatcher: &fakeDispatcher{}, Logger: zerolog.Nop()})
	code, body := do(t, s.Routes(), http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = do(t, s.Routes(), http.MethodPost, "/ping", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

type stubHub struct{}

func (stubHub) Stats() hub.Stats { return hub.Stats{Subscribers: 2, Retained: 1, Published: 7} }

type stubCapture struct{}

func (stubCapture) Health() capture.HealthSnapshot {
	return capture.HealthSnapshot{Status: capture.Degraded, ConsecutiveFailures: 1, LastError: "HTTP 502"}
}

func TestStatus(t *testing.T) {
	s := NewServer(Options{Dispatcher: &fakeDispatcher{}, Hub: stubHub{}, Capture: stubCapture{}, Logger: zerolog.Nop()})

	code, body := do(t, s.Routes(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, session.Active, resp.Session.State)
	assert.Equal(t, "sess-1", resp.Session.SessionID)
	require.NotNil(t, resp.Hub)
	assert.Equal(t, 2, resp.Hub.Subscribers)
	require.NotNil(t, resp.Capture)
	assert.Equal(t, capture.Degraded, resp.Capture.Status)
	assert.Greater(t, resp.Process.PID, 0)
	assert.Greater(t, resp.Process.Goroutines, 0)
	assert.NotContains(t, body, "jwt")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewServer(Options{
		Dispatcher: &fakeDispatcher{},
		Registry:   reg,
		Metrics:    metrics.NewHTTPMetrics(reg),
		Logger:     zerolog.Nop(),
	})
	h := s.Routes()

	do(t, h, http.MethodGet, "/ping", "")
	code, body := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `native_helper_http_requests_total{method="GET",route="/ping",server="control",status_code="200"} 1`)
}

func TestMetricsEndpoint_DisabledWithoutRegistry(t *testing.T) {
	s := NewServer(Options{Dispatcher: &fakeDispatcher{}, Logger: zerolog.Nop()})
	code, _ := do(t, s.Routes(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCORS_ConfiguredOrigin(t *testing.T) {
	s := NewServer(Options{Dispatcher: &fakeDispatcher{}, AllowedOrigins: []string{"https://app.example"}, Logger: zerolog.Nop()})

	req := httptest.NewRequest(http.MethodOptions, "/start", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/start", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// End to end through a real dispatcher: the second start replaces the first.
func TestStartStop_WithDispatcher(t *testing.T) {
	var (
		mu      sync.Mutex
		started []string
	)
	starter := worker.StarterFunc(func(ctx context.Context, p worker.Params) (*worker.Handle, error) {
		mu.Lock()
		started = append(started, p.SessionID)
		mu.Unlock()
		return worker.Go(ctx, "test", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	})
	d := session.New(session.Options{
		Capture:   starter,
		Presenter: starter,
		Logger:    zerolog.Nop(),
		Metrics:   metrics.NewSessionMetrics(prometheus.NewRegistry()),
	})
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
		require.NoError(t, <-runDone)
	}()

	srv := httptest.NewServer(NewServer(Options{Dispatcher: d, Logger: zerolog.Nop()}).Routes())
	defer srv.Close()

	post := func(path, body string) int {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("/start", `{"sessionId":"sess-1","jwt":"a"}`))
	assert.Equal(t, http.StatusOK, post("/start", `{"sessionId":"sess-2","jwt":"b"}`))
	assert.Equal(t, "sess-2", d.Status().SessionID)

	assert.Equal(t, http.StatusOK, post("/stop", ""))
	assert.Equal(t, session.Idle, d.Status().State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sess-1", "sess-1", "sess-2", "sess-2"}, started)
}

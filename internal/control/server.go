// Package control serves the local command API that starts and stops the
// capture session.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/native-helper/helper/internal/capture"
	"github.com/native-helper/helper/internal/hub"
	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/middleware"
	"github.com/native-helper/helper/internal/session"
)

// Dispatcher is the command side of the session dispatcher.
type Dispatcher interface {
	Start(ctx context.Context, sessionID, credential string) error
	Stop(ctx context.Context) error
	Status() session.Status
}

type HubStats interface {
	Stats() hub.Stats
}

type CaptureHealth interface {
	Health() capture.HealthSnapshot
}

type Options struct {
	Dispatcher Dispatcher
	// Optional sources for /status.
	Hub     HubStats
	Capture CaptureHealth
	// Registry backs /metrics; nil disables the endpoint.
	Registry *prometheus.Registry
	Metrics  *metrics.HTTPMetrics
	// AllowedOrigins lists the web apps allowed to issue commands from a
	// browser. Empty allows none.
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	// CommandTimeout bounds how long a request waits for the dispatcher.
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

const (
	defaultCommandTimeout = 10 * time.Second
	maxStartBody          = 16 << 10
)

type Server struct {
	dispatcher     Dispatcher
	hub            HubStats
	capture        CaptureHealth
	registry       *prometheus.Registry
	metrics        *metrics.HTTPMetrics
	allowedOrigins []string
	rateLimit      int
	rateWindow     time.Duration
	commandTimeout time.Duration
	logger         zerolog.Logger
	process        *processSampler
}

func NewServer(opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Server{
		dispatcher:     opts.Dispatcher,
		hub:            opts.Hub,
		capture:        opts.Capture,
		registry:       opts.Registry,
		metrics:        opts.Metrics,
		allowedOrigins: opts.AllowedOrigins,
		rateLimit:      opts.RateLimit,
		rateWindow:     opts.RateWindow,
		commandTimeout: opts.CommandTimeout,
		logger:         opts.Logger.With().Str("component", "control").Logger(),
		process:        newProcessSampler(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger)...)
	r.Use(s.metrics.Middleware("control"))
	r.Use(middleware.CORS(s.allowedOrigins))

	r.With(middleware.RateLimit(s.rateLimit, s.rateWindow)).Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Get("/ping", s.handlePing)
	r.Get("/status", s.handleStatus)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.registry))
	}
	return r
}

type startRequest struct {
	SessionID string `json:"sessionId"`
	JWT       string `json:"jwt"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStartBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid start command: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	err = s.dispatcher.Start(ctx, req.SessionID, req.JWT)
	switch {
	case err == nil:
		writeText(w, http.StatusOK, "ok")
	case errors.Is(err, session.ErrInvalidSession):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrSessionActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrWorkerStart), errors.Is(err, session.ErrDispatcherClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "dispatcher busy", http.StatusServiceUnavailable)
	default:
		hlog.FromRequest(r).Error().Err(err).Str("session_id", req.SessionID).Msg("start command failed")
		http.Error(w, "start failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	// A stop that cannot reach the dispatcher still leaves nothing running
	// from the caller's point of view: the dispatcher is shutting down.
	if err := s.dispatcher.Stop(ctx); err != nil && !errors.Is(err, session.ErrDispatcherClosed) {
		hlog.FromRequest(r).Warn().Err(err).Msg("stop command not applied")
		http.Error(w, "dispatcher busy", http.StatusServiceUnavailable)
		return
	}
	writeText(w, http.StatusOK, "stopped")
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Session session.Status          `json:"session"`
	Hub     *hub.Stats              `json:"hub,omitempty"`
	Capture *capture.HealthSnapshot `json:"capture,omitempty"`
	Process ProcessStats            `json:"process"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session: s.dispatcher.Status(),
		Process: s.process.sample(r.Context()),
	}
	if s.hub != nil {
		st := s.hub.Stats()
		resp.Hub = &st
	}
	if s.capture != nil {
		h := s.capture.Health()
		resp.Capture = &h
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

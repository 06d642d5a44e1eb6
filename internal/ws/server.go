// Package ws serves the overlay endpoints: message publishing, the retained
// message snapshot and the WebSocket stream viewers subscribe to.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/native-helper/helper/internal/hub"
	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/middleware"
	"github.com/native-helper/helper/internal/overlay"
)

type Options struct {
	Hub *hub.Hub
	// AllowedOrigins restricts browser origins for both CORS and the
	// WebSocket handshake. Empty means CORS for any origin and WebSocket
	// connections from loopback or same-host pages only.
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	Metrics        *metrics.HTTPMetrics
	Frontend       http.Handler
	Logger         zerolog.Logger
	PingPeriod     time.Duration
	PongWait       time.Duration
}

type Server struct {
	hub            *hub.Hub
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	corsOrigins    []string
	rateLimit      int
	rateWindow     time.Duration
	metrics        *metrics.HTTPMetrics
	frontend       http.Handler
	logger         zerolog.Logger
	pingPeriod     time.Duration
	pongWait       time.Duration
	upgrader       websocket.Upgrader
}

func NewServer(opts Options) *Server {
	s := &Server{
		hub:            opts.Hub,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		rateLimit:      opts.RateLimit,
		rateWindow:     opts.RateWindow,
		metrics:        opts.Metrics,
		frontend:       opts.Frontend,
		logger:         opts.Logger.With().Str("component", "overlay").Logger(),
		pingPeriod:     opts.PingPeriod,
		pongWait:       opts.PongWait,
	}
	if s.pingPeriod <= 0 {
		s.pingPeriod = defaultPingPeriod
	}
	if s.pongWait <= s.pingPeriod {
		s.pongWait = 2 * s.pingPeriod
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		s.corsOrigins = append(s.corsOrigins, trimmed)
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	if len(s.corsOrigins) == 0 {
		s.corsOrigins = []string{"*"}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes builds the overlay router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger)...)
	r.Use(s.metrics.Middleware("overlay"))
	r.Use(middleware.CORS(s.corsOrigins))

	r.Route("/overlay", func(r chi.Router) {
		r.Get("/", s.handleWS)
		r.Get("/messages", s.handleMessages)
		r.With(middleware.RateLimit(s.rateLimit, s.rateWindow)).Post("/message", s.handlePublish)
	})
	if s.frontend != nil {
		r.With(middleware.SecurityHeaders).Get("/", s.frontend.ServeHTTP)
	}
	return r
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var msg overlay.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody))
	if err := dec.Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid overlay message: "+err.Error())
		return
	}

	if err := s.hub.Publish(msg); err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, hub.ErrHubClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			hlog.FromRequest(r).Error().Err(err).Msg("publish overlay message")
			writeError(w, http.StatusInternalServerError, "publish failed")
		}
		return
	}

	hlog.FromRequest(r).Debug().
		Str("kind", string(msg.Kind())).
		Dur("ttl", msg.TTL()).
		Msg("overlay message published")
	writeJSON(w, http.StatusOK, PublishResponse{Success: true, Message: "Overlay message sent"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	// Subscribe before upgrading so a closed hub is reported as a plain
	// HTTP error.
	sub, err := s.hub.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	l := s.logger.With().Str("remote", r.RemoteAddr).Str("subscriber", sub.ID().String()).Logger()
	l.Debug().Msg("overlay client connected")
	newClient(conn, sub, l, s.pingPeriod, s.pongWait).run()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] || s.allowedOrigins["*"] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Message: msg})
}

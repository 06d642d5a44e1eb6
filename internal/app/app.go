// Package app assembles the helper: the overlay hub, the session dispatcher
// with its capture and presenter workers, and the control and overlay HTTP
// servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/native-helper/helper/internal/capture"
	"github.com/native-helper/helper/internal/config"
	"github.com/native-helper/helper/internal/control"
	"github.com/native-helper/helper/internal/frontend"
	"github.com/native-helper/helper/internal/hub"
	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/presenter"
	"github.com/native-helper/helper/internal/session"
	"github.com/native-helper/helper/internal/ws"
)

const readHeaderTimeout = 5 * time.Second

type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry   *prometheus.Registry
	hub        *hub.Hub
	capture    *capture.Worker
	dispatcher *session.Dispatcher

	controlSrv *http.Server
	overlaySrv *http.Server
	controlLn  net.Listener
	overlayLn  net.Listener
}

// New builds every component and binds both listeners, so a port conflict
// is reported before anything runs.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	policy, err := session.ParsePolicy(cfg.Session.OnStartWhileActive)
	if err != nil {
		return nil, err
	}
	source, err := capture.NewSource(cfg.Capture.Source)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
	httpMetrics := metrics.NewHTTPMetrics(a.registry)

	a.hub = hub.New(hub.Options{
		SubscriberBuffer: cfg.Hub.SubscriberBuffer,
		SweepInterval:    cfg.Hub.SweepInterval,
		Logger:           logger,
		Metrics:          metrics.NewHubMetrics(a.registry),
	})

	var transcriber capture.Transcriber
	if cfg.Capture.STTURL != "" {
		transcriber = capture.NewHTTPTranscriber(capture.TranscriberOptions{
			URL:     cfg.Capture.STTURL,
			APIKey:  cfg.Capture.STTAPIKey,
			Timeout: cfg.Capture.RequestTimeout,
		})
	} else {
		logger.Warn().Msg("capture.stt_url not set, audio will not be transcribed")
	}
	a.capture = capture.New(capture.Options{
		Source:        source,
		Transcriber:   transcriber,
		Publisher:     a.hub,
		Format:        capture.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels},
		PollInterval:  cfg.Capture.PollInterval,
		ChunkInterval: cfg.Capture.ChunkInterval,
		StatusTTL:     cfg.Capture.StatusTTL,
		Logger:        logger,
	})
	pres := presenter.New(presenter.Options{
		Publisher:         a.hub,
		HeartbeatInterval: cfg.Presenter.HeartbeatInterval,
		StatusTTL:         cfg.Presenter.StatusTTL,
		Logger:            logger,
	})

	a.dispatcher = session.New(session.Options{
		Capture:   a.capture,
		Presenter: pres,
		Policy:    policy,
		Logger:    logger,
		Metrics:   metrics.NewSessionMetrics(a.registry),
	})

	controlAPI := control.NewServer(control.Options{
		Dispatcher:     a.dispatcher,
		Hub:            a.hub,
		Capture:        a.capture,
		Registry:       a.registry,
		Metrics:        httpMetrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit.Requests,
		RateWindow:     cfg.Server.RateLimit.Window,
		Logger:         logger,
	})
	overlayAPI := ws.NewServer(ws.Options{
		Hub:            a.hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit.Requests,
		RateWindow:     cfg.Server.RateLimit.Window,
		Metrics:        httpMetrics,
		Frontend:       frontend.Handler(),
		Logger:         logger,
	})

	a.controlSrv = &http.Server{Handler: controlAPI.Routes(), ReadHeaderTimeout: readHeaderTimeout}
	a.overlaySrv = &http.Server{Handler: overlayAPI.Routes(), ReadHeaderTimeout: readHeaderTimeout}

	if a.controlLn, err = listen(cfg.Server.Host, cfg.Server.ControlPort); err != nil {
		return nil, fmt.Errorf("control server: %w", err)
	}
	if a.overlayLn, err = listen(cfg.Server.Host, cfg.Server.OverlayPort); err != nil {
		a.controlLn.Close()
		return nil, fmt.Errorf("overlay server: %w", err)
	}
	return a, nil
}

func listen(host string, port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (a *App) ControlAddr() net.Addr { return a.controlLn.Addr() }

func (a *App) OverlayAddr() net.Addr { return a.overlayLn.Addr() }

// Run serves until ctx is cancelled or a server fails, then shuts down in
// order: stop taking commands, stop the session and join its workers, close
// the hub so viewers get a close frame, then drain the overlay server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return serve(a.controlSrv, a.controlLn) })
	g.Go(func() error { return serve(a.overlaySrv, a.overlayLn) })

	a.logger.Info().
		Str("control", a.controlLn.Addr().String()).
		Str("overlay", a.overlayLn.Addr().String()).
		Str("policy", a.cfg.Session.OnStartWhileActive).
		Msg("helper listening")

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) shutdown() error {
	a.logger.Info().Dur("timeout", a.cfg.Server.ShutdownTimeout).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.controlSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("control server shutdown: %w", err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	a.hub.Close()
	if err := a.overlaySrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("overlay server shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info().Msg("shutdown complete")
	return nil
}

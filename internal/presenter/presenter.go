// Package presenter is the reference overlay-presentation worker. It keeps a
// heartbeat status on the overlay while a session is active.
package presenter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/overlay"
	"github.com/native-helper/helper/internal/worker"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStatusTTL         = 6 * time.Second
	heartbeatText            = "Overlay active"
)

type Options struct {
	Publisher         worker.Publisher
	HeartbeatInterval time.Duration
	// StatusTTL should exceed HeartbeatInterval so the status never lapses
	// between beats.
	StatusTTL time.Duration
	Position  *overlay.Position
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

// Presenter implements worker.Starter.
type Presenter struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) *Presenter {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	return &Presenter{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "presenter").Logger(),
	}
}

func (p *Presenter) Start(ctx context.Context, params worker.Params) (*worker.Handle, error) {
	l := p.logger.With().Str("session_id", params.SessionID).Logger()
	return worker.Go(ctx, "presenter", func(ctx context.Context) error {
		p.run(ctx, l)
		return nil
	}), nil
}

func (p *Presenter) heartbeat() overlay.Message {
	m := overlay.New(overlay.KindStatus, heartbeatText).WithTTL(p.opts.StatusTTL)
	if p.opts.Position != nil {
		m = m.WithPosition(*p.opts.Position)
	}
	return m
}

func (p *Presenter) run(ctx context.Context, l zerolog.Logger) {
	l.Info().Dur("interval", p.opts.HeartbeatInterval).Msg("presenter started")
	p.beat(ctx, l)

	// The heartbeat can be slower than a second; the select returns as soon
	// as the stop signal arrives.
	ticker := p.opts.Clock.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("presenter stopped")
			return
		case <-ticker.Chan():
			p.beat(ctx, l)
		}
	}
}

func (p *Presenter) beat(ctx context.Context, l zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := p.opts.Publisher.Publish(p.heartbeat()); err != nil {
		l.Debug().Err(err).Msg("heartbeat not published")
	}
}

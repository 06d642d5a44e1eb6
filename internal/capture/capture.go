// Package capture is the reference capture worker: it reads audio from a
// source, ships fixed-length chunks to a speech-to-text endpoint and
// publishes what it hears to the overlay hub.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/overlay"
	"github.com/native-helper/helper/internal/worker"
)

type Options struct {
	Source      AudioSource
	Transcriber Transcriber // nil disables transcription
	Publisher   worker.Publisher
	Format      Format
	// PollInterval is how often audio is read and the stop signal checked.
	PollInterval time.Duration
	// ChunkInterval is the length of audio sent per transcription request.
	ChunkInterval    time.Duration
	StatusTTL        time.Duration
	FailureThreshold int
	Clock            clockwork.Clock
	Logger           zerolog.Logger
}

// Worker starts one capture loop per session. It implements worker.Starter.
type Worker struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	health *health
}

func New(opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 || opts.PollInterval > worker.MaxStopLatency {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.ChunkInterval < opts.PollInterval {
		opts.ChunkInterval = opts.PollInterval
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	return &Worker{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "capture").Logger(),
		health: newHealth(),
	}
}

// Start opens the audio source and launches the capture loop. Failure to
// open the source is reported synchronously.
func (w *Worker) Start(ctx context.Context, p worker.Params) (*worker.Handle, error) {
	stream, err := w.opts.Source.Open(w.opts.Format)
	if err != nil {
		return nil, fmt.Errorf("open %s audio source: %w", w.opts.Source.Name(), err)
	}

	h := newHealth()
	w.mu.Lock()
	w.health = h
	w.mu.Unlock()

	l := w.logger.With().Str("session_id", p.SessionID).Logger()
	return worker.Go(ctx, "capture", func(ctx context.Context) error {
		defer func() {
			if err := stream.Close(); err != nil {
				l.Warn().Err(err).Msg("closing audio stream")
			}
		}()
		r := &run{w: w, params: p, stream: stream, health: h, logger: l}
		return r.loop(ctx)
	}), nil
}

// Health reports the transcription health of the most recent session.
func (w *Worker) Health() HealthSnapshot {
	w.mu.Lock()
	h := w.health
	w.mu.Unlock()
	return h.snapshot(w.opts.FailureThreshold)
}

type run struct {
	w      *Worker
	params worker.Params
	stream Stream
	health *health
	logger zerolog.Logger

	buf        []byte
	chunkStart time.Time
}

func (r *run) loop(ctx context.Context) error {
	opts := r.w.opts
	r.logger.Info().
		Str("source", opts.Source.Name()).
		Dur("chunk_interval", opts.ChunkInterval).
		Bool("transcription", opts.Transcriber != nil).
		Msg("capture started")
	r.publish(ctx, overlay.New(overlay.KindStatus, "Listening").WithTTL(opts.StatusTTL))

	ticker := opts.Clock.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	chunkBytes := opts.Format.BytesFor(opts.ChunkInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("capture stopped")
			return nil
		case now := <-ticker.Chan():
			data, err := r.stream.Read(opts.PollInterval)
			if err != nil {
				r.publish(ctx, overlay.New(overlay.KindError, "Audio capture failed").WithTTL(opts.StatusTTL))
				return fmt.Errorf("read audio: %w", err)
			}
			if len(r.buf) == 0 {
				r.chunkStart = now
			}
			r.buf = append(r.buf, data...)
			if len(r.buf) >= chunkBytes {
				r.flush(ctx)
			}
		}
	}
}

func (r *run) flush(ctx context.Context) {
	opts := r.w.opts
	chunk := Chunk{
		ID:         uuid.New(),
		SessionID:  r.params.SessionID,
		Credential: r.params.Credential,
		Audio:      r.buf,
		Format:     opts.Format,
		CapturedAt: r.chunkStart,
	}
	r.buf = nil

	if opts.Transcriber == nil {
		r.logger.Debug().Str("chunk_id", chunk.ID.String()).Int("bytes", len(chunk.Audio)).Msg("transcription disabled, chunk dropped")
		return
	}

	text, err := opts.Transcriber.Transcribe(ctx, chunk)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		r.health.recordFailure(err, opts.Clock.Now())
		r.logger.Warn().Err(err).Str("chunk_id", chunk.ID.String()).Msg("transcription failed")
		r.publish(ctx, overlay.New(overlay.KindError, "Transcription failed: "+errorSummary(err)).WithTTL(opts.StatusTTL))
	} else {
		r.health.recordSuccess()
		if text != "" {
			r.publish(ctx, overlay.New(overlay.KindTranscript, text))
		}
	}
	r.reportHealth(ctx)
}

func (r *run) reportHealth(ctx context.Context) {
	opts := r.w.opts
	status, previous, lastErr, changed := r.health.snapshotAndEmit(opts.FailureThreshold)
	if !changed {
		return
	}
	r.logger.Info().Str("from", string(previous)).Str("to", string(status)).Str("last_error", lastErr).Msg("transcription health changed")
	switch {
	case status == Failed:
		r.publish(ctx, overlay.New(overlay.KindStatus, "Transcription unavailable").WithTTL(opts.StatusTTL))
	case status == Healthy && previous == Failed:
		r.publish(ctx, overlay.New(overlay.KindStatus, "Transcription recovered").WithTTL(opts.StatusTTL))
	}
}

// publish drops the message once the worker has been told to stop.
func (r *run) publish(ctx context.Context, msg overlay.Message) {
	if ctx.Err() != nil {
		return
	}
	if err := r.w.opts.Publisher.Publish(msg); err != nil {
		r.logger.Debug().Err(err).Str("kind", string(msg.Kind())).Msg("publish failed")
	}
}

func errorSummary(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("HTTP %d", se.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "request error"
}

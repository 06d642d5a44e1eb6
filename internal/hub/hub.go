// Package hub fans overlay messages out to every live subscriber and keeps
// messages that carry a TTL visible to late joiners until they expire.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/metrics"
	"github.com/native-helper/helper/internal/overlay"
)

const (
	DefaultSubscriberBuffer = 64
	DefaultSweepInterval    = time.Second
)

var (
	ErrInvalidMessage = overlay.ErrInvalid
	ErrHubClosed      = errors.New("hub closed")
)

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	Clock            clockwork.Clock
	SubscriberBuffer int
	SweepInterval    time.Duration
	Logger           zerolog.Logger
	Metrics          *metrics.HubMetrics
}

type retainedEntry struct {
	msg         overlay.Message
	publishedAt time.Time
}

func (e retainedEntry) expiresAt() time.Time {
	return e.publishedAt.Add(e.msg.TTL())
}

// live is evaluated per entry against its own publish time.
func (e retainedEntry) live(now time.Time) bool {
	return now.Before(e.expiresAt())
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Retained    int    `json:"retained"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Hub is safe for concurrent use. A single mutex guards the subscriber set
// and the retained set. It is never held across a blocking operation: fan-out
// uses non-blocking sends and log events are written after it is released.
type Hub struct {
	clock         clockwork.Clock
	bufferSize    int
	sweepInterval time.Duration
	logger        zerolog.Logger
	metrics       *metrics.HubMetrics

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	retained  []retainedEntry
	closed    bool
	published uint64
	dropped   uint64
}

func New(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Hub{
		clock:         opts.Clock,
		bufferSize:    opts.SubscriberBuffer,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger.With().Str("component", "hub").Logger(),
		metrics:       opts.Metrics,
		subs:          make(map[*Subscription]struct{}),
	}
}

// Publish delivers msg to every current subscriber and, when it has a TTL,
// adds it to the retained set. A subscriber whose buffer is full misses this
// message; nobody else is affected and the publisher never blocks.
func (h *Hub) Publish(msg overlay.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}

	now := h.clock.Now()
	if msg.Retained() {
		h.pruneLocked(now)
		h.retained = append(h.retained, retainedEntry{msg: msg, publishedAt: now})
		h.metrics.SetRetained(len(h.retained))
	}

	h.published++
	h.metrics.ObservePublish(msg.Retained())

	var droppedBy []string
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped++
			h.dropped++
			h.metrics.ObserveDrop()
			droppedBy = append(droppedBy, sub.id.String())
		}
	}
	h.mu.Unlock()

	if len(droppedBy) > 0 {
		h.logger.Debug().
			Strs("subscribers", droppedBy).
			Str("kind", string(msg.Kind())).
			Msg("subscriber buffer full, message dropped")
	}
	return nil
}

// Subscribe registers a subscriber. Retained messages that are still live are
// queued first, in publish order, under the same lock that registers the
// subscriber, so the replay neither misses nor duplicates concurrent publishes.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}

	live := h.liveLocked(h.clock.Now())
	sub := newSubscription(h, h.bufferSize+len(live))
	for _, m := range live {
		sub.ch <- m
	}
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.metrics.SetSubscribers(count)
	h.mu.Unlock()

	h.logger.Debug().
		Str("subscriber", sub.id.String()).
		Int("replayed", len(live)).
		Int("subscribers", count).
		Msg("subscriber added")
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	count := len(h.subs)
	dropped := sub.dropped
	h.metrics.SetSubscribers(count)
	h.mu.Unlock()

	h.logger.Debug().
		Str("subscriber", sub.id.String()).
		Uint64("dropped", dropped).
		Int("subscribers", count).
		Msg("subscriber removed")
}

// Snapshot returns the retained messages that are still live at call time,
// in publish order. It does not depend on Sweep having run.
func (h *Hub) Snapshot() []overlay.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveLocked(h.clock.Now())
}

func (h *Hub) liveLocked(now time.Time) []overlay.Message {
	out := make([]overlay.Message, 0, len(h.retained))
	for _, e := range h.retained {
		if e.live(now) {
			out = append(out, e.msg)
		}
	}
	return out
}

// Sweep drops expired entries from the retained set and reports how many
// were removed.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruneLocked(h.clock.Now())
}

func (h *Hub) pruneLocked(now time.Time) int {
	kept := h.retained[:0]
	for _, e := range h.retained {
		if e.live(now) {
			kept = append(kept, e)
		}
	}
	removed := len(h.retained) - len(kept)
	for i := len(kept); i < len(h.retained); i++ {
		h.retained[i] = retainedEntry{}
	}
	h.retained = kept

	if removed > 0 {
		h.metrics.ObserveExpired(removed)
		h.metrics.SetRetained(len(h.retained))
	}
	return removed
}

// Run sweeps expired messages every sweep interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := h.clock.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := h.Sweep(); n > 0 {
				h.logger.Debug().Int("expired", n).Msg("retained messages expired")
			}
		}
	}
}

// Close ends every subscription and rejects further publishes. It is
// idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
	h.retained = nil
	h.metrics.SetSubscribers(0)
	h.metrics.SetRetained(0)
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscribers: len(h.subs),
		Retained:    len(h.liveLocked(h.clock.Now())),
		Published:   h.published,
		Dropped:     h.dropped,
	}
}

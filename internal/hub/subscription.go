package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/native-helper/helper/internal/overlay"
)

// Subscription is the receive side of one viewer. Its channel is closed when
// the subscription is closed or the hub shuts down.
type Subscription struct {
	id      uuid.UUID
	hub     *Hub
	ch      chan overlay.Message
	dropped uint64 // guarded by hub.mu
	once    sync.Once
}

func newSubscription(h *Hub, buffer int) *Subscription {
	return &Subscription{
		id:  uuid.New(),
		hub: h,
		ch:  make(chan overlay.Message, buffer),
	}
}

// ID identifies the subscription in logs only.
func (s *Subscription) ID() uuid.UUID { return s.id }

// C yields messages in publish order until the subscription ends.
func (s *Subscription) C() <-chan overlay.Message { return s.ch }

// Dropped reports how many messages this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call more than once and concurrently with
// Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

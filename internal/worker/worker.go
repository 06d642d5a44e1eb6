// Package worker defines the lifecycle contract between the session
// dispatcher and the long-running tasks it owns.
//
// A worker is started with the session's Params and returns a Handle. Stop on
// the handle is a non-blocking, cooperative request: it cancels the context
// the worker runs under. Workers must observe that context at least once per
// MaxStopLatency and must not publish after observing it.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/native-helper/helper/internal/overlay"
)

// MaxStopLatency is the coarsest interval at which a worker may check for a
// stop request.
const MaxStopLatency = time.Second

// Params are handed to every worker of a session. Credential is opaque and
// must never be logged.
type Params struct {
	SessionID  string
	Credential string
}

// MarshalZerologObject logs the session id only.
func (p Params) MarshalZerologObject(e *zerolog.Event) {
	e.Str("session_id", p.SessionID)
	e.Bool("has_credential", p.Credential != "")
}

// Starter launches a worker. It returns once the worker is running or has
// failed to start; it must not block for the worker's lifetime.
type Starter interface {
	Start(ctx context.Context, p Params) (*Handle, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, p Params) (*Handle, error)

func (f StarterFunc) Start(ctx context.Context, p Params) (*Handle, error) {
	return f(ctx, p)
}

// Publisher is the part of the overlay hub a worker talks to.
type Publisher interface {
	Publish(msg overlay.Message) error
}

// Handle owns one running worker goroutine.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go runs fn in a new goroutine under a context derived from parent and
// returns its handle. The returned error of fn is available from Err once
// Done is closed.
func Go(parent context.Context, name string, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer cancel()
		err := fn(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

func (h *Handle) Name() string { return h.name }

// Stop requests a cooperative stop and returns immediately. Repeated calls
// are harmless.
func (h *Handle) Stop() { h.cancel() }

// Done is closed once the worker goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports how the worker ended. A worker that returned because it was
// stopped reports nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if errors.Is(h.err, context.Canceled) {
		return nil
	}
	return h.err
}

// Wait blocks until the worker has returned or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink delivers events to an external system. Send may block on I/O.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Async decouples a Sink from the request path with a bounded buffer.
// Events arriving while the buffer is full are dropped and counted.
type Async struct {
	name    string
	sink    Sink
	filter  func(Event) bool
	timeout time.Duration
	events  chan Event
	dropped atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type AsyncOption func(*Async)

// WithFilter forwards only events for which keep returns true.
func WithFilter(keep func(Event) bool) AsyncOption {
	return func(a *Async) {
		a.filter = keep
	}
}

func WithSendTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		a.timeout = d
	}
}

func NewAsync(name string, sink Sink, buffer int, opts ...AsyncOption) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		name:    name,
		sink:    sink,
		timeout: 5 * time.Second,
		events:  make(chan Event, buffer),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// TerminalOnly keeps events that end a request.
func TerminalOnly(e Event) bool {
	return e.Kind.Terminal()
}

func (a *Async) Observe(e Event) {
	if a.filter != nil && !a.filter(e) {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("event sink saturated, dropping events", "sink", a.name, "dropped", n)
		}
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Send(ctx, e); err != nil {
			slog.Warn("event sink send failed", "sink", a.name, "kind", e.Kind, "request_id", e.EnvelopeID, "error", err)
		}
		cancel()
	}
}

// Dropped is the number of events lost to a full buffer.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the buffer is flushed or ctx ends.
// Events observed after Close are counted as dropped.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

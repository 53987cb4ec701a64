// Package queue holds admitted requests until a dispatcher worker takes them.
// Stores are bounded, ordered by priority and then by arrival, and drop
// requests whose deadline passes before dispatch.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

// Store is the bounded holding area between admission and dispatch.
type Store interface {
	// TryEnqueue returns false, leaving env untouched, when the store is full.
	TryEnqueue(ctx context.Context, env *domain.Envelope) (bool, error)
	// DequeueHead returns the highest-priority, earliest-arrival live envelope,
	// or nil when the store is empty.
	DequeueHead(ctx context.Context) (*domain.Envelope, error)
	// Remove takes an arbitrary envelope out of the store. It reports whether
	// the envelope was present; only one of Remove and DequeueHead wins.
	Remove(ctx context.Context, id string) bool
	Size() int
	// Signal receives a value after enqueues. It is a hint, not a count.
	Signal() <-chan struct{}
	Stats() Stats
}

type Stats struct {
	Pending  int    `json:"pending"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Rejected uint64 `json:"rejected"`
	Removed  uint64 `json:"removed"`
	Expired  uint64 `json:"expired"`
}

type options struct {
	now      func() time.Time
	onExpire func(*domain.Envelope)
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithExpiryHook is called after an envelope was finished as timed out in the queue.
func WithExpiryHook(fn func(*domain.Envelope)) Option {
	return func(o *options) {
		o.onExpire = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expire finishes an envelope that was never dispatched.
func (o options) expire(env *domain.Envelope) {
	ok := env.Finish(domain.Outcome{
		State:  domain.StateTimedOut,
		Reason: domain.ReasonQueueTimeout,
		Err:    domain.ErrQueueTimeout,
	})
	if !ok {
		return
	}
	slog.Info("request expired in queue",
		"request_id", env.ID,
		"identity", env.Identity,
		"waited_ms", o.now().Sub(env.ArrivalTime).Milliseconds(),
	)
	if o.onExpire != nil {
		o.onExpire(env)
	}
}

// Sweeper is implemented by stores that can drop expired envelopes eagerly.
type Sweeper interface {
	Sweep(now time.Time) int
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				slog.Debug("queue sweep", "expired", n)
			}
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func clampPriority(p domain.Priority) domain.Priority {
	if p < domain.PriorityLow {
		return domain.PriorityLow
	}
	if p > domain.PriorityHigh {
		return domain.PriorityHigh
	}
	return p
}

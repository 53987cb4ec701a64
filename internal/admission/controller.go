// Package admission turns incoming requests into queued envelopes, or into
// rejections when a rate limit or the queue bound is hit.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
	"github.com/felipepmaragno/streamstack/internal/queue"
	"github.com/felipepmaragno/streamstack/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Config struct {
	// RequestTimeout is the default time from arrival to deadline.
	RequestTimeout time.Duration
	// MaxTimeout caps a per-request timeout.
	MaxTimeout time.Duration
	// Retention keeps finished requests visible to Lookup and idempotency keys.
	Retention   time.Duration
	ChunkBuffer int
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxTimeout < c.RequestTimeout {
		c.MaxTimeout = c.RequestTimeout
	}
	if c.Retention <= 0 {
		c.Retention = time.Minute
	}
}

type SubmitRequest struct {
	Identity  domain.ClientIdentity
	Provider  string
	Request   domain.ChatRequest
	Priority  domain.Priority
	Streaming bool
	// Cost is the token-weighted admission cost; zero estimates it from Request.
	Cost int64
	// Timeout overrides Config.RequestTimeout when positive.
	Timeout        time.Duration
	IdempotencyKey string
}

// Result is the outcome of a successful or rejected Submit.
type Result struct {
	// Envelope is the request handle; nil when the request was rejected.
	Envelope *domain.Envelope
	// Decision is the rate limiter's answer, zero for replays.
	Decision ratelimit.Decision
	// Replayed marks a repeated idempotency key: Envelope is the request
	// admitted first and nothing was charged.
	Replayed bool
}

// Controller owns envelopes from arrival until they are queued, and keeps
// them addressable by id until they finish.
type Controller struct {
	limiter  ratelimit.RateLimiter
	store    queue.Store
	observer events.Observer
	cfg      Config
	newID    func() string
	now      func() time.Time

	mu       sync.RWMutex
	live     map[string]*domain.Envelope
	finished *expirable.LRU[string, *domain.Envelope]
	idem     *expirable.LRU[string, string]

	// pending holds idempotency keys whose first request is being admitted.
	idemMu  sync.Mutex
	pending map[string]chan struct{}

	closed atomic.Bool
	counts sync.Map // events.Kind -> *atomic.Uint64
}

func New(limiter ratelimit.RateLimiter, store queue.Store, observer events.Observer, cfg Config) *Controller {
	cfg.defaults()
	if observer == nil {
		observer = events.Nop{}
	}
	return &Controller{
		limiter:  limiter,
		store:    store,
		observer: observer,
		cfg:      cfg,
		newID:    uuid.NewString,
		now:      time.Now,
		live:     make(map[string]*domain.Envelope),
		finished: expirable.NewLRU[string, *domain.Envelope](0, nil, cfg.Retention),
		idem:     expirable.NewLRU[string, string](0, nil, cfg.MaxTimeout+cfg.Retention),
		pending:  make(map[string]chan struct{}),
	}
}

func idemKey(identity domain.ClientIdentity, key string) string {
	return string(identity) + "\x00" + key
}

// Submit runs the admission algorithm: rate limit, then queue bound. On
// success the returned envelope is queued and serves as the request handle.
// Rejections are *domain.RejectionError. Tokens taken by the rate limiter are
// kept even when the queue is full.
//
// Submits sharing an identity and idempotency key are admitted at most once;
// the others get the first envelope back with Result.Replayed set.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if c.closed.Load() {
		return Result{}, &domain.RejectionError{Reason: domain.ReasonShutdown, Err: domain.ErrShuttingDown}
	}

	if req.IdempotencyKey != "" {
		env, release, err := c.reserve(ctx, req.Identity, req.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if env != nil {
			return Result{Envelope: env, Replayed: true}, nil
		}
		defer release()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}
	cost := req.Cost
	if cost <= 0 {
		cost = domain.EstimateTokens(req.Request)
	}

	env := domain.NewEnvelope(domain.EnvelopeParams{
		ID:             c.newID(),
		Identity:       req.Identity,
		ArrivalTime:    c.now(),
		Timeout:        timeout,
		Priority:       req.Priority,
		Provider:       req.Provider,
		Streaming:      req.Streaming,
		Cost:           cost,
		IdempotencyKey: req.IdempotencyKey,
		Request:        req.Request,
		ChunkBuffer:    c.cfg.ChunkBuffer,
	})

	decision, err := c.limiter.TryAcquire(ctx, req.Identity, cost)
	if err != nil {
		reason := domain.ReasonRateLimited
		if errors.Is(err, domain.ErrDependencyUnavailable) {
			reason = domain.ReasonDependencyFailure
		} else if errors.Is(err, domain.ErrCostExceedsCapacity) {
			err = fmt.Errorf("%w: %w", domain.ErrRateLimitExceeded, err)
		}
		return Result{Decision: decision}, c.reject(env, domain.StateRejectedByRateLimit, reason, 0, err)
	}
	if !decision.Granted {
		return Result{Decision: decision}, c.reject(env, domain.StateRejectedByRateLimit, domain.ReasonRateLimited, decision.RetryAfter, domain.ErrRateLimitExceeded)
	}

	env.Transition(domain.StateReceived, domain.StateAdmitted)
	env.Transition(domain.StateAdmitted, domain.StateQueued)
	c.track(env)

	ok, err := c.store.TryEnqueue(ctx, env)
	if err != nil || !ok {
		c.untrack(env, false)
		reason := domain.ReasonQueueFull
		if err != nil {
			reason = domain.ReasonDependencyFailure
		} else {
			err = domain.ErrQueueFull
		}
		return Result{Decision: decision}, c.reject(env, domain.StateRejectedByQueueFull, reason, 0, err)
	}

	c.emit(events.ForEnvelope(events.KindAdmitted, env))
	return Result{Envelope: env, Decision: decision}, nil
}

func (c *Controller) reject(env *domain.Envelope, state domain.State, reason domain.Reason, retryAfter time.Duration, err error) error {
	env.Finish(domain.Outcome{State: state, Reason: reason, Err: err})
	e := events.Finished(env)
	e.RetryAfter = retryAfter
	c.emit(e)
	return &domain.RejectionError{Reason: reason, RetryAfter: retryAfter, Err: err}
}

func (c *Controller) track(env *domain.Envelope) {
	c.mu.Lock()
	c.live[env.ID] = env
	c.mu.Unlock()
	if env.IdempotencyKey != "" {
		c.idem.Add(idemKey(env.Identity, env.IdempotencyKey), env.ID)
	}
}

func (c *Controller) untrack(env *domain.Envelope, retain bool) {
	c.mu.Lock()
	delete(c.live, env.ID)
	c.mu.Unlock()

	if retain {
		c.finished.Add(env.ID, env)
		if env.IdempotencyKey != "" {
			c.idem.Add(idemKey(env.Identity, env.IdempotencyKey), env.ID)
		}
	} else if env.IdempotencyKey != "" {
		c.idem.Remove(idemKey(env.Identity, env.IdempotencyKey))
	}
}

// reserve returns the envelope already holding the idempotency key, or claims
// the key for the caller. A claimed key must be released once the request is
// tracked or rejected; concurrent callers wait for that release.
func (c *Controller) reserve(ctx context.Context, identity domain.ClientIdentity, key string) (*domain.Envelope, func(), error) {
	k := idemKey(identity, key)
	for {
		c.idemMu.Lock()
		if id, ok := c.idem.Get(k); ok {
			if env, ok := c.Lookup(id); ok {
				c.idemMu.Unlock()
				return env, nil, nil
			}
		}
		wait, busy := c.pending[k]
		if !busy {
			claimed := make(chan struct{})
			c.pending[k] = claimed
			c.idemMu.Unlock()
			return nil, func() {
				c.idemMu.Lock()
				delete(c.pending, k)
				c.idemMu.Unlock()
				close(claimed)
			}, nil
		}
		c.idemMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Lookup returns a live or recently finished envelope.
func (c *Controller) Lookup(id string) (*domain.Envelope, bool) {
	c.mu.RLock()
	env, ok := c.live[id]
	c.mu.RUnlock()
	if ok {
		return env, true
	}
	return c.finished.Get(id)
}

// Subscribe returns the envelope whose Chunks and Wait deliver the result.
func (c *Controller) Subscribe(id string) (*domain.Envelope, error) {
	env, ok := c.Lookup(id)
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	return env, nil
}

// Cancel asks a request to stop. A queued request is removed and finished
// here; a dispatched one is finished by its worker once it observes the
// cancellation.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.RLock()
	env, ok := c.live[id]
	c.mu.RUnlock()

	if !ok {
		if _, done := c.finished.Get(id); done {
			return domain.ErrAlreadyFinished
		}
		return domain.ErrRequestNotFound
	}
	if !env.Cancel() {
		return domain.ErrAlreadyFinished
	}

	if c.store.Remove(ctx, id) {
		env.Finish(domain.Outcome{State: domain.StateCancelled, Reason: domain.ReasonCancelled, Err: domain.ErrCancelled})
		c.Finished(env)
	}
	return nil
}

// Finished records the terminal outcome of env: it stops being live and its
// terminal event is emitted. Queue expiry and the dispatcher call it after
// env.Finish.
func (c *Controller) Finished(env *domain.Envelope) {
	c.untrack(env, true)
	c.emit(events.Finished(env))
}

// Observe forwards events emitted outside the controller, such as dispatch.
func (c *Controller) Observe(e events.Event) {
	c.emit(e)
}

func (c *Controller) emit(e events.Event) {
	v, _ := c.counts.LoadOrStore(e.Kind, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
	c.observer.Observe(e)
}

// Counts returns the number of events seen per kind.
func (c *Controller) Counts() map[events.Kind]uint64 {
	out := make(map[events.Kind]uint64)
	c.counts.Range(func(k, v any) bool {
		out[k.(events.Kind)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Live is the number of requests not yet finished.
func (c *Controller) Live() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// Close makes every later Submit fail with domain.ErrShuttingDown.
func (c *Controller) Close() {
	c.closed.Store(true)
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	return c.closed.Load()
}

// CancelAll cancels every live request, for shutdown after the drain timeout.
func (c *Controller) CancelAll(ctx context.Context) int {
	c.mu.RLock()
	ids := make([]string, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if c.Cancel(ctx, id) == nil {
			n++
		}
	}
	return n
}

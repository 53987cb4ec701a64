// Package dispatch pulls admitted requests off the queue and runs them
// against their provider with a bounded pool of workers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
	"github.com/felipepmaragno/streamstack/internal/queue"
	"github.com/felipepmaragno/streamstack/internal/registry"
	"github.com/felipepmaragno/streamstack/internal/stream"
	"github.com/felipepmaragno/streamstack/internal/telemetry"
)

type Config struct {
	Workers        int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PollInterval bounds how long an idle worker sleeps when it misses a
	// queue signal, e.g. for envelopes enqueued by another instance.
	PollInterval time.Duration
	Relay        stream.Config
}

func DefaultConfig() Config {
	return Config{
		Workers:        16,
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		PollInterval:   time.Second,
		Relay: stream.Config{
			Window:       stream.DefaultWindow,
			StallTimeout: stream.DefaultStallTimeout,
		},
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// Resolver maps a provider name to an instance.
type Resolver interface {
	Resolve(name string) (registry.Provider, error)
}

type Option func(*Dispatcher)

func WithObserver(o events.Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithFinishHook is called once for every envelope the dispatcher finishes,
// after its outcome is set.
func WithFinishHook(fn func(*domain.Envelope)) Option {
	return func(d *Dispatcher) {
		d.finished = fn
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

type Dispatcher struct {
	store    queue.Store
	resolver Resolver
	cfg      Config
	observer events.Observer
	finished func(*domain.Envelope)
	tracer   trace.Tracer
	now      func() time.Time

	stopping chan struct{}
	stopOnce sync.Once
	abort    context.CancelCauseFunc
	started  chan struct{}
	done     chan struct{}
	active   atomic.Int64
}

func New(store queue.Store, resolver Resolver, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		observer: events.Nop{},
		finished: func(*domain.Envelope) {},
		tracer:   telemetry.Tracer(),
		now:      time.Now,
		stopping: make(chan struct{}),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until Shutdown is called or ctx is done. Cancelling ctx aborts
// in-flight requests; Shutdown lets them finish first.
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	d.abort = abort
	close(d.started)
	defer close(d.done)

	slog.Info("dispatcher started", "workers", d.cfg.Workers, "max_retries", d.cfg.MaxRetries)

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return d.worker(gctx, id)
		})
	}
	err := g.Wait()

	slog.Info("dispatcher stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown drains the dispatcher: workers keep pulling until the store is
// empty, then exit once their current request finishes. When ctx expires
// first the in-flight requests are aborted and finish as failed with reason
// shutdown; anything still queued is left to the caller.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopping) })

	select {
	case <-d.started:
	default:
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
	}

	slog.Warn("drain timeout reached, aborting in-flight requests", "active", d.Active())
	d.abort(domain.ErrShuttingDown)
	<-d.done
	return ctx.Err()
}

// Running reports whether workers are pulling new requests: Run has started
// and neither Shutdown nor the end of Run has happened.
func (d *Dispatcher) Running() bool {
	select {
	case <-d.started:
	default:
		return false
	}
	select {
	case <-d.stopping:
		return false
	case <-d.done:
		return false
	default:
		return true
	}
}

// Active is the number of requests currently held by a worker.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

func (d *Dispatcher) draining() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) error {
	idle := time.NewTimer(d.cfg.PollInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		env, err := d.store.DequeueHead(ctx)
		if err != nil {
			slog.Warn("dequeue failed", "worker", id, "error", err)
		}
		if env != nil {
			d.process(ctx, env)
			continue
		}
		if d.draining() {
			return nil
		}

		idle.Reset(d.cfg.PollInterval)
		select {
		case <-d.store.Signal():
		case <-idle.C:
		case <-d.stopping:
		case <-ctx.Done():
		}
	}
	return nil
}

func (d *Dispatcher) process(runCtx context.Context, env *domain.Envelope) {
	if !env.Transition(domain.StateQueued, domain.StateDispatched) {
		slog.Debug("skipping envelope not in queued state", "request_id", env.ID, "state", env.State())
		return
	}
	d.active.Add(1)
	defer d.active.Add(-1)

	if env.Cancelled() {
		d.finish(env, domain.Outcome{State: domain.StateCancelled, Reason: domain.ReasonCancelled, Err: domain.ErrCancelled})
		return
	}
	if env.Expired(d.now()) {
		d.finish(env, domain.Outcome{State: domain.StateTimedOut, Reason: domain.ReasonQueueTimeout, Err: domain.ErrQueueTimeout})
		return
	}

	p, err := d.resolver.Resolve(env.Provider)
	if err != nil {
		d.finish(env, domain.Outcome{State: domain.StateFailed, Reason: domain.ReasonProviderNotFound, Err: err})
		return
	}

	d.observer.Observe(events.ForEnvelope(events.KindDispatched, env))

	ctx, cancel := context.WithCancelCause(env.Context())
	defer cancel(nil)
	stop := context.AfterFunc(runCtx, func() { cancel(domain.ErrShuttingDown) })
	defer stop()

	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()
	telemetry.AddRequestAttributes(span, string(env.Identity), env.Provider, env.Request.Model, env.ID)

	var out domain.Outcome
	if env.Streaming {
		out = d.stream(ctx, env, p)
	} else {
		out = d.complete(ctx, env, p)
	}
	out.Provider = env.Provider

	if out.Err != nil {
		telemetry.AddErrorAttribute(span, out.Err)
	}
	if out.Response != nil {
		telemetry.AddTokenAttributes(span, out.Response.Usage.PromptTokens, out.Response.Usage.CompletionTokens)
	}
	telemetry.AddOutcomeAttributes(span, out.State.String(), string(out.Reason))

	d.finish(env, out)
}

func (d *Dispatcher) finish(env *domain.Envelope, out domain.Outcome) {
	if !env.Finish(out) {
		return
	}
	slog.Debug("request finished",
		"request_id", env.ID,
		"provider", out.Provider,
		"state", out.State,
		"reason", out.Reason,
		"attempts", out.Attempts,
		"latency_ms", env.Latency().Milliseconds(),
	)
	d.finished(env)
}

func (d *Dispatcher) complete(ctx context.Context, env *domain.Envelope, p registry.Provider) domain.Outcome {
	attempts := 0
	resp, err := retry(ctx, d.retryPolicy(env), func() (*domain.ChatResponse, error) {
		attempts++
		actx, span := d.tracer.Start(ctx, "provider.chat_completion")
		defer span.End()
		telemetry.AddAttemptAttributes(span, attempts, false)

		resp, err := p.ChatCompletion(actx, env.Request)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
		}
		return resp, err
	})

	if err != nil {
		return failure(err, attempts)
	}
	return domain.Outcome{State: domain.StateCompleted, Response: resp, Attempts: attempts}
}

func (d *Dispatcher) stream(ctx context.Context, env *domain.Envelope, p registry.Provider) domain.Outcome {
	var (
		attempts int
		emitted  int64
		content  strings.Builder
		model    string
	)

	_, err := retry(ctx, d.retryPolicy(env), func() (stream.Result, error) {
		attempts++
		actx, span := d.tracer.Start(ctx, "provider.chat_completion_stream")
		defer span.End()
		telemetry.AddAttemptAttributes(span, attempts, true)

		callCtx, cancel := context.WithCancel(actx)
		defer cancel()

		relay := stream.New(env.ID, env.Sink(), d.cfg.Relay).Tap(func(c domain.StreamChunk) {
			content.WriteString(c.Content())
			if c.Model != "" {
				model = c.Model
			}
		})
		chunks, errs := p.ChatCompletionStream(callCtx, env.Request)
		res := relay.Run(callCtx, chunks, errs)
		emitted += res.Emitted

		if res.Err != nil {
			telemetry.AddErrorAttribute(span, res.Err)
			// Once the caller has seen output a new attempt would duplicate it.
			if res.Emitted > 0 {
				return res, permanent(res.Err)
			}
		}
		return res, res.Err
	})

	if err != nil {
		out := failure(err, attempts)
		if emitted > 0 && out.Reason == domain.ReasonRetriesExhausted {
			out.Reason = domain.ReasonProviderError
		}
		return out
	}

	if model == "" {
		model = env.Request.Model
	}
	prompt := int(domain.EstimateTokens(domain.ChatRequest{Messages: env.Request.Messages}))
	completion := content.Len()/4 + 1
	resp := &domain.ChatResponse{
		ID:     env.ID,
		Object: "chat.completion",
		Model:  model,
		Choices: []domain.Choice{{
			Message:      &domain.Message{Role: "assistant", Content: content.String()},
			FinishReason: "stop",
		}},
		Usage: domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
	slog.Debug("stream relayed", "request_id", env.ID, "chunks", emitted, "attempts", attempts)
	return domain.Outcome{State: domain.StateCompleted, Response: resp, Attempts: attempts}
}

// failure maps the error that ended a request to its terminal state.
func failure(err error, attempts int) domain.Outcome {
	out := domain.Outcome{State: domain.StateFailed, Err: err, Attempts: attempts}
	switch {
	case errors.Is(err, domain.ErrCancelled):
		out.State, out.Reason = domain.StateCancelled, domain.ReasonCancelled
	case errors.Is(err, domain.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		out.State, out.Reason = domain.StateTimedOut, domain.ReasonDeadlineExceeded
	case errors.Is(err, domain.ErrShuttingDown):
		out.Reason = domain.ReasonShutdown
	case errors.Is(err, domain.ErrDownstreamStalled):
		out.Reason = domain.ReasonDownstreamStalled
	case errors.Is(err, domain.ErrStreamTruncated):
		out.Reason = domain.ReasonStreamTruncated
	case domain.IsRetryable(err):
		out.Reason = domain.ReasonRetriesExhausted
	default:
		out.Reason = domain.ReasonProviderError
	}
	return out
}

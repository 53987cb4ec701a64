package domain

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a request inside the gateway.
type State int32

const (
	StateReceived State = iota
	StateAdmitted
	StateQueued
	StateDispatched
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
	StateRejectedByRateLimit
	StateRejectedByQueueFull
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAdmitted:
		return "admitted"
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateRejectedByRateLimit:
		return "rejected_rate_limit"
	case StateRejectedByQueueFull:
		return "rejected_queue_full"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Reason is the stable code reported to callers for rejections and terminal failures.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRateLimited       Reason = "rate_limited"
	ReasonQueueFull         Reason = "queue_full"
	ReasonProviderNotFound  Reason = "provider_not_found"
	ReasonProviderError     Reason = "provider_error"
	ReasonRetriesExhausted  Reason = "retries_exhausted"
	ReasonQueueTimeout      Reason = "queue_timeout"
	ReasonDeadlineExceeded  Reason = "deadline_exceeded"
	ReasonCancelled         Reason = "cancelled"
	ReasonDownstreamStalled Reason = "downstream_stalled"
	ReasonStreamTruncated   Reason = "stream_truncated"
	ReasonDependencyFailure Reason = "dependency_unavailable"
	ReasonShutdown          Reason = "shutdown"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = 3

func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Outcome is the terminal result of a request.
type Outcome struct {
	State      State
	Reason     Reason
	Response   *ChatResponse
	Err        error
	Provider   string
	Attempts   int
	FinishedAt time.Time
}

// EnvelopeParams carries the immutable fields of a new envelope.
type EnvelopeParams struct {
	ID             string
	Identity       ClientIdentity
	ArrivalTime    time.Time
	Timeout        time.Duration
	Priority       Priority
	Provider       string
	Streaming      bool
	Cost           int64
	IdempotencyKey string
	Request        ChatRequest
	ChunkBuffer    int
}

// Envelope wraps one admitted request. All exported fields are fixed at
// creation; the state, cancellation token and outcome are the only mutable parts.
type Envelope struct {
	ID             string
	Identity       ClientIdentity
	ArrivalTime    time.Time
	Deadline       time.Time
	Priority       Priority
	Provider       string
	Streaming      bool
	Cost           int64
	IdempotencyKey string
	Request        ChatRequest

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stop     context.CancelFunc
	chunks   chan StreamChunk
	consumer atomic.Bool
	done     chan struct{}
	outcome  Outcome
}

func NewEnvelope(p EnvelopeParams) *Envelope {
	if p.ChunkBuffer <= 0 {
		p.ChunkBuffer = 16
	}
	if p.ArrivalTime.IsZero() {
		p.ArrivalTime = time.Now()
	}

	base, cancel := context.WithCancelCause(context.Background())
	deadline := p.ArrivalTime.Add(p.Timeout)
	ctx, stop := context.WithDeadlineCause(base, deadline, ErrDeadlineExceeded)

	e := &Envelope{
		ID:             p.ID,
		Identity:       p.Identity,
		ArrivalTime:    p.ArrivalTime,
		Deadline:       deadline,
		Priority:       p.Priority,
		Provider:       p.Provider,
		Streaming:      p.Streaming,
		Cost:           p.Cost,
		IdempotencyKey: p.IdempotencyKey,
		Request:        p.Request,
		ctx:            ctx,
		cancel:         cancel,
		stop:           stop,
		chunks:         make(chan StreamChunk, p.ChunkBuffer),
		done:           make(chan struct{}),
	}
	e.state.Store(int32(StateReceived))
	return e
}

func (e *Envelope) State() State {
	return State(e.state.Load())
}

// Transition moves the envelope from one non-terminal state to another.
// It fails if the current state is not from or if to is terminal.
func (e *Envelope) Transition(from, to State) bool {
	if to.Terminal() {
		return false
	}
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// Context is the cancellation token for the request. It is done when the
// caller cancels, when the deadline passes, or when the request finishes.
func (e *Envelope) Context() context.Context {
	return e.ctx
}

// Cancel requests cooperative cancellation. The current owner of the envelope
// observes it at its next suspension point. Returns false if already terminal.
func (e *Envelope) Cancel() bool {
	if e.State().Terminal() {
		return false
	}
	e.cancel(ErrCancelled)
	return true
}

// Cancelled reports whether the caller asked for cancellation.
func (e *Envelope) Cancelled() bool {
	return context.Cause(e.ctx) == ErrCancelled
}

// Expired reports whether the deadline has passed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return !now.Before(e.Deadline)
}

// Remaining is the time budget left before the deadline.
func (e *Envelope) Remaining(now time.Time) time.Duration {
	return e.Deadline.Sub(now)
}

// Chunks is the caller-facing stream. It is closed when the request finishes.
func (e *Envelope) Chunks() <-chan StreamChunk {
	return e.chunks
}

// ClaimChunks reserves Chunks for a single reader. Only the first call
// returns true.
func (e *Envelope) ClaimChunks() bool {
	return e.consumer.CompareAndSwap(false, true)
}

// Sink is the write side of Chunks. Only the dispatcher's relay writes to it.
func (e *Envelope) Sink() chan<- StreamChunk {
	return e.chunks
}

// Done is closed once the outcome is set.
func (e *Envelope) Done() <-chan struct{} {
	return e.done
}

// Outcome returns the terminal result. It is only meaningful after Done is closed.
func (e *Envelope) Outcome() Outcome {
	select {
	case <-e.done:
		return e.outcome
	default:
		return Outcome{State: e.State()}
	}
}

// Wait blocks until the request finishes or ctx is done.
func (e *Envelope) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.done:
		return e.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Finish records the terminal outcome exactly once. Only the current owner
// (admission, queue store or dispatcher) may call it, after it stopped writing
// to Sink. Returns false if the envelope was already terminal.
func (e *Envelope) Finish(o Outcome) bool {
	if !o.State.Terminal() {
		return false
	}
	for {
		cur := e.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(o.State)) {
			break
		}
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	e.outcome = o
	close(e.chunks)
	close(e.done)
	e.stop()
	e.cancel(nil)
	return true
}

// Latency is the time from arrival to finish, or to now while still running.
func (e *Envelope) Latency() time.Duration {
	select {
	case <-e.done:
		return e.outcome.FinishedAt.Sub(e.ArrivalTime)
	default:
		return time.Since(e.ArrivalTime)
	}
}

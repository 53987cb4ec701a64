// Package events carries request lifecycle events from the gateway core to
// logs, metrics and external sinks.
package events

import (
	"log/slog"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type Kind string

const (
	KindAdmitted          Kind = "admitted"
	KindRejectedRateLimit Kind = "rejected_rate_limit"
	KindRejectedQueueFull Kind = "rejected_queue_full"
	KindDispatched        Kind = "dispatched"
	KindCompleted         Kind = "completed"
	KindFailed            Kind = "failed"
	KindTimedOut          Kind = "timed_out"
	KindCancelled         Kind = "cancelled"
)

// Terminal reports whether the kind ends a request.
func (k Kind) Terminal() bool {
	switch k {
	case KindAdmitted, KindDispatched:
		return false
	default:
		return true
	}
}

type Event struct {
	Kind       Kind                  `json:"kind"`
	EnvelopeID string                `json:"request_id,omitempty"`
	Identity   domain.ClientIdentity `json:"identity"`
	Provider   string                `json:"provider,omitempty"`
	Model      string                `json:"model,omitempty"`
	Priority   domain.Priority       `json:"priority"`
	Streaming  bool                  `json:"streaming"`
	Latency    time.Duration         `json:"latency_ns"`
	Reason     domain.Reason         `json:"reason,omitempty"`
	Err        error                 `json:"-"`
	Attempts   int                   `json:"attempts,omitempty"`
	Usage      *domain.Usage         `json:"usage,omitempty"`
	RetryAfter time.Duration         `json:"retry_after_ns,omitempty"`
	Time       time.Time             `json:"time"`
}

// Observer receives events synchronously on the request path and must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Multi fans an event out to several observers in order.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Observe(Event) {}

// KindForState maps a terminal envelope state to its event kind.
func KindForState(s domain.State) Kind {
	switch s {
	case domain.StateCompleted:
		return KindCompleted
	case domain.StateTimedOut:
		return KindTimedOut
	case domain.StateCancelled:
		return KindCancelled
	case domain.StateRejectedByRateLimit:
		return KindRejectedRateLimit
	case domain.StateRejectedByQueueFull:
		return KindRejectedQueueFull
	case domain.StateDispatched:
		return KindDispatched
	case domain.StateQueued, domain.StateAdmitted:
		return KindAdmitted
	default:
		return KindFailed
	}
}

// ForEnvelope builds an event of the given kind for env.
func ForEnvelope(kind Kind, env *domain.Envelope) Event {
	return Event{
		Kind:       kind,
		EnvelopeID: env.ID,
		Identity:   env.Identity,
		Provider:   env.Provider,
		Model:      env.Request.Model,
		Priority:   env.Priority,
		Streaming:  env.Streaming,
		Latency:    env.Latency(),
		Time:       time.Now(),
	}
}

// Finished builds the terminal event from env's outcome.
func Finished(env *domain.Envelope) Event {
	out := env.Outcome()
	e := ForEnvelope(KindForState(out.State), env)
	e.Reason = out.Reason
	e.Err = out.Err
	e.Attempts = out.Attempts
	if out.Provider != "" {
		e.Provider = out.Provider
	}
	if out.Response != nil {
		usage := out.Response.Usage
		e.Usage = &usage
	}
	return e
}

// LogObserver writes one structured log line per event.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) Observe(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"request_id", e.EnvelopeID,
		"identity", e.Identity,
		"latency_ms", e.Latency.Milliseconds(),
	}
	if e.Provider != "" {
		attrs = append(attrs, "provider", e.Provider)
	}
	if e.Reason != domain.ReasonNone {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Attempts > 0 {
		attrs = append(attrs, "attempts", e.Attempts)
	}
	if e.RetryAfter > 0 {
		attrs = append(attrs, "retry_after_ms", e.RetryAfter.Milliseconds())
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	msg := "request " + string(e.Kind)
	switch e.Kind {
	case KindFailed:
		logger.Error(msg, attrs...)
	case KindRejectedRateLimit, KindRejectedQueueFull, KindTimedOut:
		logger.Warn(msg, attrs...)
	case KindAdmitted, KindDispatched:
		logger.Debug(msg, attrs...)
	default:
		logger.Info(msg, attrs...)
	}
}

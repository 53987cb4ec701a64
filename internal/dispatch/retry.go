package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type retryPolicy struct {
	requestID string
	provider  string
	maxTries  uint
	budget    time.Duration
	initial   time.Duration
	max       time.Duration
}

// retryPolicy allows MaxRetries extra attempts, none of which may start a
// backoff wait that ends past the envelope's deadline.
func (d *Dispatcher) retryPolicy(env *domain.Envelope) retryPolicy {
	budget := env.Remaining(d.now())
	if budget <= 0 {
		budget = time.Nanosecond
	}
	return retryPolicy{
		requestID: env.ID,
		provider:  env.Provider,
		maxTries:  uint(d.cfg.MaxRetries) + 1,
		budget:    budget,
		initial:   d.cfg.InitialBackoff,
		max:       d.cfg.MaxBackoff,
	}
}

func permanent(err error) error {
	return backoff.Permanent(err)
}

// retry runs op until it succeeds, fails with a non-retryable error, runs
// out of attempts or budget, or ctx is done. A done ctx always reports its
// cause rather than whatever the provider made of the cancellation.
func retry[T any](ctx context.Context, p retryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.Multiplier = 2

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if cause := context.Cause(ctx); cause != nil {
			return v, backoff.Permanent(cause)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) || !domain.IsRetryable(err) {
			return v, backoff.Permanent(unwrapPermanent(err))
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithMaxElapsedTime(p.budget),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("retrying provider call",
				"request_id", p.requestID,
				"provider", p.provider,
				"attempt", attempt,
				"wait_ms", wait.Milliseconds(),
				"error", err,
			)
		}),
	)
	return v, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	for errors.As(err, &perm) {
		err = perm.Err
	}
	return err
}

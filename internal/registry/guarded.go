package registry

import (
	"context"
	"errors"

	"github.com/felipepmaragno/streamstack/internal/circuitbreaker"
	"github.com/felipepmaragno/streamstack/internal/domain"
)

// guarded reports every call outcome to the provider's circuit breaker.
// Transient failures count against the provider; semantic errors prove it is
// reachable; cancellations say nothing about it.
type guarded struct {
	Provider
	name string
	cb   circuitbreaker.CircuitBreaker
}

func (g *guarded) ID() string {
	return g.name
}

func (g *guarded) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		g.cb.RecordSuccess(ctx)
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case domain.IsRetryable(err):
		g.cb.RecordFailure(context.WithoutCancel(ctx))
	default:
		g.cb.RecordSuccess(ctx)
	}
}

func (g *guarded) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := g.cb.Allow(ctx); err != nil {
		return nil, err
	}
	resp, err := g.Provider.ChatCompletion(ctx, req)
	g.record(ctx, err)
	return resp, err
}

func (g *guarded) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	if err := g.cb.Allow(ctx); err != nil {
		return failed(err)
	}

	upChunks, upErrs := g.Provider.ChatCompletionStream(ctx, req)
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		for upChunks != nil || upErrs != nil {
			select {
			case <-ctx.Done():
				g.record(ctx, ctx.Err())
				return
			case err, ok := <-upErrs:
				if !ok {
					upErrs = nil
					continue
				}
				if err != nil {
					g.record(ctx, err)
					errs <- err
					return
				}
			case c, ok := <-upChunks:
				if !ok {
					upChunks = nil
					continue
				}
				select {
				case chunks <- c:
				case <-ctx.Done():
					g.record(ctx, ctx.Err())
					return
				}
				if c.Final {
					g.record(ctx, nil)
					return
				}
			}
		}
		g.record(ctx, domain.ErrStreamTruncated)
	}()

	return chunks, errs
}

// failed returns a stream that ends immediately with err.
func failed(err error) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}

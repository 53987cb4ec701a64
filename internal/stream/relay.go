// Package stream relays incremental provider output to the caller in order.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

const (
	DefaultWindow       = 8
	DefaultStallTimeout = 5 * time.Second
)

type Config struct {
	// Window is how far ahead of the next expected sequence number a chunk
	// may arrive and still be buffered.
	Window int
	// StallTimeout bounds each send to the caller.
	StallTimeout time.Duration
}

type Result struct {
	Emitted int64
	Dropped int
	Final   bool
	// Err is nil when the final chunk was delivered.
	Err error
}

// Relay reorders one upstream chunk sequence into strictly increasing
// sequence numbers on out. A Relay is used for a single attempt.
type Relay struct {
	cfg       Config
	requestID string
	out       chan<- domain.StreamChunk

	next    int64
	dropped int
	buf     []domain.StreamChunk
	have    []bool
	tap     func(domain.StreamChunk)
}

func New(requestID string, out chan<- domain.StreamChunk, cfg Config) *Relay {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	return &Relay{
		cfg:       cfg,
		requestID: requestID,
		out:       out,
		buf:       make([]domain.StreamChunk, cfg.Window),
		have:      make([]bool, cfg.Window),
	}
}

// Tap registers fn to see every chunk after it was delivered.
func (r *Relay) Tap(fn func(domain.StreamChunk)) *Relay {
	r.tap = fn
	return r
}

// Emitted is the number of chunks delivered so far.
func (r *Relay) Emitted() int64 {
	return r.next
}

// Run consumes chunks and errs until the final chunk is delivered, upstream
// fails, ctx is done or the caller stalls. It returns exactly once.
func (r *Relay) Run(ctx context.Context, chunks <-chan domain.StreamChunk, errs <-chan error) Result {
	for {
		select {
		case <-ctx.Done():
			return r.result(context.Cause(ctx))

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return r.result(err)
			}

		case c, ok := <-chunks:
			if !ok {
				return r.result(r.drainErr(ctx, errs))
			}
			final, err := r.accept(ctx, c)
			if err != nil {
				return r.result(err)
			}
			if final {
				return Result{Emitted: r.next, Dropped: r.dropped, Final: true}
			}
		}
	}
}

// drainErr waits for a trailing upstream error once chunks are closed.
func (r *Relay) drainErr(ctx context.Context, errs <-chan error) error {
	if errs != nil {
		select {
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return domain.ErrStreamTruncated
}

// accept buffers c and flushes every contiguous chunk starting at next.
func (r *Relay) accept(ctx context.Context, c domain.StreamChunk) (bool, error) {
	window := int64(len(r.buf))
	switch {
	case c.Seq < r.next:
		r.drop(c, "duplicate")
		return false, nil
	case c.Seq >= r.next+window:
		r.drop(c, "beyond window")
		return false, nil
	}

	slot := c.Seq % window
	if r.have[slot] {
		r.drop(c, "duplicate")
		return false, nil
	}
	r.buf[slot] = c
	r.have[slot] = true

	for {
		slot := r.next % window
		if !r.have[slot] {
			return false, nil
		}
		chunk := r.buf[slot]
		r.buf[slot] = domain.StreamChunk{}
		r.have[slot] = false

		if err := r.emit(ctx, chunk); err != nil {
			return false, err
		}
		r.next++
		if r.tap != nil {
			r.tap(chunk)
		}
		if chunk.Final {
			return true, nil
		}
	}
}

func (r *Relay) emit(ctx context.Context, c domain.StreamChunk) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	select {
	case r.out <- c:
		return nil
	default:
	}

	timer := time.NewTimer(r.cfg.StallTimeout)
	defer timer.Stop()

	select {
	case r.out <- c:
		return nil
	case <-timer.C:
		return domain.ErrDownstreamStalled
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (r *Relay) drop(c domain.StreamChunk, why string) {
	r.dropped++
	slog.Debug("stream chunk dropped",
		"request_id", r.requestID,
		"seq", c.Seq,
		"next", r.next,
		"reason", why,
	)
}

func (r *Relay) result(err error) Result {
	return Result{Emitted: r.next, Dropped: r.dropped, Err: err}
}

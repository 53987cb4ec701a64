package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrQueueFull             = errors.New("queue full")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrProviderError         = errors.New("provider error")
	ErrTransientProvider     = errors.New("transient provider error")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrQueueTimeout          = errors.New("request timed out in queue")
	ErrDeadlineExceeded      = errors.New("request deadline exceeded")
	ErrCancelled             = errors.New("request cancelled")
	ErrDownstreamStalled     = errors.New("downstream stalled")
	ErrStreamTruncated       = errors.New("stream ended without final chunk")
	ErrRequestNotFound       = errors.New("request not found")
	ErrAlreadyFinished       = errors.New("request already finished")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrDependencyUnavailable = errors.New("shared state unavailable")
	ErrCostExceedsCapacity   = errors.New("request cost exceeds bucket capacity")
	ErrShuttingDown          = errors.New("gateway shutting down")
)

// RejectionError is returned by admission when a request never enters the queue.
type RejectionError struct {
	Reason     Reason
	RetryAfter time.Duration
	Err        error
}

func (e *RejectionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %s", e.Reason, e.RetryAfter)
	}
	return string(e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// ProviderError classifies a failure reported by a backend adapter.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status=%d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the broad transient/semantic classes.
func (e *ProviderError) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransientProvider
	}
	return target == ErrProviderError
}

// NewStatusError builds a ProviderError from an HTTP status returned by a vendor.
// 408, 429 and 5xx are retryable; any other status is a semantic failure.
func NewStatusError(provider string, status int, body string) *ProviderError {
	retryable := status == 408 || status == 429 || status >= 500
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  retryable,
		Err:        errors.New(body),
	}
}

// NewTransportError wraps a network-level failure; these are always retryable.
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Retryable: true,
		Err:       err,
	}
}

// IsRetryable reports whether err may be retried against the same provider.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return true
	}
	return errors.Is(err, ErrTransientProvider)
}

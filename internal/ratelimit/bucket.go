package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Limit describes a bucket: Capacity tokens at most, refilled by Amount tokens
// every Period. A zero Limit means the dimension is not enforced.
type Limit struct {
	Capacity int64         `yaml:"capacity"`
	Amount   int64         `yaml:"amount"`
	Period   time.Duration `yaml:"period"`
}

// PerMinute builds a limit refilling rpm tokens per minute. A burst of zero
// makes the capacity equal to rpm.
func PerMinute(rpm, burst int64) Limit {
	if rpm <= 0 {
		return Limit{}
	}
	if burst <= 0 {
		burst = rpm
	}
	return Limit{Capacity: burst, Amount: rpm, Period: time.Minute}
}

func (l Limit) Enabled() bool {
	return l.Capacity > 0
}

func (l Limit) Validate() error {
	if !l.Enabled() {
		return nil
	}
	if l.Amount <= 0 || l.Period <= 0 {
		return fmt.Errorf("limit with capacity %d needs a positive refill", l.Capacity)
	}
	if l.Capacity > math.MaxInt64/int64(l.Period) {
		return fmt.Errorf("capacity %d too large for period %s", l.Capacity, l.Period)
	}
	return nil
}

// FillTime is how long an empty bucket takes to become full.
func (l Limit) FillTime() time.Duration {
	if !l.Enabled() {
		return 0
	}
	return time.Duration(ceilDiv(l.Capacity*int64(l.Period), l.Amount))
}

// TokenBucket is a lazily refilled bucket using integer arithmetic only.
// The sub-token progress is kept in remainder, measured in token-nanoseconds
// scaled by Amount, so repeated short refills never lose time to truncation.
//
// Methods other than TryTake expect the caller to hold mu.
type TokenBucket struct {
	mu        sync.Mutex
	limit     Limit
	tokens    int64
	remainder int64
	last      time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(l Limit, now time.Time) *TokenBucket {
	return &TokenBucket{
		limit:  l,
		tokens: l.Capacity,
		last:   now,
	}
}

// TryTake refills, then debits cost if available. On denial it returns the
// wait until cost tokens would be present.
func (b *TokenBucket) TryTake(now time.Time, cost int64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	wait, ok := b.waitFor(cost)
	if !ok || wait > 0 {
		return false, wait
	}
	b.tokens -= cost
	return true, 0
}

// Tokens returns the balance as of now.
func (b *TokenBucket) Tokens(now time.Time) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := int64(now.Sub(b.last))
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.tokens >= b.limit.Capacity {
		b.tokens = b.limit.Capacity
		b.remainder = 0
		return
	}

	period := int64(b.limit.Period)
	missing := (b.limit.Capacity-b.tokens)*period - b.remainder
	if elapsed >= ceilDiv(missing, b.limit.Amount) {
		b.tokens = b.limit.Capacity
		b.remainder = 0
		return
	}

	progress := b.remainder + elapsed*b.limit.Amount
	b.tokens += progress / period
	b.remainder = progress % period
}

// waitFor returns 0 when cost is available and the refill wait otherwise.
// ok is false when cost exceeds capacity and can never be satisfied.
func (b *TokenBucket) waitFor(cost int64) (wait time.Duration, ok bool) {
	if cost > b.limit.Capacity {
		return 0, false
	}
	if b.tokens >= cost {
		return 0, true
	}
	need := (cost-b.tokens)*int64(b.limit.Period) - b.remainder
	return time.Duration(ceilDiv(need, b.limit.Amount)), true
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

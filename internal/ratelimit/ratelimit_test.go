package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config, clock *fakeClock) *InMemoryRateLimiter {
	t.Helper()
	rl, err := NewInMemoryRateLimiter(cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewInMemoryRateLimiter() error = %v", err)
	}
	return rl
}

func TestInMemoryRateLimiter_BurstYieldsExactlyCapacity(t *testing.T) {
	rl := newLimiter(t, Config{Requests: PerMinute(60, 5), Policy: PolicyRequests}, newFakeClock())
	ctx := context.Background()

	granted, denied := 0, 0
	for i := 0; i < 8; i++ {
		d, err := rl.TryAcquire(ctx, "tenant1", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Granted {
			granted++
		} else {
			denied++
		}
	}

	if granted != 5 || denied != 3 {
		t.Errorf("expected 5 granted and 3 denied, got %d and %d", granted, denied)
	}
}

func TestInMemoryRateLimiter_ConcurrentBurst(t *testing.T) {
	rl := newLimiter(t, Config{Requests: PerMinute(1000, 50)}, newFakeClock())
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := rl.TryAcquire(ctx, "tenant1", 1)
			if d.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 50 {
		t.Errorf("expected exactly 50 grants, got %d", got)
	}
}

func TestInMemoryRateLimiter_DifferentIdentities(t *testing.T) {
	rl := newLimiter(t, Config{Requests: PerMinute(60, 1)}, newFakeClock())
	ctx := context.Background()

	rl.TryAcquire(ctx, "tenant1", 1)

	d, _ := rl.TryAcquire(ctx, "tenant1", 1)
	if d.Granted {
		t.Error("tenant1 should be rate limited")
	}

	d, _ = rl.TryAcquire(ctx, "tenant2", 1)
	if !d.Granted {
		t.Error("tenant2 should not be rate limited")
	}
	if rl.Len() != 2 {
		t.Errorf("expected 2 tracked identities, got %d", rl.Len())
	}
}

func TestInMemoryRateLimiter_GlobalBucket(t *testing.T) {
	cfg := Config{
		Requests:       PerMinute(60, 10),
		GlobalRequests: PerMinute(60, 3),
	}
	rl := newLimiter(t, cfg, newFakeClock())
	ctx := context.Background()

	granted := 0
	for i := 0; i < 6; i++ {
		d, _ := rl.TryAcquire(ctx, domain.ClientIdentity(fmt.Sprintf("tenant%d", i%2)), 1)
		if d.Granted {
			granted++
		} else if d.Scope != ScopeGlobalRequests {
			t.Errorf("expected denial from global bucket, got %q", d.Scope)
		}
	}
	if granted != 3 {
		t.Errorf("expected global capacity of 3 grants, got %d", granted)
	}
}

func TestInMemoryRateLimiter_DenialDoesNotDebit(t *testing.T) {
	cfg := Config{
		Requests: PerMinute(60, 10),
		Tokens:   PerMinute(100, 100),
	}
	clock := newFakeClock()
	rl := newLimiter(t, cfg, clock)
	ctx := context.Background()

	d, _ := rl.TryAcquire(ctx, "tenant1", 60)
	if !d.Granted {
		t.Fatal("first request should pass")
	}

	d, _ = rl.TryAcquire(ctx, "tenant1", 60)
	if d.Granted {
		t.Fatal("second request should exceed the token bucket")
	}
	if d.Scope != ScopeIdentityTokens {
		t.Errorf("expected token scope, got %q", d.Scope)
	}
	// 20 missing tokens at 100 per minute.
	if d.RetryAfter != 12*time.Second {
		t.Errorf("expected 12s retry, got %v", d.RetryAfter)
	}

	// The denied request must not have taken from the request bucket.
	for i := 0; i < 9; i++ {
		d, _ = rl.TryAcquire(ctx, "tenant1", 1)
		if !d.Granted {
			t.Fatalf("request %d denied, request bucket was debited by a denial", i)
		}
	}
}

func TestInMemoryRateLimiter_RetryAfterIsMaxOverBuckets(t *testing.T) {
	cfg := Config{
		Requests: PerMinute(60, 1),
		Tokens:   PerMinute(60, 10),
	}
	rl := newLimiter(t, cfg, newFakeClock())
	ctx := context.Background()

	rl.TryAcquire(ctx, "tenant1", 10)
	d, _ := rl.TryAcquire(ctx, "tenant1", 5)
	if d.Granted {
		t.Fatal("expected denial")
	}
	if d.RetryAfter != 5*time.Second {
		t.Errorf("expected 5s from the token bucket, got %v", d.RetryAfter)
	}
}

func TestInMemoryRateLimiter_Policy(t *testing.T) {
	base := Config{
		Requests: PerMinute(60, 1),
		Tokens:   PerMinute(60, 10),
	}
	tests := []struct {
		policy     Policy
		cost       int64
		secondPass bool
	}{
		{PolicyRequests, 10, false},
		{PolicyTokens, 5, true},
		{PolicyBoth, 5, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := base
			cfg.Policy = tt.policy
			rl := newLimiter(t, cfg, newFakeClock())
			ctx := context.Background()

			if d, _ := rl.TryAcquire(ctx, "tenant1", tt.cost); !d.Granted {
				t.Fatal("first request should pass")
			}
			d, _ := rl.TryAcquire(ctx, "tenant1", tt.cost)
			if d.Granted != tt.secondPass {
				t.Errorf("second request granted = %v, want %v", d.Granted, tt.secondPass)
			}
		})
	}
}

func TestInMemoryRateLimiter_CostExceedsCapacity(t *testing.T) {
	rl := newLimiter(t, Config{Tokens: PerMinute(100, 100)}, newFakeClock())

	d, err := rl.TryAcquire(context.Background(), "tenant1", 101)
	if !errors.Is(err, domain.ErrCostExceedsCapacity) {
		t.Errorf("expected ErrCostExceedsCapacity, got %v", err)
	}
	if d.Granted {
		t.Error("expected denial")
	}
}

func TestInMemoryRateLimiter_Refill(t *testing.T) {
	clock := newFakeClock()
	rl := newLimiter(t, Config{Requests: PerMinute(60, 2)}, clock)
	ctx := context.Background()

	rl.TryAcquire(ctx, "tenant1", 1)
	rl.TryAcquire(ctx, "tenant1", 1)

	d, _ := rl.TryAcquire(ctx, "tenant1", 1)
	if d.Granted {
		t.Fatal("expected denial on empty bucket")
	}

	clock.Advance(d.RetryAfter)
	d, _ = rl.TryAcquire(ctx, "tenant1", 1)
	if !d.Granted {
		t.Error("expected grant after RetryAfter")
	}
	if d.Remaining != 0 || d.Limit != 2 {
		t.Errorf("expected remaining 0 of 2, got %d of %d", d.Remaining, d.Limit)
	}
}

func TestInMemoryRateLimiter_Overrides(t *testing.T) {
	cfg := Config{
		Requests: PerMinute(60, 1),
		Overrides: map[domain.ClientIdentity]IdentityLimits{
			"premium": {Requests: PerMinute(600, 3)},
		},
	}
	rl := newLimiter(t, cfg, newFakeClock())
	ctx := context.Background()

	granted := 0
	for i := 0; i < 5; i++ {
		if d, _ := rl.TryAcquire(ctx, "premium", 1); d.Granted {
			granted++
		}
	}
	if granted != 3 {
		t.Errorf("expected override capacity 3, got %d", granted)
	}
}

func TestInMemoryRateLimiter_Unlimited(t *testing.T) {
	rl := newLimiter(t, Config{}, newFakeClock())
	for i := 0; i < 100; i++ {
		if d, _ := rl.TryAcquire(context.Background(), "tenant1", 1000); !d.Granted {
			t.Fatal("limiter without limits must grant everything")
		}
	}
}

func TestConfig_IdleTTLCoversFillTime(t *testing.T) {
	cfg := Config{Requests: PerMinute(60, 60), IdleTTL: time.Second}
	if got := cfg.idleTTL(); got != time.Minute {
		t.Errorf("expected idle TTL raised to 1m, got %v", got)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, _ := ParsePolicy(""); p != PolicyBoth {
		t.Errorf("expected default policy both, got %q", p)
	}
	if _, err := ParsePolicy("weighted"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func BenchmarkInMemoryRateLimiter_TryAcquire_Parallel(b *testing.B) {
	rl, _ := NewInMemoryRateLimiter(Config{Requests: PerMinute(1<<20, 0), Tokens: PerMinute(1<<24, 0)})
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.TryAcquire(ctx, domain.ClientIdentity(fmt.Sprintf("tenant-%d", i%100)), 10)
			i++
		}
	})
}

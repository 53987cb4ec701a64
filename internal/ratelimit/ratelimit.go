// Package ratelimit implements token-bucket admission limits per client
// identity and globally. Each identity may carry a request-count bucket and a
// token-weighted bucket; the Policy decides which of them must pass.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RateLimiter decides whether a request of the given cost may be admitted now.
// A denial is a Decision with Granted false; err is reserved for requests that
// can never pass and for shared-state failures.
type RateLimiter interface {
	TryAcquire(ctx context.Context, identity domain.ClientIdentity, cost int64) (Decision, error)
}

type Decision struct {
	Granted    bool
	RetryAfter time.Duration
	// Remaining and Limit describe the tightest bucket involved in the decision.
	Remaining int64
	Limit     int64
	Scope     string
}

// Policy selects the dimensions enforced per identity and globally.
type Policy string

const (
	PolicyRequests Policy = "requests"
	PolicyTokens   Policy = "tokens"
	PolicyBoth     Policy = "both"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRequests, PolicyTokens, PolicyBoth:
		return Policy(s), nil
	case "":
		return PolicyBoth, nil
	default:
		return "", fmt.Errorf("unknown rate limit policy %q", s)
	}
}

func (p Policy) requests() bool { return p == PolicyRequests || p == PolicyBoth }
func (p Policy) tokens() bool   { return p == PolicyTokens || p == PolicyBoth }

// FailurePolicy decides what a shared-state limiter does when its store is unreachable.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail-open"
	FailClosed FailurePolicy = "fail-closed"
)

// IdentityLimits overrides the default per-identity buckets.
type IdentityLimits struct {
	Requests Limit `yaml:"requests"`
	Tokens   Limit `yaml:"tokens"`
}

type Config struct {
	Requests       Limit
	Tokens         Limit
	GlobalRequests Limit
	GlobalTokens   Limit
	Overrides      map[domain.ClientIdentity]IdentityLimits
	Policy         Policy
	FailurePolicy  FailurePolicy
	// IdleTTL evicts identity buckets untouched for this long. It is raised to
	// the bucket fill time so eviction never hands out tokens early.
	IdleTTL time.Duration
	// MaxIdentities bounds the number of tracked identities; 0 means unbounded.
	MaxIdentities int
}

func (c Config) Validate() error {
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	limits := []Limit{c.Requests, c.Tokens, c.GlobalRequests, c.GlobalTokens}
	for _, o := range c.Overrides {
		limits = append(limits, o.Requests, o.Tokens)
	}
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) limitsFor(identity domain.ClientIdentity) IdentityLimits {
	if o, ok := c.Overrides[identity]; ok {
		return o
	}
	return IdentityLimits{Requests: c.Requests, Tokens: c.Tokens}
}

func (c Config) idleTTL() time.Duration {
	ttl := c.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	check := []Limit{c.Requests, c.Tokens}
	for _, o := range c.Overrides {
		check = append(check, o.Requests, o.Tokens)
	}
	for _, l := range check {
		if f := l.FillTime(); f > ttl {
			ttl = f
		}
	}
	return ttl
}

// Scope names reported in Decision.Scope.
const (
	ScopeIdentityRequests = "identity_requests"
	ScopeIdentityTokens   = "identity_tokens"
	ScopeGlobalRequests   = "global_requests"
	ScopeGlobalTokens     = "global_tokens"
)

// charge is one bucket touched by a decision. Request buckets are charged
// one unit per request, token buckets the request cost.
type charge struct {
	scope string
	limit Limit
	cost  int64
}

// charges lists the buckets involved, in lock order: identity before global.
func (c Config) charges(identity domain.ClientIdentity, cost int64, dst []charge) []charge {
	policy := c.Policy
	if policy == "" {
		policy = PolicyBoth
	}
	il := c.limitsFor(identity)
	if policy.requests() && il.Requests.Enabled() {
		dst = append(dst, charge{ScopeIdentityRequests, il.Requests, 1})
	}
	if policy.tokens() && il.Tokens.Enabled() {
		dst = append(dst, charge{ScopeIdentityTokens, il.Tokens, cost})
	}
	if policy.requests() && c.GlobalRequests.Enabled() {
		dst = append(dst, charge{ScopeGlobalRequests, c.GlobalRequests, 1})
	}
	if policy.tokens() && c.GlobalTokens.Enabled() {
		dst = append(dst, charge{ScopeGlobalTokens, c.GlobalTokens, cost})
	}
	return dst
}

type identityBuckets struct {
	requests *TokenBucket
	tokens   *TokenBucket
}

// InMemoryRateLimiter keeps buckets in process memory.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	cfg Config
	now func() time.Time

	// createMu serializes bucket creation on cache misses only.
	createMu   sync.Mutex
	identities *expirable.LRU[domain.ClientIdentity, *identityBuckets]

	globalRequests *TokenBucket
	globalTokens   *TokenBucket
}

type Option func(*InMemoryRateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *InMemoryRateLimiter) {
		r.now = now
	}
}

func NewInMemoryRateLimiter(cfg Config, opts ...Option) (*InMemoryRateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &InMemoryRateLimiter{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	now := r.now()
	if cfg.GlobalRequests.Enabled() {
		r.globalRequests = NewTokenBucket(cfg.GlobalRequests, now)
	}
	if cfg.GlobalTokens.Enabled() {
		r.globalTokens = NewTokenBucket(cfg.GlobalTokens, now)
	}
	r.identities = expirable.NewLRU[domain.ClientIdentity, *identityBuckets](cfg.MaxIdentities, nil, cfg.idleTTL())
	return r, nil
}

func (r *InMemoryRateLimiter) buckets(identity domain.ClientIdentity, now time.Time) *identityBuckets {
	if b, ok := r.identities.Get(identity); ok {
		r.identities.Add(identity, b)
		return b
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	if b, ok := r.identities.Get(identity); ok {
		return b
	}

	il := r.cfg.limitsFor(identity)
	b := &identityBuckets{}
	if il.Requests.Enabled() {
		b.requests = NewTokenBucket(il.Requests, now)
	}
	if il.Tokens.Enabled() {
		b.tokens = NewTokenBucket(il.Tokens, now)
	}
	r.identities.Add(identity, b)
	return b
}

func (r *InMemoryRateLimiter) bucketFor(scope string, ib *identityBuckets) *TokenBucket {
	switch scope {
	case ScopeIdentityRequests:
		return ib.requests
	case ScopeIdentityTokens:
		return ib.tokens
	case ScopeGlobalRequests:
		return r.globalRequests
	default:
		return r.globalTokens
	}
}

func (r *InMemoryRateLimiter) TryAcquire(ctx context.Context, identity domain.ClientIdentity, cost int64) (Decision, error) {
	if cost < 1 {
		cost = 1
	}

	var buf [4]charge
	charges := r.cfg.charges(identity, cost, buf[:0])
	if len(charges) == 0 {
		return Decision{Granted: true, Remaining: -1, Limit: -1}, nil
	}

	now := r.now()
	ib := r.buckets(identity, now)

	var held [4]*TokenBucket
	for i, c := range charges {
		if c.cost > c.limit.Capacity {
			return Decision{Scope: c.scope, Limit: c.limit.Capacity}, domain.ErrCostExceedsCapacity
		}
		held[i] = r.bucketFor(c.scope, ib)
	}

	for i := range charges {
		held[i].mu.Lock()
	}
	defer func() {
		for i := len(charges) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
	}()

	var d Decision
	granted := true
	for i, c := range charges {
		b := held[i]
		b.refill(now)
		wait, _ := b.waitFor(c.cost)
		if wait > 0 {
			granted = false
			if wait > d.RetryAfter {
				d.RetryAfter = wait
				d.Scope = c.scope
				d.Remaining = b.tokens
				d.Limit = c.limit.Capacity
			}
		}
	}
	if !granted {
		return d, nil
	}

	d = Decision{Granted: true, Remaining: -1}
	for i, c := range charges {
		b := held[i]
		b.tokens -= c.cost
		if d.Remaining < 0 || b.tokens < d.Remaining {
			d.Remaining = b.tokens
			d.Limit = c.limit.Capacity
			d.Scope = c.scope
		}
	}
	return d, nil
}

// Len is the number of identities currently tracked.
func (r *InMemoryRateLimiter) Len() int {
	return r.identities.Len()
}

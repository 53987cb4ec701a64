package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/redis/go-redis/v9"
)

// acquireScript refills, checks and debits every bucket in KEYS atomically.
// The bucket state is a hash {t: tokens, r: remainder, ts: last refill ms}.
// Args: [ttl_ms, then per key: capacity, amount, period_ms, cost]
// Returns: {granted, retry_ms, remaining, index of the tightest key}
var acquireScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local ttl = tonumber(ARGV[1])
local n = #KEYS
local state = {}
local granted = 1
local retry = 0
local tight = 1

for i = 1, n do
    local base = 1 + (i - 1) * 4
    local cap = tonumber(ARGV[base + 1])
    local amount = tonumber(ARGV[base + 2])
    local period = tonumber(ARGV[base + 3])
    local cost = tonumber(ARGV[base + 4])

    local v = redis.call('HMGET', KEYS[i], 't', 'r', 'ts')
    local tokens = tonumber(v[1]) or cap
    local rem = tonumber(v[2]) or 0
    local ts = tonumber(v[3]) or now

    local elapsed = now - ts
    if elapsed > 0 then
        ts = now
        if tokens >= cap then
            tokens = cap
            rem = 0
        else
            local progress = rem + elapsed * amount
            if progress >= (cap - tokens) * period then
                tokens = cap
                rem = 0
            else
                tokens = tokens + math.floor(progress / period)
                rem = progress % period
            end
        end
    end

    if tokens < cost then
        granted = 0
        local wait = math.ceil(((cost - tokens) * period - rem) / amount)
        if wait > retry then
            retry = wait
            tight = i
        end
    end
    state[i] = {tokens - cost, rem, ts}
end

if granted == 0 then
    return {0, retry, state[tight][1] + tonumber(ARGV[1 + (tight - 1) * 4 + 4]), tight}
end

local remaining = -1
for i = 1, n do
    redis.call('HSET', KEYS[i], 't', state[i][1], 'r', state[i][2], 'ts', state[i][3])
    redis.call('PEXPIRE', KEYS[i], ttl)
    if remaining < 0 or state[i][1] < remaining then
        remaining = state[i][1]
        tight = i
    end
end
return {1, 0, remaining, tight}
`)

// RedisRateLimiter shares bucket state across gateway instances.
// Buckets are refilled in milliseconds against the Redis server clock.
type RedisRateLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

func NewRedisRateLimiter(redisURL string, cfg Config) (*RedisRateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisRateLimiterWithClient(client, cfg), nil
}

func NewRedisRateLimiterWithClient(client *redis.Client, cfg Config) *RedisRateLimiter {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}
	return &RedisRateLimiter{
		client: client,
		cfg:    cfg,
		prefix: "ratelimit:",
	}
}

func (r *RedisRateLimiter) key(scope string, identity domain.ClientIdentity) string {
	switch scope {
	case ScopeGlobalRequests, ScopeGlobalTokens:
		return r.prefix + scope
	default:
		return r.prefix + scope + ":" + string(identity)
	}
}

func (r *RedisRateLimiter) TryAcquire(ctx context.Context, identity domain.ClientIdentity, cost int64) (Decision, error) {
	if cost < 1 {
		cost = 1
	}

	var buf [4]charge
	charges := r.cfg.charges(identity, cost, buf[:0])
	if len(charges) == 0 {
		return Decision{Granted: true, Remaining: -1, Limit: -1}, nil
	}

	keys := make([]string, 0, len(charges))
	args := make([]interface{}, 0, 1+4*len(charges))
	args = append(args, r.cfg.idleTTL().Milliseconds())
	for _, c := range charges {
		if c.cost > c.limit.Capacity {
			return Decision{Scope: c.scope, Limit: c.limit.Capacity}, domain.ErrCostExceedsCapacity
		}
		keys = append(keys, r.key(c.scope, identity))
		period := c.limit.Period.Milliseconds()
		if period < 1 {
			period = 1
		}
		args = append(args, c.limit.Capacity, c.limit.Amount, period, c.cost)
	}

	res, err := acquireScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return r.onFailure(identity, err)
	}
	if len(res) != 4 {
		return r.onFailure(identity, fmt.Errorf("unexpected script result %v", res))
	}

	c := charges[res[3]-1]
	return Decision{
		Granted:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Remaining:  res[2],
		Limit:      c.limit.Capacity,
		Scope:      c.scope,
	}, nil
}

func (r *RedisRateLimiter) onFailure(identity domain.ClientIdentity, err error) (Decision, error) {
	if r.cfg.FailurePolicy == FailClosed {
		slog.Error("rate limiter store unavailable, denying", "identity", identity, "error", err)
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err)
	}
	slog.Warn("rate limiter store unavailable, allowing", "identity", identity, "error", err)
	return Decision{Granted: true, Remaining: -1, Limit: -1}, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

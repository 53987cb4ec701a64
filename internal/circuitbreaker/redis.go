package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Breaker state lives in one hash per provider:
// {state, failures, successes, probes, changed_at (unix ms)}.
// Every script returns {previous_state, new_state, verdict}.

// allowScript moves open to half-open after the timeout and admits probes.
// Args: [timeout_ms, half_open_probes]
var allowScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local timeout = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local v = redis.call('HMGET', KEYS[1], 'state', 'probes', 'changed_at')
local state = v[1] or 'closed'
local probes = tonumber(v[2]) or 0
local changed = tonumber(v[3]) or 0
local prev = state

if state == 'open' then
    if now - changed < timeout then
        return {prev, state, 'deny'}
    end
    state = 'half-open'
    probes = 0
    changed = now
    redis.call('HSET', KEYS[1], 'state', state, 'successes', 0, 'changed_at', changed)
end

if state == 'half-open' then
    if probes >= limit then
        if now - changed < timeout then
            return {prev, state, 'deny'}
        end
        probes = 0
        redis.call('HSET', KEYS[1], 'changed_at', now)
    end
    redis.call('HSET', KEYS[1], 'probes', probes + 1)
end

return {prev, state, 'allow'}
`)

// recordSuccessScript resets failures, or closes after enough probe successes.
// Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
    return {state, state, 'ok'}
end

if state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    local probes = tonumber(redis.call('HGET', KEYS[1], 'probes') or '0')
    if probes > 0 then
        redis.call('HSET', KEYS[1], 'probes', probes - 1)
    end
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0, 'probes', 0, 'changed_at', now)
        return {state, 'closed', 'ok'}
    end
end

return {state, state, 'ok'}
`)

// recordFailureScript counts a failure and opens the breaker at the threshold.
// Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open', 'successes', 0, 'probes', 0, 'changed_at', now)
        return {state, 'open', 'ok'}
    end
    return {state, state, 'ok'}
end

if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'successes', 0, 'probes', 0, 'changed_at', now)
    return {state, 'open', 'ok'}
end

return {state, state, 'ok'}
`)

// RedisCircuitBreaker shares breaker state across gateway instances.
// Redis errors fail open: an unreachable store never blocks provider calls.
type RedisCircuitBreaker struct {
	client   *redis.Client
	provider string
	config   Config
	key      string
	onChange StateChangeFunc
}

// WithRedisClient shares breaker state through Redis using one connection pool.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			cb := NewRedisWithClient(client, provider, m.config)
			cb.onChange = m.onChange
			return cb
		}
	}
}

func NewRedisWithClient(client *redis.Client, provider string, cfg Config) *RedisCircuitBreaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &RedisCircuitBreaker{
		client:   client,
		provider: provider,
		config:   cfg,
		key:      fmt.Sprintf("cb:%s", provider),
	}
}

func (cb *RedisCircuitBreaker) run(ctx context.Context, script *redis.Script, args ...interface{}) (string, bool) {
	res, err := script.Run(ctx, cb.client, []string{cb.key}, args...).StringSlice()
	if err != nil || len(res) != 3 {
		slog.Warn("circuit breaker store unavailable", "provider", cb.provider, "error", err)
		return "", true
	}
	from, to := parseState(res[0]), parseState(res[1])
	if from != to && cb.onChange != nil {
		cb.onChange(cb.provider, from, to)
	}
	return res[2], false
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	verdict, failed := cb.run(ctx, allowScript, cb.config.Timeout.Milliseconds(), cb.config.HalfOpenProbes)
	if failed || verdict != "deny" {
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.run(ctx, recordSuccessScript, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.run(ctx, recordFailureScript, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	result, err := cb.client.HGet(ctx, cb.key, "failures").Result()
	if err != nil {
		return 0
	}
	failures, _ := strconv.Atoi(result)
	return failures
}

// Reset closes the breaker, for manual intervention and tests.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}

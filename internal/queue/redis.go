package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/redis/go-redis/v9"
)

// enqueueScript bounds the cluster-wide queue size and orders the local queue.
// Keys: [all_key, local_key, seq_key]
// Args: [id, deadline_ms, priority, max_size]
// Returns: 1 if enqueued, 0 if full
var enqueueScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)

if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
    return 0
end

local seq = redis.call('INCR', KEYS[3])
local score = (2 - tonumber(ARGV[3])) * 1099511627776 + seq
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

// dequeueScript pops the lowest score of the local queue.
// Keys: [all_key, local_key]
// Returns: id or false
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
    return false
end
redis.call('ZREM', KEYS[1], popped[1])
return popped[1]
`)

// removeScript removes one id from both sets.
// Keys: [all_key, local_key]
// Args: [id]
// Returns: 1 if it was queued
var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 1 then
    redis.call('ZREM', KEYS[1], ARGV[1])
end
return removed
`)

// RedisStore shares the queue bound across gateway instances. Every instance
// orders its own envelopes in a sorted set scored by (priority, sequence) and
// registers them, scored by deadline, in a shared set that enforces the
// capacity. Envelope bodies never leave the process; entries of a crashed
// instance age out of the shared set at their deadline.
type RedisStore struct {
	client   *redis.Client
	maxSize  int
	allKey   string
	localKey string
	seqKey   string

	mu     sync.Mutex
	local  map[string]*domain.Envelope
	stats  Stats
	signal chan struct{}
	opts   options
}

func NewRedisStore(redisURL, instanceID string, maxSize int, opts ...Option) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisStoreWithClient(client, instanceID, maxSize, opts...), nil
}

func NewRedisStoreWithClient(client *redis.Client, instanceID string, maxSize int, opts ...Option) *RedisStore {
	if maxSize < 1 {
		maxSize = 1
	}
	return &RedisStore{
		client:   client,
		maxSize:  maxSize,
		allKey:   "{queue}:all",
		localKey: "{queue}:instance:" + instanceID,
		seqKey:   "{queue}:seq",
		local:    make(map[string]*domain.Envelope),
		signal:   make(chan struct{}, 1),
		opts:     buildOptions(opts),
	}
}

func (s *RedisStore) TryEnqueue(ctx context.Context, env *domain.Envelope) (bool, error) {
	s.mu.Lock()
	s.local[env.ID] = env
	s.mu.Unlock()

	ok, err := enqueueScript.Run(ctx, s.client,
		[]string{s.allKey, s.localKey, s.seqKey},
		env.ID, env.Deadline.UnixMilli(), int(clampPriority(env.Priority)), s.maxSize,
	).Int()

	s.mu.Lock()
	if err != nil || ok != 1 {
		delete(s.local, env.ID)
		if err == nil {
			s.stats.Rejected++
		}
		s.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("%w: enqueue: %v", domain.ErrDependencyUnavailable, err)
		}
		return false, nil
	}
	s.stats.Enqueued++
	s.mu.Unlock()

	notify(s.signal)
	return true, nil
}

func (s *RedisStore) DequeueHead(ctx context.Context) (*domain.Envelope, error) {
	for {
		id, err := dequeueScript.Run(ctx, s.client, []string{s.allKey, s.localKey}).Text()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: dequeue: %v", domain.ErrDependencyUnavailable, err)
		}

		s.mu.Lock()
		env, ok := s.local[id]
		delete(s.local, id)
		if !ok {
			s.mu.Unlock()
			slog.Warn("queued id without local envelope", "request_id", id)
			continue
		}
		expired := env.Expired(s.opts.now())
		if expired {
			s.stats.Expired++
		} else {
			s.stats.Dequeued++
		}
		more := len(s.local) > 0
		s.mu.Unlock()

		if expired {
			s.opts.expire(env)
			continue
		}
		if more {
			notify(s.signal)
		}
		return env, nil
	}
}

func (s *RedisStore) Remove(ctx context.Context, id string) bool {
	removed, err := removeScript.Run(ctx, s.client, []string{s.allKey, s.localKey}, id).Int()
	if err != nil {
		slog.Warn("queue remove failed", "request_id", id, "error", err)
		return false
	}
	if removed != 1 {
		return false
	}

	s.mu.Lock()
	delete(s.local, id)
	s.stats.Removed++
	s.mu.Unlock()
	return true
}

// Sweep removes expired envelopes of this instance from Redis and finishes them.
func (s *RedisStore) Sweep(now time.Time) int {
	var expired []*domain.Envelope

	s.mu.Lock()
	for _, env := range s.local {
		if env.Expired(now) {
			expired = append(expired, env)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	for _, env := range expired {
		if !s.Remove(ctx, env.ID) {
			continue
		}
		s.mu.Lock()
		s.stats.Removed--
		s.stats.Expired++
		s.mu.Unlock()
		s.opts.expire(env)
		n++
	}
	return n
}

func (s *RedisStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.local)
}

// GlobalSize is the number of live entries across all instances.
func (s *RedisStore) GlobalSize(ctx context.Context) (int64, error) {
	return s.client.ZCount(ctx, s.allKey, fmt.Sprintf("(%d", time.Now().UnixMilli()), "+inf").Result()
}

func (s *RedisStore) Signal() <-chan struct{} {
	return s.signal
}

func (s *RedisStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.local)
	st.Capacity = s.maxSize
	return st
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Package circuitbreaker fails fast on providers that keep returning
// transient errors, and probes them again after a cool-down.
//
// States:
//   - Closed: calls pass through, transient failures are counted
//   - Open: calls fail with domain.ErrCircuitBreakerOpen
//   - Half-Open: a bounded number of probe calls decide between Closed and Open
//
// InMemoryCircuitBreaker serves a single instance; RedisCircuitBreaker shares
// the state between gateway instances.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen when the call must not be made.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int           // consecutive transient failures before opening
	SuccessThreshold int           // probe successes needed to close
	Timeout          time.Duration // open duration before probing
	HalfOpenProbes   int           // concurrent probes allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// StateChangeFunc observes transitions of a provider's breaker.
type StateChangeFunc func(provider string, from, to State)

type InMemoryCircuitBreaker struct {
	mu        sync.Mutex
	provider  string
	state     State
	failures  int
	successes int
	probes    int
	changedAt time.Time
	config    Config
	now       func() time.Time
	onChange  StateChangeFunc
}

func NewInMemory(provider string, cfg Config) *InMemoryCircuitBreaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &InMemoryCircuitBreaker{
		provider: provider,
		state:    StateClosed,
		config:   cfg,
		now:      time.Now,
	}
}

// setLocked changes state and returns the notification to run after unlocking.
func (cb *InMemoryCircuitBreaker) setLocked(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.successes = 0
	cb.probes = 0
	cb.changedAt = cb.now()
	if to == StateClosed {
		cb.failures = 0
	}
	fn := cb.onChange
	provider := cb.provider
	return func() {
		if fn != nil {
			fn(provider, from, to)
		}
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	notify := func() {}
	defer func() { notify() }()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.changedAt) < cb.config.Timeout {
			return domain.ErrCircuitBreakerOpen
		}
		notify = cb.setLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.config.HalfOpenProbes {
			// Probes that never reported back are forgotten after Timeout.
			if cb.now().Sub(cb.changedAt) < cb.config.Timeout {
				return domain.ErrCircuitBreakerOpen
			}
			cb.probes = 0
			cb.changedAt = cb.now()
		}
		cb.probes++
	}
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	notify := func() {}
	defer func() { notify() }()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.probes > 0 {
			cb.probes--
		}
		if cb.successes >= cb.config.SuccessThreshold {
			notify = cb.setLocked(StateClosed)
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	notify := func() {}
	defer func() { notify() }()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.setLocked(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.setLocked(StateOpen)
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Manager hands out one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	onChange StateChangeFunc
	now      func() time.Time
	factory  func(provider string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithStateChange registers fn for every transition of every breaker.
func WithStateChange(fn StateChangeFunc) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// WithClock replaces time.Now for in-memory breakers.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		now:      time.Now,
	}
	m.factory = func(provider string) CircuitBreaker {
		cb := NewInMemory(provider, m.config)
		cb.onChange = m.onChange
		cb.now = m.now
		return cb
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a provider, creating it on first use.
func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}

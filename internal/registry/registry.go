// Package registry maps provider names to backend adapters. Registered
// adapters are wrapped once with a circuit breaker and optional pacing, so
// resolving a name always yields the same instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/streamstack/internal/circuitbreaker"
	"github.com/felipepmaragno/streamstack/internal/domain"
)

// Provider is a backend adapter. ChatCompletionStream closes both channels
// when the stream ends; chunks carry Seq from 0 and the last one is Final.
type Provider interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
	Models(ctx context.Context) ([]domain.Model, error)
	HealthCheck(ctx context.Context) error
}

var ErrDuplicateProvider = errors.New("provider already registered")

type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	order           []string
	models          map[string]string
	defaultProvider string
	breakers        *circuitbreaker.Manager
}

type Option func(*Registry)

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(r *Registry) {
		r.breakers = m
	}
}

func WithDefault(name string) Option {
	return func(r *Registry) {
		r.defaultProvider = name
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	return r
}

type registration struct {
	pacing *Pacing
	models []string
}

type RegisterOption func(*registration)

// WithPacing limits outbound calls to the provider.
func WithPacing(p Pacing) RegisterOption {
	return func(reg *registration) {
		reg.pacing = &p
	}
}

// WithModels routes requests for these model names to the provider.
func WithModels(models ...string) RegisterOption {
	return func(reg *registration) {
		reg.models = append(reg.models, models...)
	}
}

// Register adds a provider under name. Registering a name twice is an error.
func (r *Registry) Register(name string, p Provider, opts ...RegisterOption) error {
	if name == "" || p == nil {
		return fmt.Errorf("%w: provider name and adapter are required", domain.ErrInvalidRequest)
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}

	var wrapped Provider = p
	if reg.pacing != nil {
		wrapped = newPaced(wrapped, *reg.pacing)
	}
	wrapped = &guarded{Provider: wrapped, name: name, cb: r.breakers.Get(name)}

	r.providers[name] = wrapped
	r.order = append(r.order, name)
	for _, m := range reg.models {
		if _, taken := r.models[m]; !taken {
			r.models[m] = name
		}
	}

	slog.Info("provider registered", "provider", name, "models", len(reg.models), "paced", reg.pacing != nil)
	return nil
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Select picks a provider name for a request: an explicit hint wins, then a
// "provider/model" prefix, then a registered model name, then the default.
func (r *Registry) Select(hint, model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" {
		if _, ok := r.providers[hint]; ok {
			return hint, nil
		}
		return "", fmt.Errorf("%w: %s", domain.ErrProviderNotFound, hint)
	}

	if prefix, _, ok := strings.Cut(model, "/"); ok {
		if _, found := r.providers[prefix]; found {
			return prefix, nil
		}
	}

	if name, ok := r.models[model]; ok {
		return name, nil
	}

	if _, ok := r.providers[r.defaultProvider]; ok {
		return r.defaultProvider, nil
	}
	if len(r.order) > 0 {
		return r.order[0], nil
	}
	return "", domain.ErrProviderNotFound
}

// List returns provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Models aggregates the model lists of all providers. Providers that fail
// are skipped.
func (r *Registry) Models(ctx context.Context) []domain.Model {
	var all []domain.Model
	for _, name := range r.List() {
		p, err := r.Resolve(name)
		if err != nil {
			continue
		}
		models, err := p.Models(ctx)
		if err != nil {
			slog.Warn("failed to get models from provider", "provider", name, "error", err)
			continue
		}
		for _, m := range models {
			m.Provider = name
			all = append(all, m)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Health runs every provider's health check.
func (r *Registry) Health(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, name := range r.List() {
		p, err := r.Resolve(name)
		if err != nil {
			continue
		}
		results[name] = p.HealthCheck(ctx)
	}
	return results
}

func (r *Registry) Breakers() *circuitbreaker.Manager {
	return r.breakers
}

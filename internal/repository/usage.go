// Package repository persists one usage row per finished request.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/cost"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
)

type UsageRecord struct {
	RequestID    string
	Identity     string
	Provider     string
	Model        string
	Outcome      string
	Reason       string
	Streaming    bool
	Attempts     int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Timestamp    time.Time
}

// IdentityTotals aggregates usage of one identity over a period.
type IdentityTotals struct {
	Requests     int64
	Completed    int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

type UsageRepository interface {
	Record(ctx context.Context, record UsageRecord) error
	IdentityUsage(ctx context.Context, identity string, since time.Time) ([]UsageRecord, error)
	IdentityTotals(ctx context.Context, identity string, since time.Time) (IdentityTotals, error)
}

// RecordFromEvent converts a terminal lifecycle event into a usage row.
func RecordFromEvent(e events.Event) UsageRecord {
	r := UsageRecord{
		RequestID: e.EnvelopeID,
		Identity:  string(e.Identity),
		Provider:  e.Provider,
		Model:     e.Model,
		Outcome:   string(e.Kind),
		Reason:    string(e.Reason),
		Streaming: e.Streaming,
		Attempts:  e.Attempts,
		LatencyMs: e.Latency.Milliseconds(),
		Timestamp: e.Time,
	}
	if e.Usage != nil {
		r.InputTokens = e.Usage.PromptTokens
		r.OutputTokens = e.Usage.CompletionTokens
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}

// Sink stores admitted requests' terminal events. Rejections never reached a
// provider and are left to metrics.
type Sink struct {
	Repo UsageRepository
	// Pricing is optional; without it rows carry no cost.
	Pricing *cost.Calculator
}

func (s Sink) Send(ctx context.Context, e events.Event) error {
	if !Billable(e) {
		return nil
	}
	r := RecordFromEvent(e)
	if s.Pricing != nil && e.Usage != nil {
		r.CostUSD = s.Pricing.Calculate(r.Model, *e.Usage)
	}
	return s.Repo.Record(ctx, r)
}

// Billable reports whether e is the terminal event of an admitted request.
func Billable(e events.Event) bool {
	switch e.Kind {
	case events.KindCompleted, events.KindFailed, events.KindTimedOut, events.KindCancelled:
		return e.EnvelopeID != "" && e.Reason != domain.ReasonDependencyFailure
	default:
		return false
	}
}

type InMemoryUsageRepository struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{}
}

func (r *InMemoryUsageRepository) Record(ctx context.Context, record UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *InMemoryUsageRepository) IdentityUsage(ctx context.Context, identity string, since time.Time) ([]UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []UsageRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.Identity == identity && !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *InMemoryUsageRepository) IdentityTotals(ctx context.Context, identity string, since time.Time) (IdentityTotals, error) {
	records, _ := r.IdentityUsage(ctx, identity, since)
	var t IdentityTotals
	for _, rec := range records {
		t.Requests++
		if rec.Outcome == string(events.KindCompleted) {
			t.Completed++
		}
		t.InputTokens += int64(rec.InputTokens)
		t.OutputTokens += int64(rec.OutputTokens)
		t.CostUSD += rec.CostUSD
	}
	return t, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newEnvelope(id string, prio domain.Priority, timeout time.Duration) *domain.Envelope {
	return domain.NewEnvelope(domain.EnvelopeParams{
		ID:          id,
		Identity:    "tenant1",
		ArrivalTime: epoch,
		Timeout:     timeout,
		Priority:    prio,
	})
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func dequeueIDs(t *testing.T, s Store) []string {
	t.Helper()
	var ids []string
	for {
		env, err := s.DequeueHead(context.Background())
		if err != nil {
			t.Fatalf("DequeueHead() error = %v", err)
		}
		if env == nil {
			return ids
		}
		ids = append(ids, env.ID)
	}
}

func TestInMemoryStore_FullRejectsNewest(t *testing.T) {
	s := NewInMemoryStore(2, WithClock(fixedClock(epoch)))
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		if ok, _ := s.TryEnqueue(ctx, newEnvelope(id, domain.PriorityNormal, time.Minute)); !ok {
			t.Fatalf("enqueue %s rejected", id)
		}
	}

	c := newEnvelope("C", domain.PriorityNormal, time.Minute)
	if ok, _ := s.TryEnqueue(ctx, c); ok {
		t.Fatal("expected C to be rejected")
	}
	if c.State() != domain.StateReceived {
		t.Errorf("rejected envelope must be untouched, state = %v", c.State())
	}

	got := dequeueIDs(t, s)
	if fmt.Sprint(got) != "[A B]" {
		t.Errorf("expected queue [A B], got %v", got)
	}
	if st := s.Stats(); st.Rejected != 1 {
		t.Errorf("expected 1 rejection in stats, got %d", st.Rejected)
	}
}

func TestInMemoryStore_FIFOAmongEqualPriority(t *testing.T) {
	s := NewInMemoryStore(10, WithClock(fixedClock(epoch)))
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		s.TryEnqueue(ctx, newEnvelope(id, domain.PriorityNormal, time.Minute))
	}

	if got := dequeueIDs(t, s); fmt.Sprint(got) != "[A B C]" {
		t.Errorf("expected [A B C], got %v", got)
	}
}

func TestInMemoryStore_PriorityOrder(t *testing.T) {
	s := NewInMemoryStore(10, WithClock(fixedClock(epoch)))
	ctx := context.Background()

	s.TryEnqueue(ctx, newEnvelope("low", domain.PriorityLow, time.Minute))
	s.TryEnqueue(ctx, newEnvelope("n1", domain.PriorityNormal, time.Minute))
	s.TryEnqueue(ctx, newEnvelope("high", domain.PriorityHigh, time.Minute))
	s.TryEnqueue(ctx, newEnvelope("n2", domain.PriorityNormal, time.Minute))

	if got := dequeueIDs(t, s); fmt.Sprint(got) != "[high n1 n2 low]" {
		t.Errorf("expected [high n1 n2 low], got %v", got)
	}
}

func TestInMemoryStore_Remove(t *testing.T) {
	s := NewInMemoryStore(3, WithClock(fixedClock(epoch)))
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		s.TryEnqueue(ctx, newEnvelope(id, domain.PriorityNormal, time.Minute))
	}

	if !s.Remove(ctx, "B") {
		t.Fatal("expected B to be removed")
	}
	if s.Remove(ctx, "B") {
		t.Error("second remove must report absence")
	}
	if s.Size() != 2 {
		t.Errorf("expected size 2, got %d", s.Size())
	}

	// The freed slot is reusable.
	if ok, _ := s.TryEnqueue(ctx, newEnvelope("D", domain.PriorityNormal, time.Minute)); !ok {
		t.Fatal("expected D to fit after removal")
	}
	if got := dequeueIDs(t, s); fmt.Sprint(got) != "[A C D]" {
		t.Errorf("expected [A C D], got %v", got)
	}
}

func TestInMemoryStore_ExpiredNeverDequeued(t *testing.T) {
	var hooked []string
	s := NewInMemoryStore(10,
		WithClock(fixedClock(epoch.Add(2*time.Second))),
		WithExpiryHook(func(env *domain.Envelope) { hooked = append(hooked, env.ID) }),
	)
	ctx := context.Background()

	stale := newEnvelope("stale", domain.PriorityHigh, time.Second)
	fresh := newEnvelope("fresh", domain.PriorityNormal, time.Minute)
	s.TryEnqueue(ctx, stale)
	s.TryEnqueue(ctx, fresh)

	env, err := s.DequeueHead(ctx)
	if err != nil {
		t.Fatalf("DequeueHead() error = %v", err)
	}
	if env == nil || env.ID != "fresh" {
		t.Fatalf("expected fresh, got %v", env)
	}

	out := stale.Outcome()
	if out.State != domain.StateTimedOut || out.Reason != domain.ReasonQueueTimeout {
		t.Errorf("expected queue timeout, got %v/%v", out.State, out.Reason)
	}
	if !errors.Is(out.Err, domain.ErrQueueTimeout) {
		t.Errorf("expected ErrQueueTimeout, got %v", out.Err)
	}
	if len(hooked) != 1 || hooked[0] != "stale" {
		t.Errorf("expected expiry hook for stale, got %v", hooked)
	}
}

func TestInMemoryStore_Sweep(t *testing.T) {
	s := NewInMemoryStore(10, WithClock(fixedClock(epoch)))
	ctx := context.Background()

	s.TryEnqueue(ctx, newEnvelope("a", domain.PriorityNormal, time.Second))
	s.TryEnqueue(ctx, newEnvelope("b", domain.PriorityNormal, time.Hour))
	s.TryEnqueue(ctx, newEnvelope("c", domain.PriorityLow, time.Second))

	if n := s.Sweep(epoch.Add(time.Minute)); n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}
	if got := dequeueIDs(t, s); fmt.Sprint(got) != "[b]" {
		t.Errorf("expected [b], got %v", got)
	}
	if st := s.Stats(); st.Expired != 2 || st.Dequeued != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestInMemoryStore_Signal(t *testing.T) {
	s := NewInMemoryStore(10)
	s.TryEnqueue(context.Background(), newEnvelope("a", domain.PriorityNormal, time.Hour))

	select {
	case <-s.Signal():
	default:
		t.Error("expected a signal after enqueue")
	}
}

func TestInMemoryStore_RemoveAndDequeueAreExclusive(t *testing.T) {
	const n = 200
	s := NewInMemoryStore(n)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		s.TryEnqueue(ctx, domain.NewEnvelope(domain.EnvelopeParams{ID: fmt.Sprint(i), Timeout: time.Hour}))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			env, _ := s.DequeueHead(ctx)
			if env == nil {
				return
			}
			mu.Lock()
			seen[env.ID]++
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := n - 1; i >= 0; i-- {
			id := fmt.Sprint(i)
			if s.Remove(ctx, id) {
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}
	}()
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct envelopes, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("envelope %s taken %d times", id, count)
		}
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	s := NewInMemoryStore(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, s, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func BenchmarkInMemoryStore_EnqueueDequeue(b *testing.B) {
	s := NewInMemoryStore(1024)
	ctx := context.Background()
	envs := make([]*domain.Envelope, 1024)
	for i := range envs {
		envs[i] = domain.NewEnvelope(domain.EnvelopeParams{ID: fmt.Sprint(i), Timeout: time.Hour})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.TryEnqueue(ctx, envs[i%len(envs)])
		s.DequeueHead(ctx)
	}
}

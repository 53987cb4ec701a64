package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/felipepmaragno/streamstack/internal/domain"
)

func TestFinished_FromOutcome(t *testing.T) {
	env := domain.NewEnvelope(domain.EnvelopeParams{ID: "req-1", Identity: "tenant1", Provider: "openai", Timeout: time.Minute})
	env.Finish(domain.Outcome{
		State:    domain.StateFailed,
		Reason:   domain.ReasonDownstreamStalled,
		Err:      domain.ErrDownstreamStalled,
		Attempts: 1,
	})

	e := Finished(env)
	if e.Kind != KindFailed || e.Reason != domain.ReasonDownstreamStalled {
		t.Errorf("unexpected event %+v", e)
	}
	if e.EnvelopeID != "req-1" || e.Provider != "openai" {
		t.Errorf("expected envelope fields to be copied, got %+v", e)
	}
}

func TestKindForState(t *testing.T) {
	tests := map[domain.State]Kind{
		domain.StateCompleted:           KindCompleted,
		domain.StateFailed:              KindFailed,
		domain.StateTimedOut:            KindTimedOut,
		domain.StateCancelled:           KindCancelled,
		domain.StateRejectedByRateLimit: KindRejectedRateLimit,
		domain.StateRejectedByQueueFull: KindRejectedQueueFull,
	}
	for state, want := range tests {
		if got := KindForState(state); got != want {
			t.Errorf("KindForState(%v) = %q, want %q", state, got, want)
		}
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	o := LogObserver{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	o.Observe(Event{Kind: KindFailed, EnvelopeID: "req-1", Identity: "tenant1", Reason: domain.ReasonProviderError, Err: errors.New("boom")})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if line["level"] != "ERROR" || line["msg"] != "request failed" || line["reason"] != "provider_error" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestMulti(t *testing.T) {
	var got []Kind
	m := Multi{
		ObserverFunc(func(e Event) { got = append(got, e.Kind) }),
		Nop{},
		ObserverFunc(func(e Event) { got = append(got, e.Kind) }),
	}
	m.Observe(Event{Kind: KindAdmitted})
	if len(got) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(got))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestAsync_FiltersAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync("test", sink, 16, WithFilter(TerminalOnly))

	a.Observe(Event{Kind: KindAdmitted})
	a.Observe(Event{Kind: KindCompleted})
	a.Observe(Event{Kind: KindRejectedQueueFull})

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(sink.events) != 2 {
		t.Errorf("expected 2 terminal events, got %d", len(sink.events))
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsync("test", sink, 1)

	for i := 0; i < 10; i++ {
		a.Observe(Event{Kind: KindCompleted})
	}
	if a.Dropped() == 0 {
		t.Error("expected drops with a blocked sink")
	}
	close(sink.block)
	a.Close(context.Background())
}

func TestAsync_ObserveAfterClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync("test", sink, 4)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a.Observe(Event{Kind: KindCompleted})
	if a.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", a.Dropped())
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

type slowSink struct {
	errs chan error
}

func (s *slowSink) Send(ctx context.Context, e Event) error {
	<-ctx.Done()
	s.errs <- ctx.Err()
	return ctx.Err()
}

func TestAsync_SendTimeout(t *testing.T) {
	sink := &slowSink{errs: make(chan error, 1)}
	a := NewAsync("test", sink, 1, WithSendTimeout(10*time.Millisecond))
	defer a.Close(context.Background())

	a.Observe(Event{Kind: KindFailed})
	select {
	case err := <-sink.errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send was not bounded by the timeout")
	}
}

type fakeSQS struct {
	input *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSExporter_Send(t *testing.T) {
	fake := &fakeSQS{}
	x := &SQSExporter{client: fake, queueURL: "https://sqs.local/events"}

	err := x.Send(context.Background(), Event{
		Kind:       KindTimedOut,
		EnvelopeID: "req-9",
		Identity:   "tenant1",
		Reason:     domain.ReasonQueueTimeout,
		Err:        domain.ErrQueueTimeout,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if *fake.input.QueueUrl != "https://sqs.local/events" {
		t.Errorf("unexpected queue url %s", *fake.input.QueueUrl)
	}
	if *fake.input.MessageAttributes["Kind"].StringValue != "timed_out" {
		t.Errorf("unexpected kind attribute")
	}
	body := *fake.input.MessageBody
	if !strings.Contains(body, `"reason":"queue_timeout"`) || !strings.Contains(body, `"error":"request timed out in queue"`) {
		t.Errorf("unexpected body %s", body)
	}
}

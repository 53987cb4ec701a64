package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/felipepmaragno/streamstack/internal/circuitbreaker"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
)

type mockSNS struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	n := &SNSNotifier{
		topicArn: "arn:aws:sns:us-east-1:123456789012:alerts",
		client: &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = params
			return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
		}},
	}

	err := n.Send(context.Background(), Notification{Type: NotificationProviderDown, Provider: "openai", Message: "down"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if aws.ToString(got.TopicArn) != n.topicArn {
		t.Errorf("TopicArn = %q", aws.ToString(got.TopicArn))
	}
	if v := aws.ToString(got.MessageAttributes["Type"].StringValue); v != "provider_down" {
		t.Errorf("Type attribute = %q", v)
	}
	if v := aws.ToString(got.MessageAttributes["Provider"].StringValue); v != "openai" {
		t.Errorf("Provider attribute = %q", v)
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(got.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.Provider != "openai" || body.Type != NotificationProviderDown {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	n := &SNSNotifier{
		topicArn: "arn",
		client: &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("throttled")
		}},
	}
	if err := n.Send(context.Background(), Notification{Type: NotificationProviderUp}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEventSink(t *testing.T) {
	tests := []struct {
		name   string
		reason domain.Reason
		want   NotificationType
	}{
		{"stalled", domain.ReasonDownstreamStalled, NotificationDownstreamStalled},
		{"dependency", domain.ReasonDependencyFailure, NotificationDependencyUnavailable},
		{"ignored", domain.ReasonProviderError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewInMemoryNotifier()
			e := events.Event{Kind: events.KindFailed, EnvelopeID: "req-1", Provider: "openai", Reason: tt.reason}

			if Alertable(e) != (tt.want != "") {
				t.Errorf("Alertable() = %v", Alertable(e))
			}
			if err := (EventSink{Notifier: n}).Send(context.Background(), e); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			sent := n.GetNotifications()
			if tt.want == "" {
				if len(sent) != 0 {
					t.Errorf("expected no notification, got %+v", sent)
				}
				return
			}
			if len(sent) != 1 || sent[0].Type != tt.want {
				t.Fatalf("expected one %s notification, got %+v", tt.want, sent)
			}
			if sent[0].Data["request_id"] != "req-1" {
				t.Errorf("missing request id in %+v", sent[0].Data)
			}
		})
	}
}

func TestBreakerAlerts(t *testing.T) {
	n := NewInMemoryNotifier()
	got := make(chan Notification, 4)
	n.OnNotification(func(x Notification) { got <- x })

	hook := BreakerAlerts(n, time.Second)
	hook("openai", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	hook("openai", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	hook("openai", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)

	want := []NotificationType{NotificationProviderDown, NotificationProviderUp}
	for _, typ := range want {
		select {
		case x := <-got:
			if x.Provider != "openai" {
				t.Errorf("provider = %q", x.Provider)
			}
			if x.Type != NotificationProviderDown && x.Type != NotificationProviderUp {
				t.Errorf("unexpected type %s", x.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s notification", typ)
		}
	}

	select {
	case x := <-got:
		t.Errorf("half-open must not alert, got %+v", x)
	case <-time.After(20 * time.Millisecond):
	}
}

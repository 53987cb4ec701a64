package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/felipepmaragno/streamstack/internal/circuitbreaker"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
)

type NotificationType string

const (
	NotificationProviderDown          NotificationType = "provider_down"
	NotificationProviderUp            NotificationType = "provider_up"
	NotificationDownstreamStalled     NotificationType = "downstream_stalled"
	NotificationDependencyUnavailable NotificationType = "dependency_unavailable"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	Identity string           `json:"identity,omitempty"`
	Provider string           `json:"provider,omitempty"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	_, err = n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"provider", notification.Provider,
	)

	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
		handlers:      make([]func(Notification), 0),
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)

	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"provider", notification.Provider,
	)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = make([]Notification, 0)
}

// Alertable selects the lifecycle events that page someone: stalled
// consumers and requests rejected because shared state was unreachable.
func Alertable(e events.Event) bool {
	return e.Reason == domain.ReasonDownstreamStalled || e.Reason == domain.ReasonDependencyFailure
}

// EventSink publishes alertable lifecycle events. Wrap it in events.Async to
// keep the notifier off the request path.
type EventSink struct {
	Notifier Notifier
}

func (s EventSink) Send(ctx context.Context, e events.Event) error {
	n := Notification{
		Identity: string(e.Identity),
		Provider: e.Provider,
		Data: map[string]any{
			"request_id": e.EnvelopeID,
			"kind":       string(e.Kind),
			"latency_ms": e.Latency.Milliseconds(),
		},
	}
	switch e.Reason {
	case domain.ReasonDownstreamStalled:
		n.Type = NotificationDownstreamStalled
		n.Message = fmt.Sprintf("client stopped reading stream of request %s", e.EnvelopeID)
	case domain.ReasonDependencyFailure:
		n.Type = NotificationDependencyUnavailable
		n.Message = "shared rate limit or queue state unavailable"
	default:
		return nil
	}
	if e.Err != nil {
		n.Data["error"] = e.Err.Error()
	}
	return s.Notifier.Send(ctx, n)
}

// BreakerAlerts returns a state change hook that reports providers going
// down when their breaker opens and coming back when it closes.
func BreakerAlerts(n Notifier, timeout time.Duration) circuitbreaker.StateChangeFunc {
	return func(provider string, from, to circuitbreaker.State) {
		var typ NotificationType
		switch to {
		case circuitbreaker.StateOpen:
			typ = NotificationProviderDown
		case circuitbreaker.StateClosed:
			if from == circuitbreaker.StateClosed {
				return
			}
			typ = NotificationProviderUp
		default:
			return
		}

		notification := Notification{
			Type:     typ,
			Provider: provider,
			Message:  fmt.Sprintf("provider %s circuit %s -> %s", provider, from, to),
			Data:     map[string]any{"from": from.String(), "to": to.String()},
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := n.Send(ctx, notification); err != nil {
				slog.Warn("failed to send breaker alert", "provider", provider, "error", err)
			}
		}()
	}
}

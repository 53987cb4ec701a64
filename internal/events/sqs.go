package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client used by the exporter.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Record is the message body published for each event.
type Record struct {
	Event
	Error string `json:"error,omitempty"`
}

// SQSExporter publishes lifecycle events to a queue for downstream accounting.
type SQSExporter struct {
	client   sqsAPI
	queueURL string
}

func NewSQSExporter(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSExporterWithConfig(cfg, queueURL), nil
}

func NewSQSExporterWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (x *SQSExporter) Send(ctx context.Context, e Event) error {
	rec := Record{Event: e}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(x.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Kind)),
			},
			"Identity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Identity)),
			},
		},
	}
	if e.EnvelopeID != "" {
		input.MessageAttributes["RequestID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(e.EnvelopeID),
		}
	}

	if _, err := x.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Package bedrock serves Anthropic models through AWS Bedrock using the
// Messages payload format.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/streamstack/internal/domain"
)

const name = "bedrock"

type runtimeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// eventReader is the part of the Bedrock event stream the relay loop needs.
type eventReader interface {
	Events() <-chan types.ResponseStream
	Err() error
}

type Provider struct {
	client runtimeAPI
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func newWithClient(client runtimeAPI, region string) *Provider {
	return &Provider{client: client, region: region}
}

func (p *Provider) ID() string {
	return name
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classify(err)
	}

	return parseBedrockResponse(output.Body, req.Model)
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(toBedrockRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(req.Model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			if ctx.Err() == nil {
				errs <- classify(err)
			}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		if err := relayEvents(ctx, stream, req.Model, chunks); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// relayEvents numbers text deltas from zero and sends a final chunk on
// message_stop. It returns nil when the stream ends without message_stop.
func relayEvents(ctx context.Context, stream eventReader, model string, chunks chan<- domain.StreamChunk) error {
	var (
		seq        int64
		id         = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
		stopReason string
	)
	send := func(c domain.StreamChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for event := range stream.Events() {
		v, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var chunkResp bedrockStreamChunk
		if err := json.Unmarshal(v.Value.Bytes, &chunkResp); err != nil {
			continue
		}

		switch chunkResp.Type {
		case "message_start":
			if chunkResp.Message != nil && chunkResp.Message.ID != "" {
				id = chunkResp.Message.ID
			}
		case "content_block_delta":
			if chunkResp.Delta == nil || chunkResp.Delta.Text == "" {
				continue
			}
			chunk := domain.StreamChunk{
				Seq:     seq,
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []domain.Choice{{Delta: &domain.Delta{Content: chunkResp.Delta.Text}}},
			}
			seq++
			if !send(chunk) {
				return nil
			}
		case "message_delta":
			if chunkResp.Delta != nil && chunkResp.Delta.StopReason != "" {
				stopReason = mapStopReason(chunkResp.Delta.StopReason)
			}
		case "message_stop":
			send(domain.FinalChunk(id, model, seq, stopReason))
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Bedrock API errors onto provider error classes. Throttling
// and server faults are retryable, validation and access errors are not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return domain.NewTransportError(name, err)
	}

	status := http.StatusBadRequest
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceQuotaExceededException":
		status = http.StatusTooManyRequests
	case "ModelTimeoutException":
		status = http.StatusRequestTimeout
	case "ServiceUnavailableException", "ModelNotReadyException":
		status = http.StatusServiceUnavailable
	case "InternalServerException", "ModelStreamErrorException":
		status = http.StatusInternalServerError
	case "AccessDeniedException":
		status = http.StatusForbidden
	case "ResourceNotFoundException":
		status = http.StatusNotFound
	default:
		if apiErr.ErrorFault() == smithy.FaultServer {
			status = http.StatusInternalServerError
		}
	}
	return domain.NewStatusError(name, status, apiErr.ErrorCode()+": "+apiErr.ErrorMessage())
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Object: "model", OwnedBy: "anthropic", Provider: name},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Object: "model", OwnedBy: "anthropic", Provider: name},
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Object: "model", OwnedBy: "anthropic", Provider: name},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Object: "model", OwnedBy: "anthropic", Provider: name},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Object: "model", OwnedBy: "anthropic", Provider: name},
		{ID: "amazon.titan-text-express-v1", Object: "model", OwnedBy: "amazon", Provider: name},
		{ID: "amazon.titan-text-lite-v1", Object: "model", OwnedBy: "amazon", Provider: name},
		{ID: "meta.llama3-70b-instruct-v1:0", Object: "model", OwnedBy: "meta", Provider: name},
		{ID: "meta.llama3-8b-instruct-v1:0", Object: "model", OwnedBy: "meta", Provider: name},
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.client == nil {
		return errors.New("bedrock client not configured")
	}
	return nil
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	Stop             []string         `json:"stop_sequences,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type bedrockStreamChunk struct {
	Type    string           `json:"type"`
	Index   int              `json:"index,omitempty"`
	Message *bedrockResponse `json:"message,omitempty"`
	Delta   *streamDelta     `json:"delta,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
		"titan-text":        "amazon.titan-text-express-v1",
		"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
		"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var systemPrompt string
	var messages []bedrockMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, bedrockMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           systemPrompt,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
	}
}

func parseBedrockResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewTransportError(name, fmt.Errorf("unmarshal response: %w", err))
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

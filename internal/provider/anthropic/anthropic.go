package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/httputil"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	name             = "anthropic"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.DefaultClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return name
}

func (p *Provider) post(ctx context.Context, body any, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, httputil.TransportError(name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httputil.StatusError(name, resp)
	}
	return resp, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.post(ctx, toAnthropicRequest(req), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, httputil.TransportError(name, fmt.Errorf("decode response: %w", err))
	}

	return toOpenAIResponse(anthropicResp, req.Model), nil
}

// ChatCompletionStream emits one chunk per text delta and a final chunk on
// message_stop.
func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		anthropicReq := toAnthropicRequest(req)
		anthropicReq.Stream = true

		resp, err := p.post(ctx, anthropicReq, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		var (
			seq        int64
			id         string
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

		err = httputil.ScanLines(name, resp.Body, func(line string) (bool, error) {
			data, ok := httputil.SSEData(line)
			if !ok {
				return false, nil
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return false, nil
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					id = event.Message.ID
				}
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					return false, nil
				}
				chunk := domain.StreamChunk{
					Seq:     seq,
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []domain.Choice{{Delta: &domain.Delta{Content: event.Delta.Text}}},
				}
				seq++
				return !send(chunk), nil
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = mapStopReason(event.Delta.StopReason)
				}
			case "message_stop":
				send(domain.FinalChunk(id, req.Model, seq, stopReason))
				return true, nil
			case "error":
				return true, streamError(event.Error)
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// streamError classifies an error event sent after the stream started.
func streamError(e *apiError) error {
	if e == nil {
		return domain.NewTransportError(name, errors.New("unknown stream error"))
	}
	status := http.StatusInternalServerError
	switch e.Type {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	}
	return domain.NewStatusError(name, status, e.Type+": "+e.Message)
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "claude-sonnet-4-20250514", Object: "model", OwnedBy: name, Provider: name},
		{ID: "claude-3-5-sonnet-20241022", Object: "model", OwnedBy: name, Provider: name},
		{ID: "claude-3-5-haiku-20241022", Object: "model", OwnedBy: name, Provider: name},
		{ID: "claude-3-opus-20240229", Object: "model", OwnedBy: name, Provider: name},
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("anthropic api key not configured")
	}
	return nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string             `json:"type"`
	Index   int                `json:"index,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Delta   *streamDelta       `json:"delta,omitempty"`
	Error   *apiError          `json:"error,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	var systemPrompt string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

func toOpenAIResponse(resp anthropicResponse, model string) *domain.ChatResponse {
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
	}
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

package ollama

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

const name = "ollama"

type Provider struct {
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: baseURL,
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

func (p *Provider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
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
	ollamaReq := toOllamaRequest(req)
	ollamaReq.Stream = false

	resp, err := p.do(ctx, http.MethodPost, "/api/chat", ollamaReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, httputil.TransportError(name, fmt.Errorf("decode response: %w", err))
	}

	return toOpenAIResponse(ollamaResp, req.Model), nil
}

// ChatCompletionStream reads newline-delimited JSON; the object with done
// set becomes the final chunk.
func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		ollamaReq := toOllamaRequest(req)
		ollamaReq.Stream = true

		resp, err := p.do(ctx, http.MethodPost, "/api/chat", ollamaReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
		var seq int64

		err = httputil.ScanLines(name, resp.Body, func(line string) (bool, error) {
			var ollamaChunk ollamaStreamChunk
			if err := json.Unmarshal([]byte(line), &ollamaChunk); err != nil {
				return false, nil
			}
			if ollamaChunk.Error != "" {
				return true, domain.NewTransportError(name, errors.New(ollamaChunk.Error))
			}
			if ollamaChunk.Message.Content == "" && !ollamaChunk.Done {
				return false, nil
			}

			chunk := toOpenAIStreamChunk(ollamaChunk, id, req.Model, seq)
			seq++

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return true, nil
			}
			return ollamaChunk.Done, nil
		})
		if err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	resp, err := p.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tagsResp ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]domain.Model, len(tagsResp.Models))
	for i, m := range tagsResp.Models {
		models[i] = domain.Model{
			ID:       m.Name,
			Object:   "model",
			OwnedBy:  name,
			Provider: name,
		}
	}

	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama unhealthy: %w", err)
	}
	resp.Body.Close()
	return nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            ollamaMessage `json:"message"`
	Done               bool          `json:"done"`
	TotalDuration      int64         `json:"total_duration,omitempty"`
	LoadDuration       int64         `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64         `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       int64         `json:"eval_duration,omitempty"`
	DoneReason         string        `json:"done_reason,omitempty"`
}

type ollamaStreamChunk struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

func toOllamaRequest(req domain.ChatRequest) ollamaChatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	ollamaReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		ollamaReq.Options = &ollamaOptions{}
		if req.Temperature != nil {
			ollamaReq.Options.Temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			ollamaReq.Options.NumPredict = *req.MaxTokens
		}
		if req.TopP != nil {
			ollamaReq.Options.TopP = *req.TopP
		}
		if len(req.Stop) > 0 {
			ollamaReq.Options.Stop = req.Stop
		}
	}

	return ollamaReq
}

func toOpenAIResponse(resp ollamaChatResponse, model string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    resp.Message.Role,
					Content: resp.Message.Content,
				},
				FinishReason: doneReason(resp.DoneReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

func toOpenAIStreamChunk(chunk ollamaStreamChunk, id, model string, seq int64) domain.StreamChunk {
	finishReason := ""
	if chunk.Done {
		finishReason = doneReason(chunk.DoneReason)
	}

	return domain.StreamChunk{
		Seq:     seq,
		Final:   chunk.Done,
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Delta: &domain.Delta{
					Content: chunk.Message.Content,
				},
				FinishReason: finishReason,
			},
		},
	}
}

func doneReason(reason string) string {
	if reason == "" || reason == "stop" {
		return "stop"
	}
	return reason
}

// Package gemini adapts the Google Gen AI SDK to the gateway's provider
// contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"google.golang.org/genai"
)

const name = "gemini"

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type Provider struct {
	models generator
	apiKey string
}

type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a non-default endpoint.
func WithBaseURL(url string) Option {
	return func(cc *genai.ClientConfig) {
		cc.HTTPOptions.BaseURL = url
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{models: client.Models, apiKey: apiKey}, nil
}

func (p *Provider) ID() string {
	return name
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	contents, config := toGeminiRequest(req)

	resp, err := p.models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, classify(err)
	}

	out := &domain.ChatResponse{
		ID:      responseID(resp),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Message: &domain.Message{
					Role:    "assistant",
					Content: resp.Text(),
				},
				FinishReason: finishReason(resp),
			},
		},
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.PromptTokenCount + u.CandidatesTokenCount),
		}
	}
	return out, nil
}

// ChatCompletionStream sends one chunk per streamed response carrying text.
// The response that reports a finish reason is followed by the final chunk.
func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		contents, config := toGeminiRequest(req)

		var (
			seq int64
			id  string
		)
		send := func(c domain.StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for resp, err := range p.models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					errs <- classify(err)
				}
				return
			}
			if id == "" {
				id = responseID(resp)
			}

			if text := resp.Text(); text != "" {
				chunk := domain.StreamChunk{
					Seq:     seq,
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []domain.Choice{{Delta: &domain.Delta{Content: text}}},
				}
				seq++
				if !send(chunk) {
					return
				}
			}

			if reason := finishReason(resp); reason != "" {
				send(domain.FinalChunk(id, req.Model, seq, reason))
				return
			}
		}
	}()

	return chunks, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google", Provider: name},
		{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google", Provider: name},
		{ID: "gemini-2.0-flash", Object: "model", OwnedBy: "google", Provider: name},
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("gemini api key not configured")
	}
	return nil
}

func toGeminiRequest(req domain.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		StopSequences: req.Stop,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.TopP != nil {
		p := float32(*req.TopP)
		config.TopP = &p
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}

	return contents, config
}

func responseID(resp *genai.GenerateContentResponse) string {
	if resp != nil && resp.ResponseID != "" {
		return resp.ResponseID
	}
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	switch reason := resp.Candidates[0].FinishReason; reason {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(reason))
	}
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return domain.NewStatusError(name, apiErr.Code, apiErr.Message)
	}
	return domain.NewTransportError(name, err)
}

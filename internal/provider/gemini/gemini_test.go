package gemini

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"google.golang.org/genai"
)

type mockGenerator struct {
	GenerateContentFunc       func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.GenerateContentFunc(ctx, model, contents, config)
}

func (m *mockGenerator) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return m.GenerateContentStreamFunc(ctx, model, contents, config)
}

func textResponse(text string, reason genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		ResponseID: "resp-1",
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(text, genai.RoleModel),
			FinishReason: reason,
		}},
	}
}

func streamOf(items ...any) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, it := range items {
			var ok bool
			switch v := it.(type) {
			case error:
				ok = yield(nil, v)
			case *genai.GenerateContentResponse:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func drain(chunks <-chan domain.StreamChunk, errs <-chan error) ([]domain.StreamChunk, error) {
	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	return got, <-errs
}

func TestToGeminiRequest(t *testing.T) {
	temp := 0.5
	maxTokens := 100
	contents, config := toGeminiRequest(domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})

	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("assistant turns must map to the model role, got %q", contents[1].Role)
	}
	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("unexpected system instruction %+v", config.SystemInstruction)
	}
	if config.Temperature == nil || *config.Temperature != 0.5 || config.MaxOutputTokens != 100 {
		t.Errorf("unexpected config %+v", config)
	}
}

func TestChatCompletion(t *testing.T) {
	resp := textResponse("hi there", genai.FinishReasonMaxTokens)
	resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2}

	p := &Provider{models: &mockGenerator{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			if model != "gemini-2.5-flash" {
				t.Errorf("model = %q", model)
			}
			return resp, nil
		},
	}}

	out, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if out.Choices[0].Message.Content != "hi there" || out.Choices[0].FinishReason != "length" {
		t.Errorf("unexpected choice %+v", out.Choices[0])
	}
	if out.Usage.TotalTokens != 6 || out.ID != "resp-1" {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestChatCompletion_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"quota", genai.APIError{Code: 429, Message: "RESOURCE_EXHAUSTED"}, true},
		{"unavailable", genai.APIError{Code: 503}, true},
		{"bad request", genai.APIError{Code: 400, Message: "INVALID_ARGUMENT"}, false},
		{"network", errors.New("dial tcp: refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{models: &mockGenerator{
				GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
					return nil, tt.err
				},
			}}
			_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "gemini-2.5-flash"})
			if got := domain.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v (%v)", got, tt.retryable, err)
			}
		})
	}
}

func TestChatCompletionStream(t *testing.T) {
	p := &Provider{models: &mockGenerator{
		GenerateContentStreamFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return streamOf(
				textResponse("Hel", ""),
				textResponse("lo", genai.FinishReasonStop),
			)
		},
	}}

	got, err := drain(p.ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "gemini-2.5-flash"}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", got)
	}
	if got[1].Seq != 1 || got[1].Content() != "lo" {
		t.Errorf("unexpected second chunk %+v", got[1])
	}
	if !got[2].Final || got[2].Seq != 2 || got[2].Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected final chunk %+v", got[2])
	}
}

func TestChatCompletionStream_Truncated(t *testing.T) {
	p := &Provider{models: &mockGenerator{
		GenerateContentStreamFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return streamOf(textResponse("partial", ""))
		},
	}}

	got, err := drain(p.ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "gemini-2.5-flash"}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 1 || got[0].Final {
		t.Errorf("expected one non-final chunk, got %+v", got)
	}
}

func TestChatCompletionStream_MidStreamError(t *testing.T) {
	p := &Provider{models: &mockGenerator{
		GenerateContentStreamFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return streamOf(textResponse("par", ""), genai.APIError{Code: 500, Message: "INTERNAL"})
		},
	}}

	got, err := drain(p.ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "gemini-2.5-flash"}))
	if len(got) != 1 {
		t.Errorf("expected 1 chunk before the error, got %d", len(got))
	}
	if !domain.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	if err := (&Provider{}).HealthCheck(context.Background()); err == nil {
		t.Error("expected error without api key")
	}
	if err := (&Provider{apiKey: "k"}).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

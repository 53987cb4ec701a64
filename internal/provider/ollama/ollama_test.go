package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

func TestToOllamaRequest(t *testing.T) {
	temp := 0.2
	maxTokens := 64
	got := toOllamaRequest(domain.ChatRequest{
		Model:       "llama3",
		Messages:    []domain.Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})

	if got.Options == nil || got.Options.Temperature != 0.2 || got.Options.NumPredict != 64 {
		t.Errorf("unexpected options %+v", got.Options)
	}
	if toOllamaRequest(domain.ChatRequest{Model: "llama3"}).Options != nil {
		t.Error("options must be omitted when no sampling parameter is set")
	}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming call must send stream=false")
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3",
			Message:         ollamaMessage{Role: "assistant", Content: "hello"},
			Done:            true,
			PromptEvalCount: 4,
			EvalCount:       2,
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).ChatCompletion(context.Background(), domain.ChatRequest{Model: "llama3"})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" || resp.Usage.TotalTokens != 6 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestChatCompletion_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ChatCompletion(context.Background(), domain.ChatRequest{Model: "nope"})
	if err == nil || domain.IsRetryable(err) {
		t.Errorf("404 must fail without retry, got %v", err)
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"length"}`)
	}))
	defer srv.Close()

	chunks, errs := New(srv.URL).ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "llama3"})
	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", got)
	}
	for i, c := range got {
		if c.Seq != int64(i) || c.ID != got[0].ID {
			t.Errorf("chunk %d: seq=%d id=%q", i, c.Seq, c.ID)
		}
	}
	if !got[2].Final || got[2].Choices[0].FinishReason != "length" {
		t.Errorf("unexpected final chunk %+v", got[2])
	}
}

func TestChatCompletionStream_Truncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	chunks, errs := New(srv.URL).ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "llama3"})
	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 1 || got[0].Final {
		t.Errorf("expected one non-final chunk, got %+v", got)
	}
}

func TestChatCompletionStream_ErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"runner crashed"}`)
	}))
	defer srv.Close()

	chunks, errs := New(srv.URL).ChatCompletionStream(context.Background(), domain.ChatRequest{Model: "llama3"})
	n := 0
	for range chunks {
		n++
	}
	err := <-errs
	if n != 1 {
		t.Errorf("expected 1 chunk before the error, got %d", n)
	}
	if !domain.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ollamaTagsResponse{Models: []ollamaModel{{Name: "llama3"}, {Name: "mistral"}}})
	}))
	defer srv.Close()

	p := New(srv.URL)
	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(models) != 2 || models[1].ID != "mistral" || models[0].Provider != "ollama" {
		t.Errorf("unexpected models %+v", models)
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

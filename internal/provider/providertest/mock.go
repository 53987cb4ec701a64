// Package providertest provides a scriptable provider for tests.
package providertest

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type Mock struct {
	Name                     string
	ChatCompletionFunc       func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStreamFunc func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
	ModelsFunc               func(ctx context.Context) ([]domain.Model, error)
	HealthCheckFunc          func(ctx context.Context) error
}

func (m *Mock) ID() string { return m.Name }

func (m *Mock) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, req)
	}
	return Response(m.Name, "ok"), nil
}

func (m *Mock) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	if m.ChatCompletionStreamFunc != nil {
		return m.ChatCompletionStreamFunc(ctx, req)
	}
	return Stream(ctx, "a", "b")
}

func (m *Mock) Models(ctx context.Context) ([]domain.Model, error) {
	if m.ModelsFunc != nil {
		return m.ModelsFunc(ctx)
	}
	return []domain.Model{{ID: m.Name + "-model", Object: "model", OwnedBy: m.Name}}, nil
}

func (m *Mock) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return nil
}

func Response(model, content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  model,
		Choices: []domain.Choice{{
			Message:      &domain.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

// Chunk builds a streaming chunk carrying content.
func Chunk(seq int64, content string, final bool) domain.StreamChunk {
	c := domain.StreamChunk{
		Seq:     seq,
		Final:   final,
		ID:      fmt.Sprintf("chunk-%d", seq),
		Object:  "chat.completion.chunk",
		Choices: []domain.Choice{{Delta: &domain.Delta{Content: content}}},
	}
	if final {
		c.Choices[0].FinishReason = "stop"
	}
	return c
}

// Stream emits one chunk per content and marks the last one final.
func Stream(ctx context.Context, contents ...string) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		for i, content := range contents {
			select {
			case chunks <- Chunk(int64(i), content, i == len(contents)-1):
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}

// Failing returns a stream that fails with err before any chunk.
func Failing(err error) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}

// Blocking returns a stream that emits the given chunks and then waits for ctx.
func Blocking(ctx context.Context, first ...domain.StreamChunk) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range first {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
		errs <- ctx.Err()
	}()

	return chunks, errs
}

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/streamstack/internal/domain"
)

type mockRuntime struct {
	InvokeModelFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *mockRuntime) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	return m.InvokeModelFunc(ctx, params)
}

func (m *mockRuntime) InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error) {
	return nil, errors.New("not implemented")
}

type fakeStream struct {
	events chan types.ResponseStream
	err    error
}

func newFakeStream(err error, payloads ...string) *fakeStream {
	s := &fakeStream{events: make(chan types.ResponseStream, len(payloads)), err: err}
	for _, p := range payloads {
		s.events <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(p)}}
	}
	close(s.events)
	return s
}

func (s *fakeStream) Events() <-chan types.ResponseStream { return s.events }
func (s *fakeStream) Err() error                          { return s.err }

func TestChatCompletion(t *testing.T) {
	client := &mockRuntime{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			if *params.ModelId != "anthropic.claude-3-5-haiku-20241022-v1:0" {
				t.Errorf("ModelId = %s", *params.ModelId)
			}
			var req bedrockRequest
			if err := json.Unmarshal(params.Body, &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if req.System != "sys" || len(req.Messages) != 1 {
				t.Errorf("unexpected request %+v", req)
			}
			body, _ := json.Marshal(bedrockResponse{
				ID:         "msg_1",
				Content:    []contentBlock{{Type: "text", Text: "hi"}},
				StopReason: "end_turn",
				Usage:      bedrockUsage{InputTokens: 3, OutputTokens: 1},
			})
			return &bedrockruntime.InvokeModelOutput{Body: body}, nil
		},
	}

	p := newWithClient(client, "us-east-1")
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-haiku",
		Messages: []domain.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" || resp.Choices[0].FinishReason != "stop" || resp.Usage.TotalTokens != 4 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestChatCompletion_Throttled(t *testing.T) {
	client := &mockRuntime{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
		},
	}

	_, err := newWithClient(client, "us-east-1").ChatCompletion(context.Background(), domain.ChatRequest{Model: "claude-3-haiku"})
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 429 || !pe.Retryable {
		t.Errorf("expected retryable 429, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, true},
		{"unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailableException"}, true},
		{"model timeout", &smithy.GenericAPIError{Code: "ModelTimeoutException"}, true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException"}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, false},
		{"unknown server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, true},
		{"network", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.IsRetryable(classify(tt.err)); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}

	if err := classify(context.Canceled); err != context.Canceled {
		t.Errorf("context errors must pass through, got %v", err)
	}
}

func TestRelayEvents(t *testing.T) {
	stream := newFakeStream(nil,
		`{"type":"message_start","message":{"id":"msg_7"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`,
		`{"type":"message_stop"}`,
	)

	chunks := make(chan domain.StreamChunk, 8)
	if err := relayEvents(context.Background(), stream, "claude", chunks); err != nil {
		t.Fatalf("relayEvents() error = %v", err)
	}
	close(chunks)

	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", got)
	}
	if got[0].ID != "msg_7" || got[1].Seq != 1 || got[1].Content() != "lo" {
		t.Errorf("unexpected chunks %+v", got)
	}
	if !got[2].Final || got[2].Seq != 2 || got[2].Choices[0].FinishReason != "length" {
		t.Errorf("unexpected final chunk %+v", got[2])
	}
}

func TestRelayEvents_StreamError(t *testing.T) {
	stream := newFakeStream(&smithy.GenericAPIError{Code: "ModelStreamErrorException"},
		`{"type":"content_block_delta","delta":{"text":"par"}}`,
	)

	chunks := make(chan domain.StreamChunk, 8)
	err := relayEvents(context.Background(), stream, "claude", chunks)
	if !domain.IsRetryable(err) {
		t.Errorf("expected retryable stream error, got %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestMapModelID(t *testing.T) {
	if got := mapModelID("claude-3-opus"); got != "anthropic.claude-3-opus-20240229-v1:0" {
		t.Errorf("mapModelID = %q", got)
	}
	if got := mapModelID("custom.model-v1"); got != "custom.model-v1" {
		t.Errorf("unknown models must pass through, got %q", got)
	}
}

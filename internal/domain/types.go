package domain

import "time"

// ClientIdentity scopes rate-limit buckets. It is an API key hash or a tenant id.
type ClientIdentity string

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Gateway struct {
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// StreamChunk is one increment of a streaming completion. Seq starts at 0 and
// increases by one per chunk of the same request; Final marks the last chunk.
type StreamChunk struct {
	Seq     int64    `json:"seq"`
	Final   bool     `json:"-"`
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Content returns the text carried by the chunk's first choice.
func (c StreamChunk) Content() string {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinalChunk marks the end of a stream that carried seq chunks before it.
func FinalChunk(id, model string, seq int64, finishReason string) StreamChunk {
	if finishReason == "" {
		finishReason = "stop"
	}
	return StreamChunk{
		Seq:     seq,
		Final:   true,
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Delta: &Delta{}, FinishReason: finishReason}},
	}
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// EstimateTokens gives the admission cost of a request: roughly four characters
// per prompt token plus the completion budget.
func EstimateTokens(req ChatRequest) int64 {
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := int64(chars/4) + 1
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		tokens += int64(*req.MaxTokens)
	}
	return tokens
}

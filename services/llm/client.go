package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatMessage is one turn of conversational context sent to a backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatResult is a completed single-shot chat response.
type ChatResult struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

// StreamEventType discriminates events delivered through a StreamCallback.
type StreamEventType string

const (
	// StreamEventToken carries one incremental content delta.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone is emitted exactly once after the last token.
	StreamEventDone StreamEventType = "done"
	// StreamEventError reports a mid-stream backend failure.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streamed output.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Content    string          `json:"content,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StreamCallback receives stream events in arrival order. Returning a
// non-nil error stops the stream; ChatStream propagates that error to
// its caller.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (*ChatResult, error)
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams,
		callback StreamCallback) error
}

// Package llm defines the Provider interface for tool-capable chat models.
//
// A provider streams one assistant response for a conversation: text
// fragments as they are generated, then the tool calls the model wants to
// make, then a finish reason. The pipeline's LLM stage turns the stream into
// frames; providers know nothing about frames.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Finish reasons reported on the last [Chunk] of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	// FinishError marks a stream that failed after it started. The chunk's
	// Text carries the error message.
	FinishError = "error"
)

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one response.
type CompletionRequest struct {
	// Messages is the ordered conversation, system turns included.
	Messages []Message

	// Tools is the set of functions offered to the model.
	Tools []ToolDefinition

	// ToolChoice controls whether and which tools the model may call. The
	// zero value lets the model decide.
	ToolChoice ToolChoice

	// Temperature in [0.0, 2.0]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero uses the provider default.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion. A chunk may carry text,
// tool calls, usage and a finish reason in any combination.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk; see the Finish constants.
	FinishReason string

	// ToolCalls is set on the final chunk of a response that calls tools.
	// Fragments are accumulated by the provider.
	ToolCalls []ToolCall

	// Usage is reported once, when the backend provides it.
	Usage *Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks. The initial
	// error is non-nil only when the stream could not be started; failures
	// after that arrive as a chunk with FinishReason [FinishError].
	//
	// The returned channel is never nil when error is nil, and callers must
	// drain it.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata about the configured model.
	Capabilities() ModelCapabilities
}

package anyllm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	anyllmerr "github.com/mozilla-ai/any-llm-go/errors"

	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   llm.Message
	}{
		{"system", llm.Message{Role: "system", Content: "You are a receptionist."}},
		{"user with name", llm.Message{Role: "user", Content: "Hello!", Name: "caller"}},
		{"tool result", llm.Message{Role: "tool", Content: `{"available":true}`, ToolCallID: "call_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("role = %q, want %q", got.Role, tt.in.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("content = %q, want %q", got.ContentString(), tt.in.Content)
			}
			if got.Name != tt.in.Name || got.ToolCallID != tt.in.ToolCallID {
				t.Errorf("name/tool id not preserved: %+v", got)
			}
		})
	}
}

func TestConvertMessage_ToolCalls(t *testing.T) {
	t.Parallel()
	got := convertMessage(llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "check_availability", Arguments: `{"party_size":4}`}},
	})
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "check_availability" || tc.Function.Arguments != `{"party_size":4}` {
		t.Errorf("unexpected tool call %+v", tc)
	}
}

func TestBuildParams_ToolChoiceNoneWithholdsTools(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "claude-3-5-haiku-latest"}
	req := llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Tools:       []llm.ToolDefinition{{Name: "check_availability"}},
		Temperature: 0.3,
		MaxTokens:   150,
	}

	params := p.buildParams(req)
	if len(params.Tools) != 1 {
		t.Errorf("auto: tools = %d, want 1", len(params.Tools))
	}
	if params.Temperature == nil || *params.Temperature != 0.3 || params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("sampling params not set: %+v", params)
	}

	req.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceNone}
	if got := p.buildParams(req); len(got.Tools) != 0 {
		t.Errorf("none: tools = %d, want 0", len(got.Tools))
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model  string
		window int
	}{
		{"gpt-4o-mini", 128_000},
		{"GPT-4", 8_192},
		{"claude-3-5-sonnet-latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"mixtral-8x7b", 128_000},
	}
	for _, tt := range tests {
		if got := modelCapabilities(tt.model).ContextWindow; got != tt.window {
			t.Errorf("%s: window = %d, want %d", tt.model, got, tt.window)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("x")); err == nil {
		t.Error("expected error for unsupported backend")
	}
	p, err := New("OpenAI", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.name != "openai" {
		t.Errorf("name = %q", p.name)
	}
	if !Supports("groq") || Supports("fakecloud") {
		t.Error("Supports mismatch")
	}
}

// fakeBackend streams scripted chunks or fails with err before the first.
type fakeBackend struct {
	err    error
	chunks []anyllmlib.ChatCompletionChunk
	calls  atomic.Int32
}

func (*fakeBackend) Name() string { return "fake" }

func (*fakeBackend) Completion(context.Context, anyllmlib.CompletionParams) (*anyllmlib.ChatCompletion, error) {
	return nil, errors.New("not streamed")
}

func (b *fakeBackend) CompletionStream(ctx context.Context, _ anyllmlib.CompletionParams) (<-chan anyllmlib.ChatCompletionChunk, <-chan error) {
	b.calls.Add(1)
	chunks := make(chan anyllmlib.ChatCompletionChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if b.err != nil {
			errs <- b.err
			return
		}
		for _, c := range b.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func TestStreamCompletion_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{name: "bad key", err: anyllmerr.NewAuthenticationError("fake", errors.New("401")), wantCalls: 1},
		{name: "unknown model", err: anyllmerr.NewModelNotFoundError("fake", errors.New("404")), wantCalls: 1},
		{name: "rate limited", err: anyllmerr.NewRateLimitError("fake", errors.New("429")), wantCalls: 3},
		{name: "backend down", err: anyllmerr.NewProviderError("fake", errors.New("502")), wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{err: tt.err}
			p := &Provider{backend: b, name: "fake", model: "m"}
			policy := resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
			_, err := resilience.Retry(context.Background(), policy, func(ctx context.Context) (<-chan llm.Chunk, error) {
				return p.StreamCompletion(ctx, llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if got := b.calls.Load(); got != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestStreamCompletion_RelaysFirstChunk(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{
		{Choices: []anyllmlib.ChunkChoice{{Delta: anyllmlib.ChunkDelta{Content: "We open "}}}},
		{Choices: []anyllmlib.ChunkChoice{{Delta: anyllmlib.ChunkDelta{Content: "at noon."}, FinishReason: "stop"}}},
	}}
	p := &Provider{backend: b, name: "fake", model: "m"}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hours?"}}})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "We open at noon." {
		t.Errorf("text = %q", text)
	}
}

func TestStreamCompletion_InvalidToolChoiceIsNotRetried(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	p := &Provider{backend: b, name: "fake", model: "m"}
	attempts := 0
	_, err := resilience.Retry(context.Background(), resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) (<-chan llm.Chunk, error) {
		attempts++
		return p.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:   []llm.Message{{Role: "user", Content: "hi"}},
			ToolChoice: llm.ToolChoice{Mode: llm.ToolChoiceForced, Name: "cancel_booking"},
		})
	})
	if err == nil || attempts != 1 {
		t.Errorf("attempts = %d, err = %v", attempts, err)
	}
	if b.calls.Load() != 0 {
		t.Error("backend called with an invalid request")
	}
}

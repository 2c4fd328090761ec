// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, which puts OpenAI, Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq and local llama.cpp servers behind one
// interface.
//
// The backend exposes no tool-choice control, so [llm.ToolChoiceNone] is
// honoured by withholding the tools and every other mode is sent as "auto".
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/pkg/provider/llm"
)

// Backends lists the accepted backend names.
var Backends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Provider implements llm.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a provider for backend (one of [Backends]) and model. opts are
// passed to the backend, e.g. anyllmlib.WithAPIKey. Without an API key
// option the backend reads its usual environment variable.
func New(backend string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, fmt.Errorf("anyllm: backend must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	b, err := createBackend(backend, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backend, err)
	}
	return &Provider{backend: b, name: strings.ToLower(backend), model: model}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	}
	return nil, fmt.Errorf("unsupported backend %q; supported: %s", name, strings.Join(Backends, ", "))
}

// StreamCompletion implements llm.Provider. It returns once the first
// chunk has arrived, so a request the backend refuses fails here.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := req.ToolChoice.Validate(req.Tools); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("anyllm: %w", err))
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	var first *anyllmlib.ChatCompletionChunk
	select {
	case c, ok := <-chunks:
		if ok {
			first = &c
		} else if err := <-errs; err != nil {
			return nil, startError(fmt.Errorf("anyllm: start stream: %w", err))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		if first == nil {
			return
		}

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var calls llm.ToolCallAccumulator
		relay := func(chunk anyllmlib.ChatCompletionChunk) bool {
			if len(chunk.Choices) == 0 {
				return true
			}
			choice := chunk.Choices[0]
			for i, tc := range choice.Delta.ToolCalls {
				calls.Add(i, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" && calls.Len() > 0 {
				out.ToolCalls = calls.Calls()
				if out.FinishReason != anyllmlib.FinishReasonToolCalls {
					out.FinishReason = llm.FinishToolCalls
				}
			}
			if out.Text == "" && out.FinishReason == "" {
				return true
			}
			return send(out)
		}

		if !relay(*first) {
			return
		}
		for chunk := range chunks {
			if !relay(chunk) {
				return
			}
		}

		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()})
		}
	}()

	return ch, nil
}

// refused are backend errors the same request will hit again.
var refused = []error{
	anyllmlib.ErrAuthentication,
	anyllmlib.ErrInvalidRequest,
	anyllmlib.ErrContextLength,
	anyllmlib.ErrContentFilter,
	anyllmlib.ErrModelNotFound,
	anyllmlib.ErrMissingAPIKey,
	anyllmlib.ErrUnsupportedParam,
}

func startError(err error) error {
	for _, target := range refused {
		if errors.Is(err, target) {
			return resilience.Permanent(err)
		}
	}
	var perr *anyllmlib.ProviderError
	if errors.As(err, &perr) {
		return resilience.PermanentStatus(perr.StatusCode, err)
	}
	return err
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	if req.ToolChoice.Mode == llm.ToolChoiceNone {
		return params
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func convertMessage(m llm.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// modelCapabilities covers the OpenAI, Anthropic and Gemini families; other
// models get conservative defaults.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-flash"), strings.Contains(lower, "gemini-2"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.MaxOutputTokens = 8_192
	}
	return caps
}

// Supports reports whether name is an accepted backend.
func Supports(name string) bool {
	return slices.Contains(Backends, strings.ToLower(name))
}

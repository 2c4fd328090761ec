package llm

import (
	"fmt"
	"strings"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls holds the calls an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool".
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned and may be empty for some backends.
	ID   string
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a function offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceForced   ToolChoiceMode = "forced"
)

// ToolChoice is the tool-use policy of a request. Name is only meaningful
// for [ToolChoiceForced].
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Validate reports whether the choice is usable with the given tools.
func (c ToolChoice) Validate(tools []ToolDefinition) error {
	switch c.Mode {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		return nil
	case ToolChoiceForced:
		for _, t := range tools {
			if strings.EqualFold(t.Name, c.Name) {
				return nil
			}
		}
		return fmt.Errorf("llm: forced tool %q is not offered", c.Name)
	}
	return fmt.Errorf("llm: unknown tool choice mode %q", c.Mode)
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}

// ToolCallAccumulator merges streamed tool-call fragments keyed by their
// index in the response.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
	order []int
}

// Add merges one fragment.
func (a *ToolCallAccumulator) Add(index int, id, name, args string) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	tc, ok := a.calls[index]
	if !ok {
		tc = &ToolCall{}
		a.calls[index] = tc
		a.order = append(a.order, index)
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len returns the number of distinct calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.order) }

// Calls returns the accumulated calls in first-seen order.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, i := range a.order {
		out = append(out, *a.calls[i])
	}
	return out
}

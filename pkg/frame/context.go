package frame

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Role is the speaker of a [Turn].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one committed unit of conversation history.
type Turn struct {
	Role    Role
	Content string

	// Name identifies the tool for RoleTool turns.
	Name string

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool turn to the call it resolves.
	ToolCallID string

	// Truncated marks an assistant turn cut short by barge-in.
	Truncated bool
}

// ToolPending is the content of a tool turn whose result has not arrived
// yet. The turn is overwritten in place once the result is known.
const ToolPending = `{"status":"in_progress"}`

// Clone returns a deep copy of t.
func (t Turn) Clone() Turn {
	t.ToolCalls = slices.Clone(t.ToolCalls)
	return t
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ToolChoiceMode is the model's tool-selection policy.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceForced   ToolChoiceMode = "forced"
)

// ToolChoice selects how the model may use tools. Name is only meaningful
// for [ToolChoiceForced].
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ParseToolChoice accepts "auto", "none", "required" or "forced:<tool>".
// The empty string means auto.
func ParseToolChoice(s string) (ToolChoice, error) {
	switch {
	case s == "" || s == string(ToolChoiceAuto):
		return ToolChoice{Mode: ToolChoiceAuto}, nil
	case s == string(ToolChoiceNone):
		return ToolChoice{Mode: ToolChoiceNone}, nil
	case s == string(ToolChoiceRequired):
		return ToolChoice{Mode: ToolChoiceRequired}, nil
	case strings.HasPrefix(s, "forced:") && len(s) > len("forced:"):
		return ToolChoice{Mode: ToolChoiceForced, Name: strings.TrimPrefix(s, "forced:")}, nil
	}
	return ToolChoice{}, fmt.Errorf("frame: unknown tool choice %q", s)
}

func (c ToolChoice) String() string {
	if c.Mode == ToolChoiceForced {
		return "forced:" + c.Name
	}
	if c.Mode == "" {
		return string(ToolChoiceAuto)
	}
	return string(c.Mode)
}

// Context is an immutable snapshot of the conversation handed to the model
// adapter. Producers build it from a deep copy; consumers must not modify it.
type Context struct {
	Base
	Turns      []Turn
	Tools      []ToolDefinition
	ToolChoice ToolChoice
}

func (*Context) Kind() Kind { return KindContext }

// NewContext copies turns and tools into a new snapshot frame.
func NewContext(turns []Turn, tools []ToolDefinition, choice ToolChoice) *Context {
	c := &Context{Base: now(), ToolChoice: choice}
	c.Turns = make([]Turn, len(turns))
	for i, t := range turns {
		c.Turns[i] = t.Clone()
	}
	c.Tools = make([]ToolDefinition, len(tools))
	for i, d := range tools {
		d.Parameters = maps.Clone(d.Parameters)
		c.Tools[i] = d
	}
	return c
}

// AppendTurns asks the aggregator to append Turns to the history. With
// RunLLM set the aggregator then emits a fresh [Context].
type AppendTurns struct {
	Base
	Turns  []Turn
	RunLLM bool
}

func (*AppendTurns) Kind() Kind { return KindAppendTurns }

func NewAppendTurns(runLLM bool, turns ...Turn) *AppendTurns {
	return &AppendTurns{Base: now(), Turns: turns, RunLLM: runLLM}
}

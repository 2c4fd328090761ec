// Package conversation holds the per-session conversation history: committed
// turns, the tools offered to the model and the tool-choice policy.
//
// A [Context] has exactly one writer. The aggregator claims it at session
// setup with [Context.ClaimWriter]; every other component reads through
// [Context.Snapshot], which returns a deep copy.
package conversation

import (
	"errors"
	"slices"
	"sync"

	"github.com/MrWong99/switchline/pkg/frame"
)

// ErrWriterClaimed is returned by [Context.ClaimWriter] after the first call.
var ErrWriterClaimed = errors.New("conversation: writer already claimed")

// Context is the conversation state of one session. It is safe for
// concurrent use.
type Context struct {
	mu      sync.RWMutex
	turns   []frame.Turn
	tools   []frame.ToolDefinition
	choice  frame.ToolChoice
	claimed bool
}

// New returns a context seeded with the given system prompt, tools and tool
// choice. An empty prompt adds no turn.
func New(systemPrompt string, tools []frame.ToolDefinition, choice frame.ToolChoice) *Context {
	c := &Context{tools: slices.Clone(tools), choice: choice}
	if c.choice.Mode == "" {
		c.choice.Mode = frame.ToolChoiceAuto
	}
	if systemPrompt != "" {
		c.turns = append(c.turns, frame.Turn{Role: frame.RoleSystem, Content: systemPrompt})
	}
	return c
}

// ClaimWriter hands out the single writer.
func (c *Context) ClaimWriter() (*Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return nil, ErrWriterClaimed
	}
	c.claimed = true
	return &Writer{c: c}, nil
}

// Snapshot returns a frame carrying a deep copy of the current state.
func (c *Context) Snapshot() *frame.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return frame.NewContext(c.turns, c.tools, c.choice)
}

// Turns returns a deep copy of the committed turns.
func (c *Context) Turns() []frame.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]frame.Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of committed turns.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// ToolChoice returns the current tool-choice policy.
func (c *Context) ToolChoice() frame.ToolChoice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.choice
}

// Writer mutates a [Context]. Only the holder of the writer may change the
// history.
type Writer struct {
	c *Context
}

// Append commits turns in order.
func (w *Writer) Append(turns ...frame.Turn) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	for _, t := range turns {
		w.c.turns = append(w.c.turns, t.Clone())
	}
}

// ResolveTool overwrites the content of the tool turn answering callID. It
// reports false when no such turn exists.
func (w *Writer) ResolveTool(callID, content string) bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	for i := len(w.c.turns) - 1; i >= 0; i-- {
		t := &w.c.turns[i]
		if t.Role == frame.RoleTool && t.ToolCallID == callID {
			t.Content = content
			return true
		}
	}
	return false
}

// SetToolChoice replaces the tool-choice policy.
func (w *Writer) SetToolChoice(choice frame.ToolChoice) {
	w.c.mu.Lock()
	w.c.choice = choice
	w.c.mu.Unlock()
}

// Context returns the context this writer mutates.
func (w *Writer) Context() *Context { return w.c }

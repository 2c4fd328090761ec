// Package tools holds the per-session tool registry and the dispatcher that
// executes model-requested tool calls one at a time.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/switchline/pkg/frame"
)

// ErrDuplicateTool is returned by [NewRegistry] when two tools share a name.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// Handler executes a tool call. It reports the outcome through
// [Call.Result], either before returning or later from another goroutine.
// Only the first report counts.
type Handler func(ctx context.Context, c *Call)

// Tool couples the model-facing definition with its handler.
type Tool struct {
	Definition frame.ToolDefinition
	Handler    Handler

	// Timeout overrides the dispatcher's per-call timeout when positive.
	Timeout time.Duration
}

// Call is one tool invocation handed to a [Handler].
type Call struct {
	ID        string
	Name      string
	Arguments string

	once sync.Once
	done chan outcome
}

type outcome struct {
	value any
	err   error
}

func newCall(fc frame.ToolCall) *Call {
	return &Call{ID: fc.ID, Name: fc.Name, Arguments: fc.Arguments, done: make(chan outcome, 1)}
}

// Result reports the outcome of the call. Calls after the first are
// ignored, so late or duplicate callbacks are harmless.
func (c *Call) Result(value any, err error) {
	c.once.Do(func() { c.done <- outcome{value: value, err: err} })
}

// Decode unmarshals the JSON arguments into v. Empty arguments leave v
// untouched.
func (c *Call) Decode(v any) error {
	if c.Arguments == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(c.Arguments), v); err != nil {
		return fmt.Errorf("tools: decode arguments for %q: %w", c.Name, err)
	}
	return nil
}

// Registry is the immutable set of tools offered in a session.
type Registry struct {
	byName map[string]Tool
	order  []string
}

// NewRegistry builds a registry. Names must be unique and non-empty, and
// every tool needs a handler.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	var errs []error
	for _, t := range tools {
		name := t.Definition.Name
		switch {
		case name == "":
			errs = append(errs, errors.New("tools: tool with empty name"))
			continue
		case t.Handler == nil:
			errs = append(errs, fmt.Errorf("tools: tool %q has no handler", name))
			continue
		}
		if _, dup := r.byName[name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateTool, name))
			continue
		}
		r.byName[name] = t
		r.order = append(r.order, name)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Len returns the number of tools.
func (r *Registry) Len() int { return len(r.order) }

// Definitions returns the model-facing definitions in registration order.
func (r *Registry) Definitions() []frame.ToolDefinition {
	out := make([]frame.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n].Definition)
	}
	return out
}

// suggestThreshold is the minimum Jaro-Winkler similarity for a suggestion.
const suggestThreshold = 0.8

// Suggest returns the registered name closest to name, or "" when nothing
// is similar enough.
func (r *Registry) Suggest(name string) string {
	best, score := "", suggestThreshold
	for _, n := range r.order {
		if s := matchr.JaroWinkler(name, n, false); s >= score {
			best, score = n, s
		}
	}
	return best
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/switchline/pkg/frame"
)

// Func builds a tool whose parameter schema is reflected from T. Fields
// without omitempty are required; descriptions come from
// `jsonschema:"description=..."` tags. fn runs on the dispatcher's goroutine
// with the decoded arguments.
func Func[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (Tool, error) {
	params, err := SchemaFor[T]()
	if err != nil {
		return Tool{}, fmt.Errorf("tools: schema for %q: %w", name, err)
	}
	return Tool{
		Definition: frame.ToolDefinition{Name: name, Description: description, Parameters: params},
		Handler: func(ctx context.Context, c *Call) {
			var args T
			if err := c.Decode(&args); err != nil {
				c.Result(nil, err)
				return
			}
			c.Result(fn(ctx, args))
		},
	}, nil
}

// SchemaFor returns the JSON Schema of T as a plain map.
func SchemaFor[T any]() (map[string]any, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, ExpandedStruct: true}
	var zero T
	raw, err := json.Marshal(r.Reflect(zero))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	return out, nil
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/switchline/pkg/frame"
)

func echoTool(name string) Tool {
	return Tool{
		Definition: frame.ToolDefinition{Name: name},
		Handler:    func(_ context.Context, c *Call) { c.Result(c.Arguments, nil) },
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tools   []Tool
		wantErr error
		wantAny bool
	}{
		{name: "ok", tools: []Tool{echoTool("a"), echoTool("b")}},
		{name: "duplicate", tools: []Tool{echoTool("a"), echoTool("a")}, wantErr: ErrDuplicateTool},
		{name: "empty name", tools: []Tool{echoTool("")}, wantAny: true},
		{name: "no handler", tools: []Tool{{Definition: frame.ToolDefinition{Name: "x"}}}, wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRegistry(tt.tools...)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Fatal("expected an error")
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
					t.Errorf("Names = %v", got)
				}
				if len(r.Definitions()) != 2 {
					t.Error("definitions missing")
				}
			}
		})
	}
}

func TestRegistry_Suggest(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(echoTool("check_availability"), echoTool("cancel_booking"))
	if got := r.Suggest("check_availabilty"); got != "check_availability" {
		t.Errorf("Suggest = %q", got)
	}
	if got := r.Suggest("weather"); got != "" {
		t.Errorf("Suggest for an unrelated name = %q", got)
	}
}

type bookingArgs struct {
	Date      string `json:"date" jsonschema:"description=Date as YYYY-MM-DD"`
	PartySize int    `json:"party_size"`
	Note      string `json:"note,omitempty"`
}

func TestFunc_SchemaAndDecode(t *testing.T) {
	t.Parallel()
	tool, err := Func("book", "Book a table", func(_ context.Context, a bookingArgs) (any, error) {
		return map[string]any{"date": a.Date, "size": a.PartySize}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	p := tool.Definition.Parameters
	if p["type"] != "object" {
		t.Fatalf("schema type = %v", p["type"])
	}
	if _, ok := p["$schema"]; ok {
		t.Error("$schema key leaked into parameters")
	}
	props, _ := p["properties"].(map[string]any)
	date, _ := props["date"].(map[string]any)
	if date["description"] != "Date as YYYY-MM-DD" {
		t.Errorf("date schema = %v", date)
	}
	req, _ := p["required"].([]any)
	if len(req) != 2 {
		t.Errorf("required = %v, want date and party_size", req)
	}

	c := newCall(frame.ToolCall{ID: "1", Name: "book", Arguments: `{"date":"2025-03-01","party_size":4}`})
	tool.Handler(context.Background(), c)
	out := <-c.done
	if out.err != nil {
		t.Fatal(out.err)
	}
	b, _ := json.Marshal(out.value)
	if string(b) != `{"date":"2025-03-01","size":4}` {
		t.Errorf("result = %s", b)
	}

	bad := newCall(frame.ToolCall{Name: "book", Arguments: `{"party_size":"four"}`})
	tool.Handler(context.Background(), bad)
	if out := <-bad.done; out.err == nil || !strings.Contains(out.err.Error(), "decode arguments") {
		t.Errorf("bad arguments err = %v", out.err)
	}
}

func TestCall_ResultFirstWins(t *testing.T) {
	t.Parallel()
	c := newCall(frame.ToolCall{})
	c.Result("first", nil)
	c.Result("second", errors.New("late"))
	out := <-c.done
	if out.value != "first" || out.err != nil {
		t.Errorf("outcome = %+v", out)
	}
	select {
	case extra := <-c.done:
		t.Errorf("second outcome delivered: %+v", extra)
	default:
	}
}

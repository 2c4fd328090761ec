package conversation

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/switchline/pkg/frame"
)

func TestClaimWriter_Once(t *testing.T) {
	t.Parallel()
	c := New("", nil, frame.ToolChoice{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	got, claimed := 0, 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ClaimWriter()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				got++
			case errors.Is(err, ErrWriterClaimed):
				claimed++
			default:
				t.Errorf("unexpected err %v", err)
			}
		}()
	}
	wg.Wait()
	if got != 1 || claimed != 7 {
		t.Errorf("writers = %d, rejections = %d", got, claimed)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	t.Parallel()
	tools := []frame.ToolDefinition{{Name: "check_availability", Parameters: map[string]any{"type": "object"}}}
	c := New("You are a receptionist.", tools, frame.ToolChoice{})
	w, err := c.ClaimWriter()
	if err != nil {
		t.Fatal(err)
	}
	w.Append(frame.Turn{
		Role:      frame.RoleAssistant,
		ToolCalls: []frame.ToolCall{{ID: "c1", Name: "check_availability", Arguments: "{}"}},
	})

	snap := c.Snapshot()
	snap.Turns[1].ToolCalls[0].Name = "mutated"
	snap.Tools[0].Parameters["type"] = "mutated"
	snap.Turns = append(snap.Turns, frame.Turn{Role: frame.RoleUser})

	again := c.Snapshot()
	if len(again.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(again.Turns))
	}
	if again.Turns[1].ToolCalls[0].Name != "check_availability" {
		t.Error("snapshot shares tool calls with the context")
	}
	if again.Tools[0].Parameters["type"] != "object" {
		t.Error("snapshot shares tool parameters with the context")
	}
	if again.ToolChoice.Mode != frame.ToolChoiceAuto {
		t.Errorf("default tool choice = %q", again.ToolChoice.Mode)
	}
}

func TestWriter_SetToolChoice(t *testing.T) {
	t.Parallel()
	c := New("", nil, frame.ToolChoice{Mode: frame.ToolChoiceNone})
	w, _ := c.ClaimWriter()
	w.SetToolChoice(frame.ToolChoice{Mode: frame.ToolChoiceForced, Name: "check_availability"})
	if got := c.ToolChoice().String(); got != "forced:check_availability" {
		t.Errorf("tool choice = %q", got)
	}
	if w.Context() != c {
		t.Error("writer bound to a different context")
	}
}

func TestWriter_ResolveTool(t *testing.T) {
	t.Parallel()
	c := New("prompt", nil, frame.ToolChoice{})
	w, _ := c.ClaimWriter()
	w.Append(
		frame.Turn{Role: frame.RoleAssistant, ToolCalls: []frame.ToolCall{{ID: "a"}, {ID: "b"}}},
		frame.Turn{Role: frame.RoleTool, ToolCallID: "a", Content: frame.ToolPending},
		frame.Turn{Role: frame.RoleTool, ToolCallID: "b", Content: frame.ToolPending},
		frame.Turn{Role: frame.RoleUser, Content: "still there?"},
	)

	if !w.ResolveTool("b", `{"ok":true}`) {
		t.Fatal("ResolveTool(b) = false")
	}
	if w.ResolveTool("missing", "{}") {
		t.Error("ResolveTool reported a turn for an unknown call")
	}
	turns := c.Turns()
	if len(turns) != 5 {
		t.Fatalf("turns = %d, want 5", len(turns))
	}
	if turns[2].Content != frame.ToolPending || turns[3].Content != `{"ok":true}` {
		t.Errorf("tool turns = %+v, %+v", turns[2], turns[3])
	}
}

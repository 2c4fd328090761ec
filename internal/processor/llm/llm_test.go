package llm

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/pipeline/pipelinetest"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchline/pkg/provider/llm/mock"
)

var fastRetry = resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func lookupTool(t *testing.T, handler tools.Handler) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Tool{
		Definition: frame.ToolDefinition{Name: "check_availability", Description: "Check table availability."},
		Handler:    handler,
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func available(_ context.Context, c *tools.Call) { c.Result(map[string]bool{"available": true}, nil) }

func start(t *testing.T, p *Processor) *pipelinetest.Emitter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := pipelinetest.New()
	if err := p.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		_ = p.Stop()
	})
	return out
}

func push(t *testing.T, p *Processor, out *pipelinetest.Emitter, f frame.Frame, dir frame.Direction) {
	t.Helper()
	if err := p.ProcessFrame(context.Background(), f, dir, out); err != nil {
		t.Fatal(err)
	}
}

func userContext(text string) *frame.Context {
	return frame.NewContext([]frame.Turn{
		{Role: frame.RoleSystem, Content: "You take restaurant bookings."},
		{Role: frame.RoleUser, Content: text},
	}, nil, frame.ToolChoice{Mode: frame.ToolChoiceAuto})
}

func countKind(all []pipelinetest.Emitted, k frame.Kind) int { return pipelinetest.Count(all, k) }

func TestProcessor_ToolResultBeforeNextTextDelta(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{Responses: [][]llm.Chunk{
		{{Text: "Let me check."}, {
			FinishReason: llm.FinishToolCalls,
			ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: "check_availability", Arguments: `{"party_size":2}`}},
		}},
		{{Text: "Good news, "}, {Text: "we have a table."}, {FinishReason: llm.FinishStop, Usage: &llm.Usage{PromptTokens: 40, CompletionTokens: 8}}},
	}}
	p := New(prov, lookupTool(t, available), Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("Table for two tomorrow?"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindToolCallResult) == 1
	})
	res := pipelinetest.Of[*frame.ToolCallResult](out)[0]
	if res.CallID != "call_1" || res.IsError || !res.RunLLM {
		t.Fatalf("result = %+v", res)
	}
	if res.Result != `{"available":true}` {
		t.Errorf("result payload = %s", res.Result)
	}

	// The assistant aggregator answers a RunLLM result with a fresh context.
	push(t, p, out, userContext("Table for two tomorrow?"), frame.Upstream)
	all := out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindResponseEnd) == 2
	})

	kinds := make([]frame.Kind, len(all))
	for i, e := range all {
		kinds[i] = e.Frame.Kind()
	}
	want := []frame.Kind{
		frame.KindResponseStart, frame.KindTextDelta, frame.KindToolCallRequest, frame.KindResponseEnd,
		frame.KindToolCallResult,
		frame.KindResponseStart, frame.KindTextDelta, frame.KindTextDelta, frame.KindResponseEnd,
	}
	if !slices.Equal(kinds, want) {
		t.Errorf("kinds =\n%v\nwant\n%v", kinds, want)
	}
	for _, e := range all {
		if e.Direction != frame.Downstream {
			t.Errorf("%s emitted %s", e.Frame.Kind(), e.Direction)
		}
	}

	var toolMetric, tokens bool
	for _, m := range out.Metrics() {
		switch m.Kind {
		case pipeline.MetricToolCall:
			toolMetric = m.Detail == "check_availability" && m.Status == tools.StatusOK
		case pipeline.MetricTokens:
			tokens = tokens || (m.Detail == "prompt" && m.Value == 40)
		}
	}
	if !toolMetric || !tokens {
		t.Errorf("metrics = %+v", out.Metrics())
	}

	calls := prov.Calls()
	if len(calls) != 2 || len(calls[0].Messages) != 2 || calls[0].ToolChoice.Mode != llm.ToolChoiceAuto {
		t.Errorf("requests = %+v", calls)
	}
}

func TestProcessor_StartFailureSpeaksFallback(t *testing.T) {
	t.Parallel()

	boom := errors.New("503 overloaded")
	prov := &llmmock.Provider{StartErrs: []error{boom, boom, boom}}
	p := New(prov, nil, Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("hello"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindSpeak) == 1
	})
	if n := prov.CallCount(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
	errs := pipelinetest.Of[*frame.Error](out)
	if len(errs) != 1 || errs[0].Fatal || !errors.Is(errs[0].Err, boom) {
		t.Errorf("errors = %+v", errs)
	}
	if got := pipelinetest.Of[*frame.Speak](out)[0].Text; got != DefaultFallback {
		t.Errorf("fallback = %q", got)
	}
}

func TestProcessor_StreamErrorEndsResponse(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{Responses: [][]llm.Chunk{
		{{Text: "Sure"}, {FinishReason: llm.FinishError, Text: "connection reset"}},
	}}
	p := New(prov, nil, Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("hello"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindSpeak) == 1
	})
	ends := pipelinetest.Of[*frame.ResponseEnd](out)
	if len(ends) != 1 || !ends[0].Interrupted {
		t.Errorf("ends = %+v", ends)
	}
	if errs := pipelinetest.Of[*frame.Error](out); len(errs) != 1 || !strings.Contains(errs[0].Err.Error(), "connection reset") {
		t.Errorf("errors = %+v", errs)
	}
}

func TestProcessor_InterruptionCancelsGeneration(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	prov := &llmmock.Provider{Hold: hold, Responses: [][]llm.Chunk{{{Text: "Our opening hours are"}}}}
	p := New(prov, nil, Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("when are you open?"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindTextDelta) == 1
	})
	push(t, p, out, frame.NewInterruption(), frame.Downstream)

	// stopGeneration waited for the goroutine, so nothing more can arrive.
	if n := countKind(out.All(), frame.KindResponseEnd); n != 0 {
		t.Errorf("ResponseEnd emitted %d times after interruption", n)
	}
}

func TestProcessor_NewContextSupersedes(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	prov := &llmmock.Provider{Hold: hold, Responses: [][]llm.Chunk{
		{{Text: "We are open"}},
		{{Text: "Booked."}},
	}}
	p := New(prov, nil, Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("when are you open?"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindTextDelta) == 1
	})
	push(t, p, out, userContext("actually just book it"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindTextDelta) == 2
	})

	ends := pipelinetest.Of[*frame.ResponseEnd](out)
	if len(ends) != 1 || !ends[0].Interrupted {
		t.Errorf("ends = %+v, want one interrupted", ends)
	}
	if n := prov.CallCount(); n != 2 {
		t.Errorf("calls = %d", n)
	}
}

func TestProcessor_InterruptionSuppressesRunLLM(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := func(ctx context.Context, c *tools.Call) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		c.Result("done", nil)
	}
	prov := &llmmock.Provider{Responses: [][]llm.Chunk{{{
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    []llm.ToolCall{{Name: "check_availability", Arguments: `{}`}},
	}}}}
	p := New(prov, lookupTool(t, slow), Config{Retry: fastRetry})
	out := start(t, p)

	push(t, p, out, userContext("is there room?"), frame.Downstream)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindResponseEnd) == 1
	})
	req := pipelinetest.Of[*frame.ToolCallRequest](out)[0]
	if !strings.HasPrefix(req.Calls[0].ID, "call_") {
		t.Errorf("generated id = %q", req.Calls[0].ID)
	}

	push(t, p, out, frame.NewInterruption(), frame.Downstream)
	close(release)
	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindToolCallResult) == 1
	})
	res := pipelinetest.Of[*frame.ToolCallResult](out)[0]
	if res.RunLLM {
		t.Error("RunLLM set after interruption")
	}
	if res.CallID != req.Calls[0].ID {
		t.Errorf("call id = %q, want %q", res.CallID, req.Calls[0].ID)
	}
}

func TestProcessor_UserContextHeldDuringToolCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		interrupt bool
	}{
		{name: "caller speaks while the call runs"},
		{name: "caller barges in and speaks", interrupt: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			release := make(chan struct{})
			slow := func(ctx context.Context, c *tools.Call) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				c.Result(map[string]bool{"available": true}, nil)
			}
			prov := &llmmock.Provider{Responses: [][]llm.Chunk{
				{{FinishReason: llm.FinishToolCalls, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "check_availability", Arguments: `{}`}}}},
				{{Text: "We have a table."}, {FinishReason: llm.FinishStop}},
			}}
			p := New(prov, lookupTool(t, slow), Config{Retry: fastRetry})
			out := start(t, p)

			push(t, p, out, userContext("table for two?"), frame.Downstream)
			out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
				return countKind(all, frame.KindResponseEnd) == 1
			})
			if tt.interrupt {
				push(t, p, out, frame.NewInterruption(), frame.Downstream)
			}
			push(t, p, out, userContext("hello?"), frame.Downstream)

			if n := prov.CallCount(); n != 1 {
				t.Fatalf("model called %d times while the tool call was running", n)
			}
			if n := countKind(out.All(), frame.KindResponseStart); n != 1 {
				t.Fatalf("responses started = %d, want 1", n)
			}

			close(release)
			out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
				return countKind(all, frame.KindToolCallResult) == 1
			})
			res := pipelinetest.Of[*frame.ToolCallResult](out)[0]
			if !res.RunLLM {
				t.Error("result does not ask for the held follow-up response")
			}
			if n := countKind(out.All(), frame.KindTextDelta); n != 0 {
				t.Errorf("text emitted before the tool result: %d deltas", n)
			}

			// Later user contexts run immediately again.
			push(t, p, out, userContext("thanks"), frame.Downstream)
			out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
				return countKind(all, frame.KindTextDelta) == 1
			})
		})
	}
}

// stallingEmitter blocks emits of one kind until the emitting context ends.
type stallingEmitter struct {
	*pipelinetest.Emitter
	kind    frame.Kind
	once    sync.Once
	stalled chan struct{}
}

func (e *stallingEmitter) Emit(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if f.Kind() == e.kind {
		e.once.Do(func() { close(e.stalled) })
		<-ctx.Done()
		return ctx.Err()
	}
	return e.Emitter.Emit(ctx, f, dir)
}

func TestProcessor_RequestedCallsResolveAfterStop(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{Responses: [][]llm.Chunk{{{
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    []llm.ToolCall{{ID: "call_1", Name: "check_availability", Arguments: `{}`}},
	}}}}
	p := New(prov, lookupTool(t, available), Config{Retry: fastRetry})

	ctx, cancel := context.WithCancel(context.Background())
	out := &stallingEmitter{Emitter: pipelinetest.New(), kind: frame.KindResponseEnd, stalled: make(chan struct{})}
	if err := p.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		_ = p.Stop()
	})

	if err := p.ProcessFrame(ctx, userContext("room for two?"), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	select {
	case <-out.stalled:
	case <-time.After(time.Second):
		t.Fatal("response never ended")
	}
	if err := p.ProcessFrame(ctx, frame.NewInterruption(), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}

	out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool {
		return countKind(all, frame.KindToolCallResult) == 1
	})
	if n := countKind(out.All(), frame.KindToolCallRequest); n != 1 {
		t.Fatalf("requests = %d", n)
	}
	if res := pipelinetest.Of[*frame.ToolCallResult](out.Emitter)[0]; res.CallID != "call_1" || res.RunLLM {
		t.Errorf("result = %+v", res)
	}
}

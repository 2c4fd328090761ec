// Package llm is the pipeline stage that runs the language model over the
// conversation and executes the tools it calls.
//
// Every [frame.Context] starts a generation; a newer context, an
// interruption or a cancel stops the running one. Tool calls are handed to a
// [tools.Dispatcher] and their results are emitted downstream so the
// assistant aggregator can record them and ask for the follow-up response.
// A user context that arrives while calls are outstanding is held until the
// last result, which then asks for the follow-up response instead.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/provider/llm"
)

// errSuperseded cancels a generation that a newer context replaced.
var errSuperseded = errors.New("llm: superseded by a newer context")

// DefaultFallback is spoken when the model cannot produce a response.
const DefaultFallback = "Sorry, something went wrong on my end. Could you repeat that?"

// Config tunes the stage.
type Config struct {
	// ProviderName labels metrics and logs.
	ProviderName string

	Temperature float64
	MaxTokens   int

	// Retry bounds starting a completion stream.
	Retry resilience.RetryPolicy

	// ToolTimeout overrides [tools.DefaultTimeout].
	ToolTimeout time.Duration

	FallbackMessage string
}

// Processor is the LLM stage.
type Processor struct {
	provider llm.Provider
	cfg      Config
	disp     *tools.Dispatcher

	ctx context.Context
	out pipeline.Emitter

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}

	// outstanding counts requested calls whose result has not been emitted.
	outstanding int
	held        bool

	wg sync.WaitGroup
}

var (
	_ pipeline.Processor = (*Processor)(nil)
	_ pipeline.Starter   = (*Processor)(nil)
	_ pipeline.Stopper   = (*Processor)(nil)
)

// New returns an LLM stage. reg may be nil when no tools are offered.
func New(p llm.Provider, reg *tools.Registry, cfg Config) *Processor {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallback
	}
	if reg == nil {
		reg, _ = tools.NewRegistry()
	}
	proc := &Processor{provider: p, cfg: cfg}
	proc.disp = tools.NewDispatcher(reg, proc.toolDone, tools.WithTimeout(cfg.ToolTimeout))
	return proc
}

func (*Processor) Name() string { return "llm" }

// Dispatcher exposes the stage's tool dispatcher.
func (p *Processor) Dispatcher() *tools.Dispatcher { return p.disp }

// Start launches the tool worker.
func (p *Processor) Start(ctx context.Context, out pipeline.Emitter) error {
	p.ctx, p.out = ctx, out
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.disp.Run(ctx)
	}()
	return nil
}

func (p *Processor) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	switch v := f.(type) {
	case *frame.Context:
		// Contexts arrive downstream from the user aggregator and upstream
		// from the assistant aggregator after a tool result.
		p.stopGeneration(errSuperseded)
		if dir == frame.Downstream && p.hold() {
			observe.Logger(ctx).Debug("llm: context held until tool calls finish")
			return nil
		}
		p.generate(v)
		return nil
	case *frame.Interruption:
		p.stopGeneration(context.Canceled)
		p.disp.Interrupt()
		return nil
	case *frame.Cancel:
		p.stopGeneration(context.Canceled)
		p.mu.Lock()
		p.held = false
		p.mu.Unlock()
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

// Stop cancels the running generation and waits for the tool worker.
func (p *Processor) Stop() error {
	p.stopGeneration(context.Canceled)
	p.wg.Wait()
	return nil
}

func (p *Processor) stopGeneration(cause error) {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(cause)
	<-done
}

// hold marks a context as waiting for the outstanding tool calls. It
// reports false when none are outstanding.
func (p *Processor) hold() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding == 0 {
		return false
	}
	p.held = true
	return true
}

func (p *Processor) generate(c *frame.Context) {
	p.stopGeneration(errSuperseded)

	ctx, cancel := context.WithCancelCause(p.ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	req := p.request(c)
	go func() {
		defer close(done)
		defer cancel(nil)
		p.run(ctx, req)
	}()
}

func (p *Processor) request(c *frame.Context) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Messages:    make([]llm.Message, 0, len(c.Turns)),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		ToolChoice:  llm.ToolChoice{Mode: llm.ToolChoiceMode(c.ToolChoice.Mode), Name: c.ToolChoice.Name},
	}
	for _, t := range c.Turns {
		m := llm.Message{Role: string(t.Role), Content: t.Content, Name: t.Name, ToolCallID: t.ToolCallID}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		req.Messages = append(req.Messages, m)
	}
	for _, d := range c.Tools {
		req.Tools = append(req.Tools, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return req
}

// run streams one response. It returns without emitting further frames once
// ctx is cancelled.
func (p *Processor) run(ctx context.Context, req llm.CompletionRequest) {
	ctx, span := observe.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(attribute.String("llm.provider", p.cfg.ProviderName), attribute.Int("llm.messages", len(req.Messages))))
	defer span.End()
	log := observe.Logger(ctx).With("stage", "llm")

	start := time.Now()
	chunks, err := resilience.Retry(ctx, p.cfg.Retry, func(context.Context) (<-chan llm.Chunk, error) {
		// The stream outlives the attempt, so it is bound to ctx.
		return p.provider.StreamCompletion(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("llm: could not start completion", "err", err)
		p.fail(ctx, fmt.Errorf("llm: start completion: %w", err))
		return
	}

	if !p.emit(ctx, frame.NewResponseStart()) {
		drain(chunks)
		return
	}
	var (
		first bool
		calls []frame.ToolCall
	)
	for c := range chunks {
		if ctx.Err() != nil {
			continue
		}
		if !first {
			first = true
			p.out.Metric(pipeline.Metric{Kind: pipeline.MetricTTFB, Provider: p.cfg.ProviderName, Duration: time.Since(start)})
		}
		if c.Usage != nil {
			p.out.Metric(pipeline.Metric{Kind: pipeline.MetricTokens, Provider: p.cfg.ProviderName, Detail: "prompt", Value: int64(c.Usage.PromptTokens)})
			p.out.Metric(pipeline.Metric{Kind: pipeline.MetricTokens, Provider: p.cfg.ProviderName, Detail: "completion", Value: int64(c.Usage.CompletionTokens)})
		}
		if c.FinishReason == llm.FinishError {
			log.Error("llm: stream failed", "err", c.Text)
			end := frame.NewResponseEnd()
			end.Interrupted = true
			p.emit(ctx, end)
			p.fail(ctx, fmt.Errorf("llm: stream: %s", c.Text))
			drain(chunks)
			return
		}
		if c.Text != "" {
			p.emit(ctx, frame.NewTextDelta(c.Text))
		}
		for _, tc := range c.ToolCalls {
			if tc.ID == "" {
				tc.ID = "call_" + uuid.NewString()
			}
			calls = append(calls, frame.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
	}
	if ctx.Err() != nil {
		p.endSuperseded(ctx)
		return
	}

	requested := false
	if len(calls) > 0 {
		log.Debug("llm: tool calls requested", "count", len(calls))
		requested = p.emit(ctx, frame.NewToolCallRequest(calls...))
	}
	if !p.emit(ctx, frame.NewResponseEnd()) {
		p.endSuperseded(ctx)
	}
	// A request that left the stage is always answered, even when this
	// generation was stopped right after it.
	if requested {
		p.mu.Lock()
		p.outstanding += len(calls)
		p.mu.Unlock()
		p.disp.Enqueue(calls...)
	}
}

// endSuperseded closes a response abandoned for a newer context so the
// aggregator commits what was said.
func (p *Processor) endSuperseded(ctx context.Context) {
	if !errors.Is(context.Cause(ctx), errSuperseded) {
		return
	}
	end := frame.NewResponseEnd()
	end.Interrupted = true
	p.emit(p.ctx, end)
}

func (p *Processor) fail(ctx context.Context, err error) {
	p.emit(ctx, frame.NewError(p.Name(), err, false))
	p.emit(ctx, frame.NewSpeak(p.cfg.FallbackMessage))
}

// toolDone emits a finished call downstream. It runs on the dispatcher
// goroutine, after the generation that requested the call has ended.
func (p *Processor) toolDone(ctx context.Context, o tools.Outcome) {
	p.mu.Lock()
	p.outstanding--
	if p.held && p.outstanding == 0 {
		p.held = false
		o.Result.RunLLM = true
	}
	p.mu.Unlock()

	p.out.Metric(pipeline.Metric{
		Kind:     pipeline.MetricToolCall,
		Detail:   o.Result.Name,
		Status:   o.Status,
		Duration: o.Duration,
	})
	p.emit(ctx, o.Result)
}

func (p *Processor) emit(ctx context.Context, f frame.Frame) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := p.out.Emit(ctx, f, frame.Downstream); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
			observe.Logger(ctx).Warn("llm: emit failed", "kind", f.Kind().String(), "err", err)
		}
		return false
	}
	return true
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/frame"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 10 * time.Second

// Status values reported in [Outcome].
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusUnknown = "unknown"
	StatusTimeout = "timeout"
	StatusPanic   = "panic"
)

// Outcome describes one finished call.
type Outcome struct {
	Result   *frame.ToolCallResult
	Status   string
	Duration time.Duration
}

// ResultFunc receives every finished call, in FIFO order, on the
// dispatcher's goroutine.
type ResultFunc func(ctx context.Context, o Outcome)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) DispatcherOption {
	return func(d2 *Dispatcher) {
		if d > 0 {
			d2.timeout = d
		}
	}
}

type job struct {
	call  frame.ToolCall
	epoch uint64
}

// Dispatcher executes tool calls strictly one at a time in arrival order.
// Each call resolves to exactly one [frame.ToolCallResult].
type Dispatcher struct {
	reg      *Registry
	onResult ResultFunc
	timeout  time.Duration

	mu    sync.Mutex
	queue []job
	epoch uint64
	busy  bool

	wake chan struct{}
}

// NewDispatcher returns a dispatcher over reg. Call [Dispatcher.Run] to
// start its worker.
func NewDispatcher(reg *Registry, onResult ResultFunc, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg, onResult: onResult, timeout: DefaultTimeout, wake: make(chan struct{}, 1)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Enqueue appends calls to the FIFO.
func (d *Dispatcher) Enqueue(calls ...frame.ToolCall) {
	if len(calls) == 0 {
		return
	}
	d.mu.Lock()
	for _, c := range calls {
		d.queue = append(d.queue, job{call: c, epoch: d.epoch})
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Interrupt records a barge-in. Calls already queued or running still
// complete, but their results no longer ask for a new generation.
func (d *Dispatcher) Interrupt() {
	d.mu.Lock()
	d.epoch++
	d.mu.Unlock()
}

// Pending returns the number of calls queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if d.busy {
		n++
	}
	return n
}

// Run processes the FIFO until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		j, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		o := d.execute(ctx, j.call)

		d.mu.Lock()
		d.busy = false
		o.Result.RunLLM = len(d.queue) == 0 && j.epoch == d.epoch
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if d.onResult != nil {
			d.onResult(ctx, o)
		}
	}
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return job{}, false
	}
	j := d.queue[0]
	d.queue = d.queue[1:]
	d.busy = true
	return j, true
}

func (d *Dispatcher) execute(ctx context.Context, fc frame.ToolCall) Outcome {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", fc.Name), attribute.String("tool.call_id", fc.ID)))
	defer span.End()
	log := observe.Logger(ctx).With("tool", fc.Name, "call_id", fc.ID)

	res := &frame.ToolCallResult{CallID: fc.ID, Name: fc.Name}
	finish := func(status string, value any, err error) Outcome {
		if err != nil {
			res.IsError = true
			res.Result = errorJSON(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("tool call failed", "status", status, "err", err)
		} else {
			res.Result = encode(value)
			log.Debug("tool call finished", "duration", time.Since(start))
		}
		return Outcome{Result: res, Status: status, Duration: time.Since(start)}
	}

	tool, ok := d.reg.Lookup(fc.Name)
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", fc.Name)
		if s := d.reg.Suggest(fc.Name); s != "" {
			msg += fmt.Sprintf("; did you mean %q?", s)
		}
		return finish(StatusUnknown, nil, errors.New(msg))
	}

	timeout := d.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := newCall(fc)
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		tool.Handler(cctx, call)
	}()

	select {
	case out := <-call.done:
		if out.err != nil {
			return finish(StatusError, nil, out.err)
		}
		return finish(StatusOK, out.value, nil)
	case r := <-panicked:
		// A handler may have reported before panicking.
		select {
		case out := <-call.done:
			if out.err == nil {
				return finish(StatusOK, out.value, nil)
			}
			return finish(StatusError, nil, out.err)
		default:
		}
		call.Result(nil, nil)
		return finish(StatusPanic, nil, fmt.Errorf("tool %q panicked: %v", fc.Name, r))
	case <-cctx.Done():
		call.Result(nil, nil)
		return finish(StatusTimeout, nil, fmt.Errorf("tool %q timed out after %s", fc.Name, timeout))
	}
}

func encode(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errorJSON(fmt.Errorf("encode result: %w", err))
	}
	return string(b)
}

func errorJSON(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/frame"
)

// State is the lifecycle state of a [Task].
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCancelled || s == StateCompleted }

var (
	// ErrTaskDone is returned when a terminated task is run or fed frames.
	ErrTaskDone = errors.New("pipeline: task already finished")
	// ErrTaskRunning is returned by a second call to Run.
	ErrTaskRunning = errors.New("pipeline: task already running")
)

// DefaultDrainTimeout bounds how long shutdown waits for stage goroutines.
const DefaultDrainTimeout = 2 * time.Second

// TaskOption configures a [Task].
type TaskOption func(*Task)

// WithDrainTimeout overrides [DefaultDrainTimeout].
func WithDrainTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		if d > 0 {
			t.drainTimeout = d
		}
	}
}

// WithTaskObservers registers observers notified of state transitions. They
// are also attached to the pipeline's frame and metric notifications.
func WithTaskObservers(obs ...Observer) TaskOption {
	return func(t *Task) { t.observers = append(t.observers, obs...) }
}

// Task owns one pipeline for the lifetime of a session. Its state moves
// Created → Running → Cancelled | Completed; terminal states are final.
//
// The sink at both ends of the pipeline reacts to three frames:
// a disconnected [frame.ConnectionEvent] or a fatal [frame.Error] cancels
// the task, and [frame.End] completes it.
type Task struct {
	p            *Pipeline
	drainTimeout time.Duration
	observers    []Observer

	state atomic.Int32

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	events       chan frame.Frame
	shutdownOnce sync.Once
	closed       chan struct{} // queues closed
	done         chan struct{} // shutdown finished
}

// NewTask wraps p. The task installs itself as the pipeline sink.
func NewTask(p *Pipeline, opts ...TaskOption) *Task {
	t := &Task{
		p:            p,
		drainTimeout: DefaultDrainTimeout,
		events:       make(chan frame.Frame, 16),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	p.observers = append(p.observers, t.observers...)
	p.sink = t.sink
	return t
}

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the task has fully shut down.
func (t *Task) Done() <-chan struct{} { return t.done }

// Run starts the pipeline and blocks until the task is cancelled or
// completes. A processor start failure aborts the task before any frame is
// processed and is returned. Cancelling ctx cancels the task.
func (t *Task) Run(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if t.State().Terminal() {
			return ErrTaskDone
		}
		return ErrTaskRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Held across start so a concurrent Cancel either happens before (and
	// Run bails out) or sees the started stages and cancels their context.
	t.mu.Lock()
	if t.State().Terminal() {
		t.mu.Unlock()
		cancel()
		return ErrTaskDone
	}
	t.ctx, t.cancel = runCtx, cancel
	err := t.p.start(runCtx)
	t.mu.Unlock()
	if err != nil {
		t.finish(StateCancelled, nil)
		cancel()
		return err
	}
	t.notifyState(StateRunning)

	for {
		select {
		case <-runCtx.Done():
			t.Cancel()
			<-t.done
			return nil
		case f := <-t.events:
			t.handle(runCtx, f)
		case <-t.done:
			return nil
		}
	}
}

func (t *Task) handle(ctx context.Context, f frame.Frame) {
	switch v := f.(type) {
	case *frame.ConnectionEvent:
		if v.State == frame.Disconnected {
			observe.Logger(ctx).Info("task: transport disconnected", "reason", v.Reason)
			t.Cancel()
		}
	case *frame.End:
		observe.Logger(ctx).Info("task: end of pipeline reached", "reason", v.Reason)
		t.finish(StateCompleted, nil)
	case *frame.Error:
		observe.Logger(ctx).Error("task: fatal pipeline error", "source", v.Source, "err", v.Err)
		t.Cancel()
	}
}

// sink receives frames that leave either end of the pipeline. It runs on a
// stage goroutine, so it only hands interesting frames to the task loop.
func (t *Task) sink(ctx context.Context, f frame.Frame, _ frame.Direction) {
	switch v := f.(type) {
	case *frame.ConnectionEvent:
		if v.State != frame.Disconnected {
			return
		}
	case *frame.End:
	case *frame.Error:
		if !v.Fatal {
			return
		}
	default:
		return
	}
	select {
	case t.events <- f:
	case <-t.closed:
	case <-ctx.Done():
	}
}

// QueueFrames pushes frames into the head of the pipeline in order. Control
// frames are broadcast to every stage.
func (t *Task) QueueFrames(ctx context.Context, frames ...frame.Frame) error {
	for _, f := range frames {
		if t.State().Terminal() {
			return ErrTaskDone
		}
		if err := t.p.Push(ctx, f); err != nil {
			if errors.Is(err, ErrClosed) {
				return ErrTaskDone
			}
			return err
		}
	}
	return nil
}

// Cancel stops the task. It is idempotent. When Cancel returns every stage
// queue is closed, so no stage accepts another frame; frames a stage had
// already dequeued finish best-effort within the drain timeout.
func (t *Task) Cancel() {
	t.finish(StateCancelled, frame.NewCancel("task cancelled"))
}

// finish moves the task to a terminal state and shuts it down. Callers that
// lose the race still wait for the queues to close.
func (t *Task) finish(to State, last frame.Frame) {
	for {
		cur := t.State()
		if cur.Terminal() {
			break
		}
		if t.state.CompareAndSwap(int32(cur), int32(to)) {
			t.shutdownOnce.Do(func() { t.shutdown(to, last) })
			break
		}
	}
	<-t.closed
}

func (t *Task) shutdown(to State, last frame.Frame) {
	t.p.close(last)
	close(t.closed)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if !t.p.wait(t.drainTimeout) {
		observe.Logger(context.Background()).Warn("task: stages did not drain in time", "timeout", t.drainTimeout)
	}
	t.p.stop()
	t.notifyState(to)
	close(t.done)
}

func (t *Task) notifyState(s State) {
	for _, o := range t.p.observers {
		o.OnState(s)
	}
}

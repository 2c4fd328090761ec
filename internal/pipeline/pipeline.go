package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/frame"
)

// DefaultQueueSize is the data-lane capacity of each stage.
const DefaultQueueSize = 64

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithQueueSize sets the data-lane capacity of every stage.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithObservers registers read-only observers.
func WithObservers(obs ...Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, obs...) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is an ordered chain of stages. Frames pushed at the head travel
// downstream; frames emitted upstream travel towards the head. Frames that
// leave either end are handed to the sink installed by the owning [Task].
type Pipeline struct {
	stages    []*stage
	seq       frame.Sequencer
	queueSize int
	observers []Observer
	metrics   *observe.Metrics

	sink func(ctx context.Context, f frame.Frame, dir frame.Direction)

	wg      sync.WaitGroup
	started bool
}

// New builds a pipeline from processors in downstream order.
func New(procs []Processor, opts ...Option) (*Pipeline, error) {
	if len(procs) == 0 {
		return nil, errors.New("pipeline: at least one processor is required")
	}
	p := &Pipeline{queueSize: DefaultQueueSize}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	seen := make(map[string]bool, len(procs))
	for i, proc := range procs {
		if proc == nil {
			return nil, fmt.Errorf("pipeline: processor %d is nil", i)
		}
		name := proc.Name()
		if seen[name] {
			return nil, fmt.Errorf("pipeline: duplicate processor name %q", name)
		}
		seen[name] = true

		s := &stage{p: p, proc: proc, index: i, name: name}
		s.queue = newQueue(p.queueSize, s.dropped)
		p.stages = append(p.stages, s)
	}
	return p, nil
}

// Names returns the stage names in downstream order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Push enqueues f at the head of the pipeline. Control frames are broadcast.
func (p *Pipeline) Push(ctx context.Context, f frame.Frame) error {
	if frame.IsControl(f) {
		return p.broadcast(ctx, f)
	}
	return p.stages[0].queue.put(ctx, item{f: f, dir: frame.Downstream})
}

func (p *Pipeline) broadcast(ctx context.Context, f frame.Frame) error {
	if !frame.IsControl(f) {
		return fmt.Errorf("pipeline: cannot broadcast data frame %s", f.Kind())
	}
	var errs []error
	for _, s := range p.stages {
		if err := s.queue.put(ctx, item{f: frame.Clone(f), dir: frame.Downstream}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(p.stages) {
		return errs[0]
	}
	return nil
}

// start runs every Starter and then launches the stage goroutines. If a
// Starter fails, processors that already started are stopped.
func (p *Pipeline) start(ctx context.Context) error {
	for i, s := range p.stages {
		st, ok := s.proc.(Starter)
		if !ok {
			continue
		}
		if err := st.Start(ctx, s); err != nil {
			p.stopProcessors(p.stages[:i])
			return fmt.Errorf("pipeline: start %s: %w", s.name, err)
		}
	}
	p.started = true
	for _, s := range p.stages {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			s.run(ctx)
		}()
	}
	return nil
}

// close shuts every queue. last, if non-nil, is delivered as each stage's
// final frame.
func (p *Pipeline) close(last frame.Frame) {
	for _, s := range p.stages {
		var f frame.Frame
		if last != nil {
			f = frame.Clone(last)
		}
		s.queue.close(f)
	}
}

// wait blocks until every stage goroutine has exited or timeout elapses.
func (p *Pipeline) wait(timeout time.Duration) bool {
	if !p.started {
		return true
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pipeline) stop() {
	if p.started {
		p.stopProcessors(p.stages)
	}
}

func (p *Pipeline) stopProcessors(stages []*stage) {
	for _, s := range stages {
		if st, ok := s.proc.(Stopper); ok {
			if err := st.Stop(); err != nil {
				slog.Warn("pipeline: stop processor", "stage", s.name, "err", err)
			}
		}
	}
}

func (p *Pipeline) deliverToSink(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if p.sink != nil {
		p.sink(ctx, f, dir)
	}
	return nil
}

// stage binds a processor to its queue and goroutine. It is the Emitter
// handed to that processor.
type stage struct {
	p     *Pipeline
	proc  Processor
	name  string
	index int
	queue *queue
}

func (s *stage) run(ctx context.Context) {
	for {
		it, err := s.queue.get(ctx)
		if err != nil {
			return
		}
		seq := s.p.seq.Stamp(it.f)
		start := time.Now()
		perr := s.proc.ProcessFrame(ctx, it.f, it.dir, s)
		elapsed := time.Since(start)

		s.p.metrics.RecordStage(ctx, s.name, it.f.Kind().String(), elapsed)
		ev := FrameEvent{
			Stage:     s.name,
			Index:     s.index,
			Frame:     it.f,
			Kind:      it.f.Kind(),
			Seq:       seq,
			Direction: it.dir,
			At:        start,
			Duration:  elapsed,
		}
		for _, o := range s.p.observers {
			o.OnFrame(ev)
		}

		if perr != nil {
			observe.Logger(ctx).Warn("pipeline: processor error",
				"stage", s.name, "frame", it.f.Kind().String(), "err", perr)
			if !errors.Is(perr, ErrClosed) && ctx.Err() == nil {
				_ = s.Emit(ctx, frame.NewError(s.name, perr, false), frame.Downstream)
			}
		}
		if it.f.Kind() == frame.KindCancel {
			return
		}
	}
}

// Emit implements [Emitter].
func (s *stage) Emit(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	next := s.index + 1
	if dir == frame.Upstream {
		next = s.index - 1
	}
	if next < 0 || next >= len(s.p.stages) {
		return s.p.deliverToSink(ctx, f, dir)
	}
	return s.p.stages[next].queue.put(ctx, item{f: f, dir: dir})
}

// Broadcast implements [Emitter].
func (s *stage) Broadcast(ctx context.Context, f frame.Frame) error {
	return s.p.broadcast(ctx, f)
}

// Metric implements [Emitter].
func (s *stage) Metric(m Metric) {
	if m.Stage == "" {
		m.Stage = s.name
	}
	s.p.record(m)
	for _, o := range s.p.observers {
		o.OnMetric(m)
	}
}

// dropped is the queue eviction hook. It runs with the queue lock held, so
// it only records.
func (s *stage) dropped() {
	s.p.metrics.FramesDropped.Add(context.Background(), 1, observeStage(s.name))
	m := Metric{Stage: s.name, Kind: MetricDropped, Value: 1}
	for _, o := range s.p.observers {
		o.OnMetric(m)
	}
}

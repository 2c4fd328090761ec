// Package pipelinetest provides a recording [pipeline.Emitter] for processor
// tests.
package pipelinetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/pkg/frame"
)

// Emitted is one frame produced by a processor.
type Emitted struct {
	Frame     frame.Frame
	Direction frame.Direction
	Broadcast bool
}

// Emitter records everything a processor emits. It is safe for concurrent
// use.
type Emitter struct {
	mu      sync.Mutex
	out     []Emitted
	metrics []pipeline.Metric
	notify  chan struct{}
}

var _ pipeline.Emitter = (*Emitter)(nil)

// New returns an empty recorder.
func New() *Emitter { return &Emitter{notify: make(chan struct{}, 1)} }

func (e *Emitter) add(em Emitted) {
	e.mu.Lock()
	e.out = append(e.out, em)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Emit implements pipeline.Emitter.
func (e *Emitter) Emit(_ context.Context, f frame.Frame, dir frame.Direction) error {
	e.add(Emitted{Frame: f, Direction: dir})
	return nil
}

// Broadcast implements pipeline.Emitter.
func (e *Emitter) Broadcast(_ context.Context, f frame.Frame) error {
	e.add(Emitted{Frame: f, Broadcast: true})
	return nil
}

// Metric implements pipeline.Emitter.
func (e *Emitter) Metric(m pipeline.Metric) {
	e.mu.Lock()
	e.metrics = append(e.metrics, m)
	e.mu.Unlock()
}

// All returns a copy of everything emitted so far.
func (e *Emitter) All() []Emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Emitted(nil), e.out...)
}

// Kinds returns the kinds of everything emitted so far.
func (e *Emitter) Kinds() []frame.Kind {
	all := e.All()
	out := make([]frame.Kind, len(all))
	for i, em := range all {
		out[i] = em.Frame.Kind()
	}
	return out
}

// Metrics returns a copy of the reported metrics.
func (e *Emitter) Metrics() []pipeline.Metric {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pipeline.Metric(nil), e.metrics...)
}

// Reset forgets everything recorded.
func (e *Emitter) Reset() {
	e.mu.Lock()
	e.out, e.metrics = nil, nil
	e.mu.Unlock()
}

// Of returns the emitted frames of type T in order.
func Of[T frame.Frame](e *Emitter) []T {
	var out []T
	for _, em := range e.All() {
		if v, ok := em.Frame.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// WaitFor polls until cond holds for the recorded frames or the timeout
// elapses, failing the test in the latter case.
func (e *Emitter) WaitFor(t testing.TB, timeout time.Duration, cond func([]Emitted) bool) []Emitted {
	t.Helper()
	deadline := time.After(timeout)
	for {
		all := e.All()
		if cond(all) {
			return all
		}
		select {
		case <-e.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met within %s; emitted %v", timeout, e.Kinds())
			return nil
		}
	}
}

// Count returns how many of the emitted frames have kind k.
func Count(all []Emitted, k frame.Kind) int {
	n := 0
	for _, em := range all {
		if em.Frame.Kind() == k {
			n++
		}
	}
	return n
}

// Package pipeline runs a session's processors as an ordered, bidirectional
// chain of stages.
//
// Each stage owns a bounded input queue and a single goroutine, so a
// processor sees frames strictly in arrival order and never needs its own
// locking for per-frame state. Data frames wait in the data lane; control
// frames ([frame.IsControl]) use a separate lane that is served first and are
// delivered to every stage by [Emitter.Broadcast].
//
// A [Task] owns one [Pipeline] for the lifetime of a session and exposes the
// lifecycle controls: QueueFrames, Cancel and Run.
package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/switchline/pkg/frame"
)

// Processor is one stage of the pipeline.
//
// ProcessFrame is called from the stage goroutine, one frame at a time. A
// processor forwards the frames it does not consume with out.Emit; frames
// that are not forwarded stop at that stage. Control frames are broadcast to
// every stage by the pipeline and must not be forwarded (use [Forward]).
//
// ProcessFrame must not block indefinitely. Long-running work (model
// streams, synthesis, tool calls) belongs in goroutines that emit through
// the Emitter captured in [Starter.Start].
type Processor interface {
	Name() string
	ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out Emitter) error
}

// Starter is implemented by processors that need setup before the first
// frame, such as the transport input which starts its read loop. An error
// aborts the task before any frame is processed.
type Starter interface {
	Start(ctx context.Context, out Emitter) error
}

// Stopper is implemented by processors that hold resources. Stop is called
// once after the stage goroutine has exited.
type Stopper interface {
	Stop() error
}

// Emitter is the stage-scoped handle processors use to produce output. It is
// safe for concurrent use, so processors may emit from their own goroutines.
type Emitter interface {
	// Emit forwards f to the next stage in dir. Frames leaving either end of
	// the pipeline are delivered to the task.
	Emit(ctx context.Context, f frame.Frame, dir frame.Direction) error

	// Broadcast delivers a control frame to every stage's control lane.
	Broadcast(ctx context.Context, f frame.Frame) error

	// Metric reports an observational metric. It never affects data flow.
	Metric(m Metric)
}

// Forward emits f in dir unless it is a control frame, which every stage has
// already received through the broadcast.
func Forward(ctx context.Context, f frame.Frame, dir frame.Direction, out Emitter) error {
	if frame.IsControl(f) {
		return nil
	}
	return out.Emit(ctx, f, dir)
}

// MetricKind classifies a [Metric].
type MetricKind int

const (
	// MetricProcessing is the time a stage spent on one frame.
	MetricProcessing MetricKind = iota
	// MetricTTFB is the time to first byte of a provider stream.
	MetricTTFB
	// MetricTokens is LLM token usage; Detail is "prompt" or "completion".
	MetricTokens
	// MetricCharacters is the number of characters sent to TTS.
	MetricCharacters
	// MetricToolCall is one tool execution; Detail is the tool name and
	// Status its outcome.
	MetricToolCall
	// MetricDropped counts audio chunks dropped under backpressure.
	MetricDropped
)

func (k MetricKind) String() string {
	switch k {
	case MetricProcessing:
		return "processing"
	case MetricTTFB:
		return "ttfb"
	case MetricTokens:
		return "tokens"
	case MetricCharacters:
		return "characters"
	case MetricToolCall:
		return "tool_call"
	case MetricDropped:
		return "dropped"
	}
	return "unknown"
}

// Metric is a side-channel measurement reported by a stage.
type Metric struct {
	Stage    string
	Kind     MetricKind
	Provider string
	Detail   string
	Status   string
	Duration time.Duration
	Value    int64
}

package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/frame"
)

// FrameEvent describes one frame processed by one stage.
type FrameEvent struct {
	Stage string
	Index int

	// Frame is shared with the pipeline and must be treated as read-only.
	// Read the sequence number from Seq, not from Frame.
	Frame frame.Frame
	Kind  frame.Kind
	Seq   uint64

	Direction frame.Direction
	At        time.Time
	Duration  time.Duration
}

// Observer receives read-only notifications. Methods are called from stage
// goroutines and the task goroutine and must return quickly.
type Observer interface {
	OnFrame(ev FrameEvent)
	OnState(s State)
	OnMetric(m Metric)
}

// NopObserver can be embedded to implement only part of [Observer].
type NopObserver struct{}

func (NopObserver) OnFrame(FrameEvent) {}
func (NopObserver) OnState(State)      {}
func (NopObserver) OnMetric(Metric)    {}

func observeStage(name string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("stage", name))
}

// record mirrors a stage metric into the OpenTelemetry instruments.
func (p *Pipeline) record(m Metric) {
	ctx := context.Background()
	switch m.Kind {
	case MetricTTFB:
		p.metrics.RecordTTFB(ctx, m.Provider, m.Stage, m.Duration)
	case MetricTokens:
		if m.Detail == "prompt" {
			p.metrics.RecordTokens(ctx, m.Provider, int(m.Value), 0)
		} else {
			p.metrics.RecordTokens(ctx, m.Provider, 0, int(m.Value))
		}
	case MetricCharacters:
		p.metrics.RecordCharacters(ctx, m.Provider, int(m.Value))
	case MetricToolCall:
		p.metrics.RecordToolCall(ctx, m.Detail, m.Status, m.Duration)
	}
}

package events

import (
	"sync"
	"time"

	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/pkg/frame"
)

// seenWindow bounds the frames remembered for de-duplication.
const seenWindow = 512

// Option configures a [Normalizer].
type Option func(*Normalizer)

// WithStats feeds latencies and counters into s.
func WithStats(s *Stats) Option {
	return func(n *Normalizer) { n.stats = s }
}

// Normalizer is a [pipeline.Observer] that translates the frames of one
// session into [Event]s. It never modifies frames.
type Normalizer struct {
	sessionID string
	sink      Sink
	stats     *Stats

	mu    sync.Mutex
	seen  map[any]struct{}
	order []any
	next  int
}

var _ pipeline.Observer = (*Normalizer)(nil)

// NewNormalizer returns a normalizer publishing to sink.
func NewNormalizer(sessionID string, sink Sink, opts ...Option) *Normalizer {
	n := &Normalizer{
		sessionID: sessionID,
		sink:      sink,
		seen:      make(map[any]struct{}, seenWindow),
		order:     make([]any, seenWindow),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// controlKey identifies a broadcast frame across its per-stage copies,
// which share the original's timestamp.
type controlKey struct {
	kind frame.Kind
	at   int64
}

// first reports whether f has not been seen before and remembers it.
func (n *Normalizer) first(f frame.Frame) bool {
	var key any = f
	if frame.IsControl(f) {
		key = controlKey{kind: f.Kind(), at: f.Meta().Timestamp.UnixNano()}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.seen[key]; ok {
		return false
	}
	if old := n.order[n.next]; old != nil {
		delete(n.seen, old)
	}
	n.order[n.next] = key
	n.next = (n.next + 1) % len(n.order)
	n.seen[key] = struct{}{}
	return true
}

func (n *Normalizer) OnFrame(ev pipeline.FrameEvent) {
	t, data, ok := n.translate(ev.Frame)
	if !ok || !n.first(ev.Frame) {
		return
	}
	n.count(ev.Frame)
	n.publish(Event{Type: t, Seq: ev.Seq, At: ev.At, Data: data}, ev.Frame)
}

func (n *Normalizer) publish(e Event, f frame.Frame) {
	e.SessionID = n.sessionID
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// One event per tool call in a request.
	if req, ok := f.(*frame.ToolCallRequest); ok {
		for _, c := range req.Calls {
			call := e
			call.Data = map[string]any{"tool_call_id": c.ID, "name": c.Name, "arguments": c.Arguments}
			n.sink.Publish(call)
		}
		return
	}
	n.sink.Publish(e)
}

func (n *Normalizer) translate(f frame.Frame) (Type, map[string]any, bool) {
	switch v := f.(type) {
	case *frame.TurnStart:
		return UserStartedSpeaking, nil, true
	case *frame.TurnEnd:
		return UserStoppedSpeaking, nil, true
	case *frame.PartialTranscript:
		return UserTranscription, map[string]any{"text": v.Text, "final": false, "utterance_id": v.UtteranceID}, true
	case *frame.FinalTranscript:
		return UserTranscription, map[string]any{"text": v.Text, "final": true, "utterance_id": v.UtteranceID}, true
	case *frame.ResponseStart:
		return BotLLMStarted, nil, true
	case *frame.TextDelta:
		return BotLLMText, map[string]any{"text": v.Text}, true
	case *frame.ResponseEnd:
		return BotLLMStopped, map[string]any{"interrupted": v.Interrupted}, true
	case *frame.ToolCallRequest:
		return FunctionCall, nil, true
	case *frame.ToolCallResult:
		return FunctionCallResult, map[string]any{
			"tool_call_id": v.CallID, "name": v.Name, "result": v.Result, "is_error": v.IsError,
		}, true
	case *frame.BotSpeaking:
		if v.Speaking {
			return BotStartedSpeaking, nil, true
		}
		return BotStoppedSpeaking, nil, true
	case *frame.Interruption:
		return BotInterrupted, nil, true
	case *frame.Error:
		msg := ""
		if v.Err != nil {
			msg = v.Err.Error()
		}
		return Error, map[string]any{"source": v.Source, "message": msg, "fatal": v.Fatal}, true
	case *frame.ConnectionEvent:
		data := map[string]any{"state": v.State.String()}
		if v.StreamID != "" {
			data["stream_id"] = v.StreamID
		}
		if v.Reason != "" {
			data["reason"] = v.Reason
		}
		return SessionState, data, true
	}
	return "", nil, false
}

func (n *Normalizer) count(f frame.Frame) {
	if n.stats == nil {
		return
	}
	switch v := f.(type) {
	case *frame.FinalTranscript:
		n.stats.incr(&n.stats.utterances)
	case *frame.ResponseEnd:
		if !v.Interrupted {
			n.stats.incr(&n.stats.responses)
		}
	case *frame.Interruption:
		n.stats.incr(&n.stats.interruptions)
	case *frame.Error:
		n.stats.incr(&n.stats.errors)
	}
}

func (n *Normalizer) OnState(s pipeline.State) {
	n.publish(Event{Type: SessionState, Data: map[string]any{"state": s.String()}}, nil)
}

// OnMetric publishes provider and tool measurements. Per-frame processing
// times and drops are left to the metrics exporter.
func (n *Normalizer) OnMetric(m pipeline.Metric) {
	data := map[string]any{"stage": m.Stage, "kind": m.Kind.String()}
	switch m.Kind {
	case pipeline.MetricTTFB:
		data["provider"] = m.Provider
		data["ttfb_ms"] = m.Duration.Milliseconds()
		if n.stats != nil {
			n.stats.RecordTTFB(m.Stage, m.Duration)
		}
	case pipeline.MetricTokens:
		data["provider"] = m.Provider
		data["type"] = m.Detail
		data["value"] = m.Value
	case pipeline.MetricCharacters:
		data["provider"] = m.Provider
		data["value"] = m.Value
	case pipeline.MetricToolCall:
		data["tool"] = m.Detail
		data["status"] = m.Status
		data["duration_ms"] = m.Duration.Milliseconds()
		if n.stats != nil {
			n.stats.incr(&n.stats.toolCalls)
		}
	default:
		return
	}
	n.publish(Event{Type: Metrics, Data: data}, nil)
}

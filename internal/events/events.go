// Package events turns pipeline activity into a stable, client-facing event
// vocabulary and fans the events out to sinks.
//
// The vocabulary follows RTVI so that existing voice-agent dashboards and
// client SDKs can follow a call. A frame crosses several stages but yields
// at most one event.
package events

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Type names an event.
type Type string

const (
	UserStartedSpeaking Type = "user-started-speaking"
	UserStoppedSpeaking Type = "user-stopped-speaking"
	UserTranscription   Type = "user-transcription"
	BotLLMStarted       Type = "bot-llm-started"
	BotLLMText          Type = "bot-llm-text"
	BotLLMStopped       Type = "bot-llm-stopped"
	FunctionCall        Type = "llm-function-call"
	FunctionCallResult  Type = "llm-function-call-result"
	BotStartedSpeaking  Type = "bot-started-speaking"
	BotStoppedSpeaking  Type = "bot-stopped-speaking"
	BotInterrupted      Type = "bot-interrupted"
	Error               Type = "error"
	Metrics             Type = "metrics"
	SessionState        Type = "session-state"
)

// Event is one normalized occurrence in a session.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives events. Publish is called from pipeline goroutines and must
// not block.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Multi fans every event out to each sink.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	// Level applies to everything but errors, which are logged at warn.
	Level slog.Level
}

func (s LogSink) Publish(ev Event) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	level := s.Level
	if ev.Type == Error {
		level = slog.LevelWarn
	}
	attrs := []any{"session_id", ev.SessionID, "event", string(ev.Type)}
	if ev.Seq != 0 {
		attrs = append(attrs, "seq", ev.Seq)
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Data)) {
		attrs = append(attrs, k, ev.Data[k])
	}
	log.Log(context.Background(), level, "event", attrs...)
}

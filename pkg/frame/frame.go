// Package frame defines the typed messages that flow through a voice pipeline.
//
// Every message is a pointer to a concrete struct that embeds [Base]. Stages
// switch on the concrete type (or on [Frame.Kind]) and forward frames they do
// not consume. Frames are owned by exactly one stage at a time: once a frame
// has been emitted the producer must not mutate it again.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a frame variant.
type Kind int

const (
	KindAudioChunk Kind = iota
	KindPartialTranscript
	KindFinalTranscript
	KindTextDelta
	KindTurnStart
	KindTurnEnd
	KindToolCallRequest
	KindToolCallResult
	KindCancel
	KindConnectionEvent
	KindContext
	KindResponseStart
	KindResponseEnd
	KindSpeak
	KindAppendTurns
	KindInterruption
	KindBotSpeaking
	KindMark
	KindError
	KindEnd
)

var kindNames = [...]string{
	KindAudioChunk:        "AudioChunk",
	KindPartialTranscript: "PartialTranscript",
	KindFinalTranscript:   "FinalTranscript",
	KindTextDelta:         "TextDelta",
	KindTurnStart:         "TurnStart",
	KindTurnEnd:           "TurnEnd",
	KindToolCallRequest:   "ToolCallRequest",
	KindToolCallResult:    "ToolCallResult",
	KindCancel:            "Cancel",
	KindConnectionEvent:   "ConnectionEvent",
	KindContext:           "Context",
	KindResponseStart:     "ResponseStart",
	KindResponseEnd:       "ResponseEnd",
	KindSpeak:             "Speak",
	KindAppendTurns:       "AppendTurns",
	KindInterruption:      "Interruption",
	KindBotSpeaking:       "BotSpeaking",
	KindMark:              "Mark",
	KindError:             "Error",
	KindEnd:               "End",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Direction is the way a frame travels through the pipeline. Inbound media
// and transcripts travel downstream; acknowledgements such as [BotSpeaking]
// and re-submitted [Context] frames travel upstream.
type Direction int

const (
	Downstream Direction = iota
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Base is embedded by every frame.
type Base struct {
	// Seq is the session delivery sequence number. It is stamped by the
	// pipeline each time a stage dequeues the frame, so the numbers a single
	// stage observes strictly increase.
	Seq uint64

	// Timestamp records when the frame was created.
	Timestamp time.Time
}

// Meta returns the embedded header.
func (b *Base) Meta() *Base { return b }

func now() Base { return Base{Timestamp: time.Now()} }

// Frame is implemented by all frame variants.
type Frame interface {
	Kind() Kind
	Meta() *Base
}

// IsControl reports whether f travels on the control lane: it bypasses queued
// data frames, is never dropped and is broadcast to every stage.
func IsControl(f Frame) bool {
	switch f.Kind() {
	case KindCancel, KindInterruption:
		return true
	}
	return false
}

// ---- Media ----

// AudioChunk carries linear PCM16 audio. Inbound chunks come from the caller;
// chunks with Output set were synthesised for playback.
type AudioChunk struct {
	Base
	Data       []byte
	SampleRate int
	Channels   int
	Output     bool
}

func (*AudioChunk) Kind() Kind { return KindAudioChunk }

// NewAudio returns an inbound audio chunk.
func NewAudio(data []byte, sampleRate, channels int) *AudioChunk {
	return &AudioChunk{Base: now(), Data: data, SampleRate: sampleRate, Channels: channels}
}

// NewOutputAudio returns an assistant audio chunk destined for the transport.
func NewOutputAudio(data []byte, sampleRate, channels int) *AudioChunk {
	return &AudioChunk{Base: now(), Data: data, SampleRate: sampleRate, Channels: channels, Output: true}
}

// ---- Recognition ----

// PartialTranscript is an interim recognition result. It replaces any earlier
// partial for the same utterance.
type PartialTranscript struct {
	Base
	Text        string
	UtteranceID uint64
}

func (*PartialTranscript) Kind() Kind { return KindPartialTranscript }

func NewPartialTranscript(text string, utterance uint64) *PartialTranscript {
	return &PartialTranscript{Base: now(), Text: text, UtteranceID: utterance}
}

// FinalTranscript is the authoritative recognition result for an utterance.
type FinalTranscript struct {
	Base
	Text        string
	UtteranceID uint64
	Confidence  float64
}

func (*FinalTranscript) Kind() Kind { return KindFinalTranscript }

func NewFinalTranscript(text string, utterance uint64, confidence float64) *FinalTranscript {
	return &FinalTranscript{Base: now(), Text: text, UtteranceID: utterance, Confidence: confidence}
}

// TurnStart marks sustained user speech.
type TurnStart struct{ Base }

func (*TurnStart) Kind() Kind { return KindTurnStart }

func NewTurnStart() *TurnStart { return &TurnStart{Base: now()} }

// TurnEnd marks sustained silence after user speech.
type TurnEnd struct{ Base }

func (*TurnEnd) Kind() Kind { return KindTurnEnd }

func NewTurnEnd() *TurnEnd { return &TurnEnd{Base: now()} }

// ---- Generation ----

// TextDelta is an incremental piece of assistant text.
type TextDelta struct {
	Base
	Text string
}

func (*TextDelta) Kind() Kind { return KindTextDelta }

func NewTextDelta(text string) *TextDelta { return &TextDelta{Base: now(), Text: text} }

// ResponseStart opens an assistant response.
type ResponseStart struct{ Base }

func (*ResponseStart) Kind() Kind { return KindResponseStart }

func NewResponseStart() *ResponseStart { return &ResponseStart{Base: now()} }

// ResponseEnd is the explicit end-of-generation signal.
type ResponseEnd struct {
	Base
	// Interrupted is set when the response was cut short by barge-in or cancellation.
	Interrupted bool
}

func (*ResponseEnd) Kind() Kind { return KindResponseEnd }

func NewResponseEnd() *ResponseEnd { return &ResponseEnd{Base: now()} }

// Speak asks the synthesiser to voice Text directly, bypassing the model.
// It is used for greetings and fallback messages.
type Speak struct {
	Base
	Text string
}

func (*Speak) Kind() Kind { return KindSpeak }

func NewSpeak(text string) *Speak { return &Speak{Base: now(), Text: text} }

// ---- Tools ----

// ToolCall is a model-initiated request to invoke a tool.
type ToolCall struct {
	// ID correlates the request with its result.
	ID string
	// Name selects the handler.
	Name string
	// Arguments is the JSON object produced by the model.
	Arguments string
}

// DecodeArguments parses Arguments into a key/value map. An empty argument
// string decodes to an empty map.
func (c ToolCall) DecodeArguments() (map[string]any, error) {
	args := map[string]any{}
	if c.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
		return nil, fmt.Errorf("frame: decode arguments for %q: %w", c.Name, err)
	}
	return args, nil
}

// ToolCallRequest carries the tool calls the model emitted in one response.
type ToolCallRequest struct {
	Base
	Calls []ToolCall
}

func (*ToolCallRequest) Kind() Kind { return KindToolCallRequest }

func NewToolCallRequest(calls ...ToolCall) *ToolCallRequest {
	return &ToolCallRequest{Base: now(), Calls: calls}
}

// ToolCallResult resolves exactly one [ToolCall].
type ToolCallResult struct {
	Base
	CallID string
	Name   string
	// Result is the JSON-encoded handler result, or an error message when
	// IsError is set.
	Result  string
	IsError bool
	// RunLLM asks the aggregator to re-submit the context once the result
	// has been committed.
	RunLLM bool
}

func (*ToolCallResult) Kind() Kind { return KindToolCallResult }

// ---- Control ----

// Cancel stops every stage. It travels on the control lane.
type Cancel struct {
	Base
	Reason string
}

func (*Cancel) Kind() Kind { return KindCancel }

func NewCancel(reason string) *Cancel { return &Cancel{Base: now(), Reason: reason} }

// Interruption signals barge-in. It travels on the control lane.
type Interruption struct{ Base }

func (*Interruption) Kind() Kind { return KindInterruption }

func NewInterruption() *Interruption { return &Interruption{Base: now()} }

// ConnectionState is the lifecycle state reported by a transport.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
)

func (s ConnectionState) String() string {
	if s == Disconnected {
		return "disconnected"
	}
	return "connected"
}

// ConnectionEvent reports transport connect and disconnect.
type ConnectionEvent struct {
	Base
	State    ConnectionState
	StreamID string
	CallID   string
	Reason   string
	// Params holds provider-specific metadata such as Twilio custom parameters.
	Params map[string]string
}

func (*ConnectionEvent) Kind() Kind { return KindConnectionEvent }

func NewConnected(streamID, callID string) *ConnectionEvent {
	return &ConnectionEvent{Base: now(), State: Connected, StreamID: streamID, CallID: callID}
}

func NewDisconnected(reason string) *ConnectionEvent {
	return &ConnectionEvent{Base: now(), State: Disconnected, Reason: reason}
}

// BotSpeaking is sent upstream by the output transport when assistant
// playback starts or stops.
type BotSpeaking struct {
	Base
	Speaking bool
}

func (*BotSpeaking) Kind() Kind { return KindBotSpeaking }

func NewBotSpeaking(speaking bool) *BotSpeaking { return &BotSpeaking{Base: now(), Speaking: speaking} }

// Mark is a named playback boundary. Outbound marks are queued behind audio;
// inbound marks are the transport's acknowledgement that playback reached them.
type Mark struct {
	Base
	Name string
}

func (*Mark) Kind() Kind { return KindMark }

func NewMark(name string) *Mark { return &Mark{Base: now(), Name: name} }

// Error reports a stage failure. Non-fatal errors end the current turn;
// fatal errors cancel the session.
type Error struct {
	Base
	Err    error
	Fatal  bool
	Source string
}

func (*Error) Kind() Kind { return KindError }

func NewError(source string, err error, fatal bool) *Error {
	return &Error{Base: now(), Source: source, Err: err, Fatal: fatal}
}

// End asks the task to finish gracefully once all queued frames have drained.
type End struct {
	Base
	Reason string
}

func (*End) Kind() Kind { return KindEnd }

func NewEnd(reason string) *End { return &End{Base: now(), Reason: reason} }

// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A session accepts 16-bit little-endian PCM and emits interim (partial)
// and committed (final) transcripts. The pipeline opens one session per user
// utterance and calls Finalize when the turn ends, so providers should flush
// buffered audio into a final result as quickly as they can.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by SessionHandle methods after Close.
var ErrClosed = errors.New("stt: session closed")

// StreamConfig describes the audio and recognition hints for a session.
type StreamConfig struct {
	// SampleRate of the PCM sent with SendAudio, in Hz.
	SampleRate int

	// Channels of the PCM sent with SendAudio. Almost always 1.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider decide.
	Language string

	// Keywords boosts recognition of uncommon words such as business or
	// street names.
	Keywords []KeywordBoost
}

// KeywordBoost raises the recognition likelihood of Keyword. Boost is on
// the provider's scale.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Transcript is one recognition result.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1]; zero when the provider does not report it.
	Confidence float64

	// Duration of the audio the result covers, when reported.
	Duration time.Duration
}

// SessionHandle is an open streaming recognition session. All methods are
// safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one PCM chunk.
	SendAudio(chunk []byte) error

	// Finalize asks the provider to commit everything heard so far. The
	// resulting finals arrive on Finals.
	Finalize() error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan Transcript

	// Close ends the session and releases its resources. It is safe to call
	// more than once.
	Close() error
}

// Provider opens recognition sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// StartStream opens a session. The error is non-nil when the session
	// cannot be established, e.g. on authentication failure or timeout.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

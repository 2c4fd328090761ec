// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// SynthesizeStream consumes text fragments as the LLM produces them and
// emits 16-bit little-endian mono PCM at the provider's SampleRate, so speech
// can start before the response is complete.
package tts

import "context"

// Voice selects and tunes a provider voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Stability and SimilarityBoost are in [0, 1]. Zero values use the
	// provider defaults.
	Stability       float64
	SimilarityBoost float64

	// Speed is a rate multiplier; zero means 1.0.
	Speed float64
}

// Provider is the abstraction over any TTS backend. Implementations must be
// safe for concurrent use.
type Provider interface {
	// SynthesizeStream reads text fragments until text is closed and returns
	// a channel of PCM chunks. The audio channel is closed once everything
	// has been synthesised, when ctx is cancelled, or early on a provider
	// error. The error is non-nil only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// SampleRate is the rate of the PCM the provider emits.
	SampleRate() int
}

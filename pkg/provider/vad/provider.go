// Package vad defines the Engine interface for voice activity detection.
//
// A session classifies one PCM chunk at a time and keeps no memory between
// chunks beyond optional smoothing; turn-level hysteresis (how long speech
// or silence must last) belongs to the pipeline's turn detector.
//
// ProcessFrame is synchronous and must not block, so it can run inline on
// the audio path.
package vad

import "errors"

// ErrClosed is returned by a session after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the PCM passed to ProcessFrame, in Hz.
	SampleRate int

	// SpeechThreshold is the probability at or above which a chunk counts
	// as speech. Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a chunk counts as
	// silence. Chunks in between keep the previous classification. Must be
	// ≤ SpeechThreshold.
	SilenceThreshold float64
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in [0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be in [0, speech threshold]"))
	}
	return errors.Join(errs...)
}

// SessionHandle classifies the chunks of one audio stream. It is not safe
// for concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one chunk of 16-bit little-endian mono PCM.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears any smoothing state.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

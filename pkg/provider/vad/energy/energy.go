// Package energy provides a VAD engine that classifies audio by its RMS
// level. It needs no model files and is accurate enough for the narrowband
// telephone audio it is meant for.
package energy

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/switchline/pkg/provider/vad"
)

const (
	// DefaultFloorDBFS maps to probability 0.
	DefaultFloorDBFS = -55.0
	// DefaultCeilDBFS maps to probability 1.
	DefaultCeilDBFS = -25.0
)

// Option configures an [Engine].
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probability 0 and 1.
func WithRange(floor, ceil float64) Option {
	return func(e *Engine) {
		if ceil > floor {
			e.floor, e.ceil = floor, ceil
		}
	}
}

// Engine implements vad.Engine.
type Engine struct {
	floor, ceil float64
}

// New returns an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{floor: DefaultFloorDBFS, ceil: DefaultCeilDBFS}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, floor: e.floor, ceil: e.ceil}, nil
}

type session struct {
	cfg         vad.Config
	floor, ceil float64
	speaking    bool
	closed      bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	p := s.probability(LevelDBFS(frame))
	switch {
	case p >= s.cfg.SpeechThreshold:
		s.speaking = true
	case p < s.cfg.SilenceThreshold:
		s.speaking = false
	}
	ev := vad.VADEvent{Type: vad.VADSilence, Probability: p}
	if s.speaking {
		ev.Type = vad.VADSpeech
	}
	return ev, nil
}

func (s *session) probability(db float64) float64 {
	switch {
	case db <= s.floor:
		return 0
	case db >= s.ceil:
		return 1
	}
	return (db - s.floor) / (s.ceil - s.floor)
}

func (s *session) Reset() { s.speaking = false }

func (s *session) Close() error {
	s.closed = true
	return nil
}

// LevelDBFS returns the RMS level of 16-bit little-endian PCM in dB
// relative to full scale. Empty input is -Inf.
func LevelDBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/32768)
}

// Package mock provides test doubles for the vad interfaces.
//
// Session classifies a chunk as speech when its first byte is non-zero,
// which lets tests build speech and silence with plain byte slices.
package mock

import (
	"sync"

	"github.com/MrWong99/switchline/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	configs []vad.Config
}

// NewSession records the config and returns a fresh [Session].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	return &Session{}, nil
}

// Configs returns every config passed to NewSession.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu     sync.Mutex
	frames int
	resets int
	closed bool
}

// ProcessFrame reports speech when frame[0] != 0.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	s.frames++
	if len(frame) > 0 && frame[0] != 0 {
		return vad.VADEvent{Type: vad.VADSpeech, Probability: 1}, nil
	}
	return vad.VADEvent{Type: vad.VADSilence}, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns the number of chunks processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

var _ vad.SessionHandle = (*Session)(nil)

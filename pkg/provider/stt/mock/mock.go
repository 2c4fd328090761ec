// Package mock provides scripted test doubles for the stt interfaces.
//
// Provider hands out a new [Session] per StartStream call. A session emits
// Partials[i] after the (i+1)th audio chunk and emits FinalText on Finalize,
// unless the provider is configured to stay silent.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/switchline/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by every StartStream call.
	StartErr error

	// StartErrs holds per-call errors consulted before StartErr; nil entries
	// succeed.
	StartErrs []error

	// Block makes StartStream wait for ctx to expire, simulating a provider
	// that never answers.
	Block bool

	// Partials and FinalText script every new session.
	Partials  []string
	FinalText string

	// NoFinal suppresses the final on Finalize.
	NoFinal bool

	calls    []stt.StreamConfig
	sessions []*Session
}

// StartStream records the call and returns a scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, cfg)
	err := p.StartErr
	if n < len(p.StartErrs) {
		err = p.StartErrs[n]
	}
	block := p.Block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Session{
		partials:   append([]string(nil), p.Partials...),
		finalText:  p.FinalText,
		noFinal:    p.NoFinal,
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Calls returns the configs of every StartStream call.
func (p *Provider) Calls() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.calls...)
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	partials  []string
	finalText string
	noFinal   bool

	audio     [][]byte
	finalized int
	closed    bool
}

// SendAudio records the chunk and emits the next scripted partial.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	if i := len(s.audio) - 1; i < len(s.partials) {
		s.PartialsCh <- stt.Transcript{Text: s.partials[i]}
	}
	return nil
}

// Finalize emits the scripted final.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.finalized++
	if !s.noFinal && s.finalText != "" {
		s.FinalsCh <- stt.Transcript{Text: s.finalText, IsFinal: true, Confidence: 0.9}
	}
	return nil
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan stt.Transcript   { return s.FinalsCh }

// Close closes both channels. Further calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return nil
}

// AudioChunks returns the number of chunks received.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)

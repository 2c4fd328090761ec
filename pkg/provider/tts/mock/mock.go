// Package mock provides a scripted test double for tts.Provider.
//
// Every fragment read from the text channel yields ChunksPerFragment PCM
// chunks of ChunkBytes each, so tests can count audio per sentence.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/switchline/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000.
	Rate int

	// ChunksPerFragment and ChunkBytes shape the emitted audio. Defaults
	// are 1 chunk of 320 bytes.
	ChunksPerFragment int
	ChunkBytes        int

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// StartErrs holds per-call start errors; nil entries succeed.
	StartErrs []error

	fragments []string
	voices    []tts.Voice
	calls     int
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// SynthesizeStream records the call and synthesises scripted audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.voices = append(p.voices, voice)
	var err error
	if n < len(p.StartErrs) {
		err = p.StartErrs[n]
	}
	per, size, delay := p.ChunksPerFragment, p.ChunkBytes, p.ChunkDelay
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if per == 0 {
		per = 1
	}
	if size == 0 {
		size = 320
	}

	out := make(chan []byte, per)
	go func() {
		defer close(out)
		for {
			var frag string
			var ok bool
			select {
			case frag, ok = <-text:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
			p.mu.Lock()
			p.fragments = append(p.fragments, frag)
			p.mu.Unlock()
			for range per {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				select {
				case out <- make([]byte, size):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Fragments returns every text fragment synthesised so far.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fragments...)
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ tts.Provider = (*Provider)(nil)

// Package mock provides a scripted test double for llm.Provider.
//
// Each call to StreamCompletion consumes the next entry of Responses (the
// last entry repeats) and records the request:
//
//	p := &mock.Provider{Responses: [][]llm.Chunk{
//	    {{Text: "Hello!"}, {FinishReason: llm.FinishStop}},
//	}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/switchline/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses holds the chunks emitted by successive calls.
	Responses [][]llm.Chunk

	// StartErrs holds per-call start errors; nil entries start normally.
	// Calls past the end of the slice start normally.
	StartErrs []error

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// Hold, if non-nil, keeps every stream open after its chunks until Hold
	// is closed or the context is cancelled.
	Hold chan struct{}

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	calls []llm.CompletionRequest
}

// StreamCompletion records the call and replays the next scripted response.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, req)
	var err error
	if n < len(p.StartErrs) {
		err = p.StartErrs[n]
	}
	var chunks []llm.Chunk
	if len(p.Responses) > 0 {
		chunks = p.Responses[min(n, len(p.Responses)-1)]
	}
	delay, hold := p.ChunkDelay, p.Hold
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of every request received so far.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of StreamCompletion calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var _ llm.Provider = (*Provider)(nil)

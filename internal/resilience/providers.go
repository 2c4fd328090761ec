package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/switchline/pkg/provider/llm"
	"github.com/MrWong99/switchline/pkg/provider/stt"
	"github.com/MrWong99/switchline/pkg/provider/tts"
)

// Only opening a stream is retried and failed over. Once a stream is
// established, mid-stream errors belong to the caller.

// LLMFallback is an [llm.Provider] that fails over across LLM backends.
type LLMFallback struct {
	group  *FallbackGroup[llm.Provider]
	policy RetryPolicy
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a provider whose preferred backend is primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig, policy RetryPolicy) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, name, cfg), policy: policy}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// StreamCompletion opens a completion stream on the first healthy backend.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return Retry(ctx, f.policy, func(context.Context) (<-chan llm.Chunk, error) {
			// The stream outlives the attempt, so it gets the caller's context.
			return p.StreamCompletion(ctx, req)
		})
	})
}

// Capabilities reports the primary backend's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities { return f.group.Primary().Capabilities() }

// STTFallback is an [stt.Provider] that fails over across STT backends.
type STTFallback struct {
	group  *FallbackGroup[stt.Provider]
	policy RetryPolicy
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns a provider whose preferred backend is primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig, policy RetryPolicy) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, name, cfg), policy: policy}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// StartStream opens a recognition session on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return Retry(ctx, f.policy, func(context.Context) (stt.SessionHandle, error) {
			return p.StartStream(ctx, cfg)
		})
	})
}

// TTSFallback is a [tts.Provider] that fails over across TTS backends. All
// backends must produce audio at the same sample rate.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	policy RetryPolicy
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a provider whose preferred backend is primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig, policy RetryPolicy) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, name, cfg), policy: policy}
}

// AddFallback registers another backend. It fails when the backend's sample
// rate differs from the primary's.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got, want := p.SampleRate(), f.SampleRate(); got != want {
		return fmt.Errorf("resilience: tts backend %q produces %d Hz, primary produces %d Hz", name, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// SynthesizeStream starts synthesis on the first healthy backend. A backend
// that fails to start has not consumed any text from the channel.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (<-chan []byte, error) {
		return Retry(ctx, f.policy, func(context.Context) (<-chan []byte, error) {
			return p.SynthesizeStream(ctx, text, voice)
		})
	})
}

// SampleRate reports the primary backend's output rate.
func (f *TTSFallback) SampleRate() int { return f.group.Primary().SampleRate() }

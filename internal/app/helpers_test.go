package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/switchline/internal/app"
	"github.com/MrWong99/switchline/internal/config"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	llmmock "github.com/MrWong99/switchline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/switchline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/switchline/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/switchline/pkg/provider/vad/mock"
	"github.com/MrWong99/switchline/pkg/transport"
)

// testConfig returns defaults tuned for fast tests: short turn windows, a
// short tool lookup and no greeting.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Agent.Greeting = "-"
	cfg.Agent.Tools.CheckAvailability.LookupDelay = 10 * time.Millisecond
	cfg.Pipeline.Turn.StartSecs = 0.04
	cfg.Pipeline.Turn.StopSecs = 0.06
	cfg.Pipeline.DrainTimeout = time.Second
	config.ApplyDefaults(cfg)
	return cfg
}

type testProviders struct {
	llm *llmmock.Provider
	stt *sttmock.Provider
	tts *ttsmock.Provider
	vad *vadmock.Engine
}

func newTestProviders() *testProviders {
	return &testProviders{
		llm: &llmmock.Provider{},
		stt: &sttmock.Provider{},
		tts: &ttsmock.Provider{Rate: 8000},
		vad: &vadmock.Engine{},
	}
}

func (p *testProviders) providers() *app.Providers {
	return &app.Providers{LLM: p.llm, STT: p.stt, TTS: p.tts, VAD: p.vad}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// fakeTransport is a transport driven by the test through Send and Hangup.
type fakeTransport struct {
	in chan frame.Frame

	mu      sync.Mutex
	written []frame.Frame
	closed  bool
	once    sync.Once
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan frame.Frame, 512)}
}

func (f *fakeTransport) Input() <-chan frame.Frame { return f.in }

func (f *fakeTransport) Output(_ context.Context, fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeTransport) Format() audio.Format {
	return audio.Format{SampleRate: 8000, Channels: 1, Encoding: audio.EncodingPCM16}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(fr frame.Frame) { f.in <- fr }

// Hangup delivers the disconnect and closes the input, like a real
// transport whose peer went away.
func (f *fakeTransport) Hangup(reason string) {
	f.once.Do(func() {
		f.in <- frame.NewDisconnected(reason)
		close(f.in)
	})
}

// OutputAudio counts the assistant audio chunks written to the wire.
func (f *fakeTransport) OutputAudio() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.written {
		if _, ok := fr.(*frame.AudioChunk); ok {
			n++
		}
	}
	return n
}

// speak feeds voiced then silent 20 ms chunks, enough to open and close
// one turn with testConfig's windows.
func speak(f *fakeTransport) {
	chunk := func(level byte) *frame.AudioChunk {
		pcm := make([]byte, 320)
		pcm[0] = level
		return frame.NewAudio(pcm, 8000, 1)
	}
	for range 6 {
		f.Send(chunk(1))
	}
	for range 8 {
		f.Send(chunk(0))
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

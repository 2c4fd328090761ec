// Package tts is the pipeline stage that turns model text into outbound
// audio.
//
// A synthesis opens at ResponseStart or Speak. Text deltas are split into
// sentences and each sentence is synthesised on its own. Audio is converted
// to the transport format and emitted as output chunks, followed by the
// sentence's text. The closing ResponseEnd is held back until the provider
// has produced all the audio, so downstream stages see it after the last
// chunk.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/provider/tts"
)

// Config tunes the stage.
type Config struct {
	// ProviderName labels metrics and logs.
	ProviderName string

	Voice tts.Voice

	// Output is the transport's PCM format. Defaults to [audio.Telephony]
	// as PCM16.
	Output audio.Format

	// Retry bounds starting a synthesis stream.
	Retry resilience.RetryPolicy
}

// Processor is the TTS stage.
type Processor struct {
	provider tts.Provider
	cfg      Config

	ctx context.Context
	out pipeline.Emitter

	// cur is the response still receiving text; tail is the last one that
	// may still be producing audio.
	cur  *synthesis
	tail *synthesis
}

var (
	_ pipeline.Processor = (*Processor)(nil)
	_ pipeline.Starter   = (*Processor)(nil)
	_ pipeline.Stopper   = (*Processor)(nil)
)

// New returns a TTS stage backed by p.
func New(p tts.Provider, cfg Config) *Processor {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "tts"
	}
	if cfg.Output.SampleRate == 0 {
		cfg.Output = audio.Telephony
	}
	cfg.Output = cfg.Output.PCM()
	if cfg.Output.Channels == 0 {
		cfg.Output.Channels = 1
	}
	return &Processor{provider: p, cfg: cfg}
}

func (*Processor) Name() string { return "tts" }

// Start captures the emitter used by synthesis goroutines.
func (p *Processor) Start(ctx context.Context, out pipeline.Emitter) error {
	p.ctx, p.out = ctx, out
	return nil
}

func (p *Processor) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	if dir != frame.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}
	switch v := f.(type) {
	case *frame.ResponseStart:
		p.begin(v)
		return nil
	case *frame.TextDelta:
		if p.cur == nil {
			return out.Emit(ctx, f, dir)
		}
		p.cur.box.put(v)
		return nil
	case *frame.ResponseEnd:
		if p.cur == nil {
			return out.Emit(ctx, f, dir)
		}
		if v.Interrupted {
			// The model gave up on this response; nothing more is said.
			p.abort()
			return out.Emit(ctx, f, dir)
		}
		p.end(v)
		return nil
	case *frame.Speak:
		if p.cur != nil {
			p.cur.box.put(frame.NewTextDelta(v.Text))
			return nil
		}
		// Framed as a response of its own so the assistant turn records
		// what was said. It dates from the Speak so a barge-in after it
		// still silences it downstream.
		start := frame.NewResponseStart()
		start.Timestamp = v.Timestamp
		p.begin(start)
		p.cur.box.put(frame.NewTextDelta(v.Text))
		p.end(frame.NewResponseEnd())
		return nil
	case *frame.Interruption, *frame.Cancel:
		p.abort()
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

// Stop cancels synthesis in flight.
func (p *Processor) Stop() error {
	p.abort()
	return nil
}

func (p *Processor) begin(start *frame.ResponseStart) {
	if p.cur != nil {
		// An unfinished response is replaced. It still plays what it got.
		p.cur.box.close()
		p.tail, p.cur = p.cur, nil
	}
	prev := p.tail
	if prev != nil && prev.finished() {
		prev = nil
	}
	p.cur = p.open(prev)
	p.cur.box.put(start)
}

func (p *Processor) end(end *frame.ResponseEnd) {
	p.cur.box.put(end)
	p.cur.box.close()
	p.tail, p.cur = p.cur, nil
}

// abort cancels every response still speaking and waits for them.
func (p *Processor) abort() {
	var all []*synthesis
	if p.cur != nil {
		all = append(all, p.cur)
	}
	for s := p.tail; s != nil; s = s.prev {
		all = append(all, s)
	}
	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		<-s.done
	}
	p.cur, p.tail = nil, nil
}

// synthesis is one response: its frames, in order, and the provider stream
// speaking them. Responses play back in order; each waits for prev.
type synthesis struct {
	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox
	prev   *synthesis
	done   chan struct{}
}

func (s *synthesis) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (p *Processor) open(prev *synthesis) *synthesis {
	ctx, cancel := context.WithCancel(p.ctx)
	s := &synthesis{
		ctx:    ctx,
		cancel: cancel,
		box:    newMailbox(),
		prev:   prev,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer cancel()
		p.run(s)
	}()
	return s
}

// run waits for the previous response, then speaks the response a sentence
// at a time. Each sentence's text is emitted after its audio, so downstream
// stages only ever see text that was voiced. The held ResponseEnd follows
// the last chunk.
func (p *Processor) run(s *synthesis) {
	ctx := s.ctx
	if s.prev != nil {
		select {
		case <-s.prev.done:
		case <-ctx.Done():
			return
		}
	}
	sp := &speaker{p: p, start: time.Now(), log: observe.Logger(ctx).With("stage", "tts")}

	var split splitter
	for {
		items, open := s.box.take(ctx)
		for _, f := range items {
			switch v := f.(type) {
			case *frame.TextDelta:
				for _, sentence := range split.push(v.Text) {
					if !sp.say(ctx, sentence) {
						return
					}
				}
			case *frame.ResponseEnd:
				if sp.say(ctx, split.flush()) {
					p.emit(ctx, v)
				}
				return
			default:
				p.emit(ctx, f)
			}
		}
		if !open || ctx.Err() != nil {
			// Replaced before it ended; speak what arrived.
			sp.say(ctx, split.flush())
			return
		}
	}
}

// speaker synthesises the sentences of one response.
type speaker struct {
	p      *Processor
	start  time.Time
	log    *slog.Logger
	first  bool
	failed bool
}

// say synthesises one sentence and then emits its text. After a failed
// start the rest of the response is skipped. It reports false once ctx is
// done.
func (sp *speaker) say(ctx context.Context, sentence string) bool {
	p := sp.p
	if sentence == "" || sp.failed {
		return ctx.Err() == nil
	}
	p.out.Metric(pipeline.Metric{Kind: pipeline.MetricCharacters, Provider: p.cfg.ProviderName, Value: int64(utf8.RuneCountInString(sentence))})

	pcm, err := resilience.Retry(ctx, p.cfg.Retry, func(context.Context) (<-chan []byte, error) {
		text := make(chan string, 1)
		text <- sentence
		close(text)
		return p.provider.SynthesizeStream(ctx, text, p.cfg.Voice)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		sp.failed = true
		sp.log.Error("tts: could not start synthesis", "err", err)
		p.emit(ctx, frame.NewError(p.Name(), fmt.Errorf("tts: start synthesis: %w", err), false))
		return true
	}

	conv := &audio.Converter{Target: p.cfg.Output}
	from := audio.Format{SampleRate: p.provider.SampleRate(), Channels: 1}
	for chunk := range pcm {
		if ctx.Err() != nil {
			continue
		}
		if !sp.first {
			sp.first = true
			p.out.Metric(pipeline.Metric{Kind: pipeline.MetricTTFB, Provider: p.cfg.ProviderName, Duration: time.Since(sp.start)})
		}
		if data := conv.Convert(chunk, from); len(data) > 0 {
			p.emit(ctx, frame.NewOutputAudio(data, p.cfg.Output.SampleRate, p.cfg.Output.Channels))
		}
	}
	if ctx.Err() != nil {
		return false
	}
	p.emit(ctx, frame.NewTextDelta(sentence+" "))
	return true
}

func (p *Processor) emit(ctx context.Context, f frame.Frame) {
	if ctx.Err() != nil {
		return
	}
	if err := p.out.Emit(ctx, f, frame.Downstream); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
		observe.Logger(ctx).Warn("tts: emit failed", "kind", f.Kind().String(), "err", err)
	}
}

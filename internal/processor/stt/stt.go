// Package stt is the pipeline stage that streams user audio to a
// speech-to-text provider and emits transcripts.
//
// One provider session is opened per user turn, at TurnStart, and fed the
// audio buffered just before the turn opened so the first syllable is not
// lost. At TurnEnd the session is finalized and exactly one
// [frame.FinalTranscript] is emitted for the utterance.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/internal/transcript"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/provider/stt"
)

// Defaults for [Config].
const (
	DefaultConnectTimeout  = 3 * time.Second
	DefaultFinalizeTimeout = 2 * time.Second
	DefaultPreRoll         = 500 * time.Millisecond
	DefaultFallback        = "Sorry, I'm having trouble hearing you right now. Could you say that again?"
)

// Config tunes the stage. Zero fields take defaults.
type Config struct {
	// ProviderName labels metrics and logs.
	ProviderName string

	Language string
	Keywords []stt.KeywordBoost

	// Retry bounds opening a session. AttemptTimeout defaults to
	// DefaultConnectTimeout.
	Retry resilience.RetryPolicy

	// FinalizeTimeout bounds the wait for the final result after TurnEnd.
	FinalizeTimeout time.Duration

	// PreRoll is how much audio before TurnStart is replayed to the session.
	PreRoll time.Duration

	// FallbackMessage is spoken when no session can be opened.
	FallbackMessage string

	// Corrector fixes misheard keywords in final transcripts. Optional.
	Corrector *transcript.Corrector
}

func (c Config) withDefaults() Config {
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = DefaultConnectTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallback
	}
	if c.ProviderName == "" {
		c.ProviderName = "stt"
	}
	return c
}

// Processor is the STT stage.
type Processor struct {
	provider stt.Provider
	cfg      Config

	ctx context.Context
	out pipeline.Emitter
	wg  sync.WaitGroup

	nextID  uint64
	current *utterance
	preroll [][]byte
	preDur  time.Duration
	format  audio.Format
}

var (
	_ pipeline.Processor = (*Processor)(nil)
	_ pipeline.Starter   = (*Processor)(nil)
	_ pipeline.Stopper   = (*Processor)(nil)
)

// New returns an STT stage backed by p.
func New(p stt.Provider, cfg Config) *Processor {
	return &Processor{provider: p, cfg: cfg.withDefaults()}
}

func (*Processor) Name() string { return "stt" }

// Start captures the emitter used by the session goroutines.
func (p *Processor) Start(ctx context.Context, out pipeline.Emitter) error {
	p.ctx, p.out = ctx, out
	return nil
}

func (p *Processor) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	if dir != frame.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}
	switch v := f.(type) {
	case *frame.AudioChunk:
		if v.Output {
			break
		}
		p.audio(v)
		return nil
	case *frame.TurnStart:
		if err := out.Emit(ctx, f, dir); err != nil {
			return err
		}
		p.openUtterance()
		return nil
	case *frame.TurnEnd:
		if err := out.Emit(ctx, f, dir); err != nil {
			return err
		}
		p.closeUtterance(true)
		return nil
	case *frame.Cancel:
		p.closeUtterance(false)
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (p *Processor) audio(a *frame.AudioChunk) {
	p.format = audio.Format{SampleRate: a.SampleRate, Channels: max(a.Channels, 1)}
	if p.current != nil {
		p.current.send(a.Data)
		return
	}
	// Outside a turn, keep a short pre-roll.
	p.preroll = append(p.preroll, a.Data)
	p.preDur += p.format.Duration(len(a.Data))
	for len(p.preroll) > 1 && p.preDur > p.cfg.PreRoll {
		p.preDur -= p.format.Duration(len(p.preroll[0]))
		p.preroll = p.preroll[1:]
	}
}

func (p *Processor) openUtterance() {
	p.closeUtterance(false)
	p.nextID++
	u := &utterance{
		id:      p.nextID,
		pending: p.preroll,
		notify:  make(chan struct{}, 1),
	}
	p.preroll, p.preDur = nil, 0
	p.current = u

	cfg := stt.StreamConfig{
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
		Language:   p.cfg.Language,
		Keywords:   p.cfg.Keywords,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runUtterance(u, cfg)
	}()
}

func (p *Processor) closeUtterance(finalize bool) {
	u := p.current
	if u == nil {
		return
	}
	p.current = nil
	if finalize {
		u.requestFinal()
	} else {
		u.abort()
	}
}

// runUtterance opens the provider session, relays transcripts and emits the
// final once the turn has ended.
func (p *Processor) runUtterance(u *utterance, cfg stt.StreamConfig) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	log := observe.Logger(ctx).With("stage", "stt", "utterance", u.id)

	start := time.Now()
	session, err := resilience.Retry(ctx, p.cfg.Retry, func(actx context.Context) (stt.SessionHandle, error) {
		return startBounded(ctx, actx, p.provider, cfg)
	})
	if err != nil {
		u.fail()
		if ctx.Err() != nil {
			return
		}
		log.Error("stt: could not open session", "err", err)
		p.emit(ctx, frame.NewError(p.Name(), fmt.Errorf("stt: open session: %w", err), false))
		p.emit(ctx, frame.NewSpeak(p.cfg.FallbackMessage))
		return
	}
	defer session.Close()
	if !u.attach(session) {
		return
	}

	var (
		committed   []string
		interim     string
		gotFirst    bool
		finalsAfter = -1
		finals      int
		confidence  float64
	)
	text := func() string {
		parts := append([]string(nil), committed...)
		if interim != "" {
			parts = append(parts, interim)
		}
		return strings.Join(parts, " ")
	}
	firstByte := func() {
		if !gotFirst {
			gotFirst = true
			p.out.Metric(pipeline.Metric{Stage: p.Name(), Kind: pipeline.MetricTTFB, Provider: p.cfg.ProviderName, Duration: time.Since(start)})
		}
	}

	var timeout <-chan time.Time
	partials, finalsCh := session.Partials(), session.Finals()
	for {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			firstByte()
			interim = t.Text
			p.emit(ctx, frame.NewPartialTranscript(text(), u.id))
		case t, ok := <-finalsCh:
			if !ok {
				p.finish(ctx, u, text(), confidence, finalsAfter >= 0)
				return
			}
			firstByte()
			interim = ""
			if s := strings.TrimSpace(t.Text); s != "" {
				committed = append(committed, s)
			}
			confidence = t.Confidence
			finals++
			if finalsAfter >= 0 && finals > finalsAfter {
				p.finish(ctx, u, text(), confidence, true)
				return
			}
			p.emit(ctx, frame.NewPartialTranscript(text(), u.id))
		case <-u.notify:
			switch u.state() {
			case stateFinalizing:
				if finalsAfter < 0 {
					finalsAfter = finals
					if err := session.Finalize(); err != nil {
						log.Warn("stt: finalize failed", "err", err)
					}
					timeout = time.After(p.cfg.FinalizeTimeout)
				}
			case stateAborted:
				return
			}
		case <-timeout:
			log.Debug("stt: no final before timeout, using partial text")
			p.finish(ctx, u, text(), confidence, true)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) finish(ctx context.Context, u *utterance, text string, confidence float64, requested bool) {
	if !requested {
		// The provider ended the session mid-turn; wait for TurnEnd.
		select {
		case <-u.finalRequested():
		case <-ctx.Done():
			return
		}
		if u.state() == stateAborted {
			return
		}
	}
	if fixed, corrections := p.cfg.Corrector.Correct(text); len(corrections) > 0 {
		observe.Logger(ctx).Debug("stt: corrected transcript", "utterance", u.id, "corrections", len(corrections))
		text = fixed
	}
	p.emit(ctx, frame.NewFinalTranscript(text, u.id, confidence))
}

func (p *Processor) emit(ctx context.Context, f frame.Frame) {
	if err := p.out.Emit(ctx, f, frame.Downstream); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
		observe.Logger(ctx).Warn("stt: emit failed", "kind", f.Kind().String(), "err", err)
	}
}

// Stop aborts the open utterance and waits for session goroutines.
func (p *Processor) Stop() error {
	p.closeUtterance(false)
	p.wg.Wait()
	return nil
}

// startBounded opens a session bound to the session context while limiting
// the wait to the attempt context. A session that arrives after the attempt
// gave up is closed.
func startBounded(ctx, attempt context.Context, prov stt.Provider, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	type result struct {
		h   stt.SessionHandle
		err error
	}
	sctx, cancel := context.WithCancel(ctx)
	ch := make(chan result, 1)
	go func() {
		h, err := prov.StartStream(sctx, cfg)
		ch <- result{h, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		return &boundSession{SessionHandle: r.h, cancel: cancel}, nil
	case <-attempt.Done():
		cancel()
		go func() {
			if r := <-ch; r.h != nil {
				_ = r.h.Close()
			}
		}()
		return nil, attempt.Err()
	}
}

type boundSession struct {
	stt.SessionHandle
	cancel context.CancelFunc
}

func (b *boundSession) Close() error {
	err := b.SessionHandle.Close()
	b.cancel()
	return err
}

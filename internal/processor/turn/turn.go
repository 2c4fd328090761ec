// Package turn detects user turns from voice activity and triggers barge-in.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
	"github.com/MrWong99/switchline/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultStartSecs        = 0.2
	DefaultStopSecs         = 0.8
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
)

// Config tunes the detector. Zero fields take defaults.
type Config struct {
	// StartSecs of sustained speech open a turn.
	StartSecs float64
	// StopSecs of sustained silence close it.
	StopSecs float64

	SpeechThreshold  float64
	SilenceThreshold float64

	// DisableInterruptions keeps the assistant talking over the user.
	DisableInterruptions bool
}

func (c Config) withDefaults() Config {
	if c.StartSecs <= 0 {
		c.StartSecs = DefaultStartSecs
	}
	if c.StopSecs <= 0 {
		c.StopSecs = DefaultStopSecs
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	return c
}

// Detector turns inbound audio into TurnStart and TurnEnd frames. Audio is
// always forwarded downstream unchanged.
type Detector struct {
	engine vad.Engine
	cfg    Config

	session vad.SessionHandle
	rate    int

	speaking    bool
	voiced      time.Duration
	silent      time.Duration
	botSpeaking bool
}

var (
	_ pipeline.Processor = (*Detector)(nil)
	_ pipeline.Stopper   = (*Detector)(nil)
)

// New returns a detector classifying audio with engine.
func New(engine vad.Engine, cfg Config) *Detector {
	return &Detector{engine: engine, cfg: cfg.withDefaults()}
}

func (*Detector) Name() string { return "turn" }

// UserSpeaking reports whether a user turn is open.
func (d *Detector) UserSpeaking() bool { return d.speaking }

func (d *Detector) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	switch v := f.(type) {
	case *frame.AudioChunk:
		if dir == frame.Downstream && !v.Output {
			return d.audio(ctx, v, out)
		}
	case *frame.BotSpeaking:
		d.botSpeaking = v.Speaking
	case *frame.Cancel:
		d.reset()
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (d *Detector) audio(ctx context.Context, a *frame.AudioChunk, out pipeline.Emitter) error {
	ev, err := d.classify(a)
	if err != nil {
		// Without VAD the audio still reaches STT; turns just never open.
		observe.Logger(ctx).Warn("turn: vad failed", "err", err)
		return out.Emit(ctx, a, frame.Downstream)
	}
	dur := audio.Format{SampleRate: a.SampleRate, Channels: max(a.Channels, 1)}.Duration(len(a.Data))

	var boundary frame.Frame
	if ev.Type == vad.VADSpeech {
		d.voiced += dur
		d.silent = 0
		if !d.speaking && d.voiced.Seconds() >= d.cfg.StartSecs {
			d.speaking = true
			boundary = frame.NewTurnStart()
		}
	} else {
		d.silent += dur
		if !d.speaking {
			d.voiced = 0
		}
		if d.speaking && d.silent.Seconds() >= d.cfg.StopSecs {
			d.speaking = false
			d.voiced = 0
			if err := out.Emit(ctx, a, frame.Downstream); err != nil {
				return err
			}
			return out.Emit(ctx, frame.NewTurnEnd(), frame.Downstream)
		}
	}

	if boundary != nil {
		if d.botSpeaking && !d.cfg.DisableInterruptions {
			observe.Logger(ctx).Debug("turn: barge-in")
			if err := out.Broadcast(ctx, frame.NewInterruption()); err != nil {
				return err
			}
		}
		if err := out.Emit(ctx, boundary, frame.Downstream); err != nil {
			return err
		}
	}
	return out.Emit(ctx, a, frame.Downstream)
}

func (d *Detector) classify(a *frame.AudioChunk) (vad.VADEvent, error) {
	if d.session == nil || d.rate != a.SampleRate {
		if d.session != nil {
			_ = d.session.Close()
		}
		s, err := d.engine.NewSession(vad.Config{
			SampleRate:       a.SampleRate,
			SpeechThreshold:  d.cfg.SpeechThreshold,
			SilenceThreshold: d.cfg.SilenceThreshold,
		})
		if err != nil {
			d.session = nil
			return vad.VADEvent{}, fmt.Errorf("turn: new vad session: %w", err)
		}
		d.session, d.rate = s, a.SampleRate
	}
	pcm := a.Data
	if a.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return d.session.ProcessFrame(pcm)
}

func (d *Detector) reset() {
	d.speaking, d.voiced, d.silent = false, 0, 0
	if d.session != nil {
		d.session.Reset()
	}
}

// Stop closes the VAD session.
func (d *Detector) Stop() error {
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

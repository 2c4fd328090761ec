package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
)

// Input is the head stage. It pumps the transport's inbound frames into the
// pipeline and forwards everything it is given.
type Input struct {
	t    Transport
	wg   sync.WaitGroup
	stop context.CancelFunc
}

var (
	_ pipeline.Processor = (*Input)(nil)
	_ pipeline.Starter   = (*Input)(nil)
	_ pipeline.Stopper   = (*Input)(nil)
)

// NewInput returns the input stage for t.
func NewInput(t Transport) *Input { return &Input{t: t} }

func (*Input) Name() string { return "transport-input" }

// Start launches the reader goroutine.
func (in *Input) Start(ctx context.Context, out pipeline.Emitter) error {
	ctx, in.stop = context.WithCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.pump(ctx, out)
	}()
	return nil
}

func (in *Input) pump(ctx context.Context, out pipeline.Emitter) {
	src := in.t.Input()
	for {
		select {
		case f, ok := <-src:
			if !ok {
				return
			}
			if err := out.Emit(ctx, f, frame.Downstream); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
					observe.Logger(ctx).Warn("transport: input emit failed", "kind", f.Kind().String(), "err", err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (in *Input) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	return pipeline.Forward(ctx, f, dir, out)
}

// Stop ends the reader goroutine.
func (in *Input) Stop() error {
	if in.stop != nil {
		in.stop()
	}
	in.wg.Wait()
	return nil
}

// Output is the stage after TTS. It writes assistant audio to the
// transport and tracks whether the caller is hearing the assistant.
//
// BotSpeaking(true) is sent upstream with the first chunk of a response.
// BotSpeaking(false) follows when the transport echoes the mark written at
// ResponseEnd, when the queued audio's playback time has elapsed, or at
// once on barge-in.
//
// A barge-in mutes the stage: audio and text still queued from the
// interrupted response are dropped until a response that started after the
// interruption arrives.
type Output struct {
	t Transport

	out pipeline.Emitter
	ctx context.Context

	mu        sync.Mutex
	speaking  bool
	playUntil time.Time
	timer     *time.Timer
	marks     int
	lastMark  string

	// Touched only by ProcessFrame.
	muted         bool
	interruptedAt time.Time
}

var (
	_ pipeline.Processor = (*Output)(nil)
	_ pipeline.Starter   = (*Output)(nil)
	_ pipeline.Stopper   = (*Output)(nil)
)

// NewOutput returns the output stage for t.
func NewOutput(t Transport) *Output { return &Output{t: t} }

func (*Output) Name() string { return "transport-output" }

// Start captures the emitter used by the playback timer.
func (o *Output) Start(ctx context.Context, out pipeline.Emitter) error {
	o.ctx, o.out = ctx, out
	return nil
}

func (o *Output) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	if dir != frame.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}
	switch v := f.(type) {
	case *frame.AudioChunk:
		if !v.Output || o.muted {
			return nil
		}
		if err := o.t.Output(ctx, v); err != nil {
			return fmt.Errorf("transport: write audio: %w", err)
		}
		o.played(ctx, audio.Format{SampleRate: v.SampleRate, Channels: v.Channels}.Duration(len(v.Data)))
		return nil
	case *frame.ResponseStart:
		if o.muted && v.Timestamp.After(o.interruptedAt) {
			o.muted = false
		}
		return out.Emit(ctx, f, dir)
	case *frame.TextDelta:
		if o.muted {
			// Its audio was never played.
			return nil
		}
		return out.Emit(ctx, f, dir)
	case *frame.ResponseEnd:
		if !v.Interrupted && !o.muted {
			if err := o.mark(ctx); err != nil {
				return err
			}
		}
		return out.Emit(ctx, f, dir)
	case *frame.Mark:
		// Inbound playback acknowledgement.
		o.mu.Lock()
		match := v.Name == o.lastMark
		o.mu.Unlock()
		if match {
			o.setSpeaking(ctx, false)
		}
		return nil
	case *frame.Interruption:
		o.muted = true
		if v.Timestamp.After(o.interruptedAt) {
			o.interruptedAt = v.Timestamp
		}
		if err := o.t.Output(ctx, v); err != nil {
			observe.Logger(ctx).Warn("transport: clear failed", "err", err)
		}
		o.setSpeaking(ctx, false)
		return nil
	case *frame.Cancel:
		o.stopTimer()
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (o *Output) mark(ctx context.Context) error {
	o.mu.Lock()
	o.marks++
	name := fmt.Sprintf("response-%d", o.marks)
	o.lastMark = name
	o.mu.Unlock()
	if err := o.t.Output(ctx, frame.NewMark(name)); err != nil {
		return fmt.Errorf("transport: write mark: %w", err)
	}
	return nil
}

// played extends the playback horizon by d and arms the timer that ends
// speaking once it passes.
func (o *Output) played(ctx context.Context, d time.Duration) {
	o.mu.Lock()
	now := time.Now()
	if o.playUntil.Before(now) {
		o.playUntil = now
	}
	o.playUntil = o.playUntil.Add(d)
	wait := o.playUntil.Sub(now)
	if o.timer == nil {
		o.timer = time.AfterFunc(wait, o.playbackDone)
	} else {
		o.timer.Reset(wait)
	}
	start := !o.speaking
	o.speaking = true
	o.mu.Unlock()

	if start {
		o.emitSpeaking(ctx, true)
	}
}

func (o *Output) playbackDone() {
	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}
	o.mu.Lock()
	late := time.Now().Before(o.playUntil)
	o.mu.Unlock()
	if late {
		return
	}
	o.setSpeaking(o.ctx, false)
}

func (o *Output) setSpeaking(ctx context.Context, speaking bool) {
	o.mu.Lock()
	changed := o.speaking != speaking
	o.speaking = speaking
	if !speaking {
		o.playUntil = time.Time{}
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	o.mu.Unlock()
	if changed {
		o.emitSpeaking(ctx, speaking)
	}
}

func (o *Output) emitSpeaking(ctx context.Context, speaking bool) {
	if err := o.out.Emit(ctx, frame.NewBotSpeaking(speaking), frame.Upstream); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
		observe.Logger(ctx).Warn("transport: emit bot speaking failed", "err", err)
	}
}

// Speaking reports whether assistant audio is playing.
func (o *Output) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

func (o *Output) stopTimer() {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()
}

// Stop halts the playback timer.
func (o *Output) Stop() error {
	o.stopTimer()
	return nil
}

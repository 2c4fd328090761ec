package turn

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/switchline/internal/pipeline/pipelinetest"
	"github.com/MrWong99/switchline/pkg/frame"
	vadmock "github.com/MrWong99/switchline/pkg/provider/vad/mock"
)

// 20 ms of 8 kHz mono PCM16.
const chunkBytes = 320

func chunk(speech bool) *frame.AudioChunk {
	b := make([]byte, chunkBytes)
	if speech {
		b[0] = 1
	}
	return frame.NewAudio(b, 8000, 1)
}

func run(t *testing.T, d *Detector, out *pipelinetest.Emitter, pattern string) {
	t.Helper()
	for _, c := range pattern {
		if err := d.ProcessFrame(context.Background(), chunk(c == 'S'), frame.Downstream, out); err != nil {
			t.Fatal(err)
		}
	}
}

func boundaries(out *pipelinetest.Emitter) []frame.Kind {
	var ks []frame.Kind
	for _, k := range out.Kinds() {
		if k != frame.KindAudioChunk {
			ks = append(ks, k)
		}
	}
	return ks
}

func TestDetector_Hysteresis(t *testing.T) {
	t.Parallel()

	cfg := Config{StartSecs: 0.06, StopSecs: 0.1}
	tests := []struct {
		name    string
		pattern string
		want    []frame.Kind
	}{
		{name: "short blip ignored", pattern: "SS.....", want: nil},
		{name: "sustained speech opens", pattern: "SSS", want: []frame.Kind{frame.KindTurnStart}},
		{name: "interrupted voicing restarts the count", pattern: "SS.SS.SS", want: nil},
		{name: "short pause keeps the turn", pattern: "SSS...SS", want: []frame.Kind{frame.KindTurnStart}},
		{name: "long silence closes", pattern: "SSS.....", want: []frame.Kind{frame.KindTurnStart, frame.KindTurnEnd}},
		{name: "two turns", pattern: "SSS.....SSS.....", want: []frame.Kind{
			frame.KindTurnStart, frame.KindTurnEnd, frame.KindTurnStart, frame.KindTurnEnd,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(&vadmock.Engine{}, cfg)
			out := pipelinetest.New()
			run(t, d, out, tt.pattern)

			got := boundaries(out)
			if len(got) != len(tt.want) {
				t.Fatalf("boundaries = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("boundary %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
			if n := pipelinetest.Count(out.All(), frame.KindAudioChunk); n != len(tt.pattern) {
				t.Errorf("forwarded %d audio chunks, want %d", n, len(tt.pattern))
			}
		})
	}
}

func TestDetector_TurnStartPrecedesTriggeringAudio(t *testing.T) {
	t.Parallel()
	d := New(&vadmock.Engine{}, Config{StartSecs: 0.02, StopSecs: 0.02})
	out := pipelinetest.New()
	run(t, d, out, "S.")
	want := []frame.Kind{frame.KindTurnStart, frame.KindAudioChunk, frame.KindAudioChunk, frame.KindTurnEnd}
	got := out.Kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestDetector_BargeIn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		botSpeaking bool
		disable     bool
		want        int
	}{
		{name: "bot silent", want: 0},
		{name: "bot speaking", botSpeaking: true, want: 1},
		{name: "interruptions disabled", botSpeaking: true, disable: true, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(&vadmock.Engine{}, Config{StartSecs: 0.04, DisableInterruptions: tt.disable})
			out := pipelinetest.New()
			ctx := context.Background()
			if err := d.ProcessFrame(ctx, frame.NewBotSpeaking(tt.botSpeaking), frame.Upstream, out); err != nil {
				t.Fatal(err)
			}
			run(t, d, out, "SS")

			n := 0
			for _, em := range out.All() {
				if em.Frame.Kind() == frame.KindInterruption {
					if !em.Broadcast {
						t.Error("interruption was not broadcast")
					}
					n++
				}
			}
			if n != tt.want {
				t.Errorf("interruptions = %d, want %d", n, tt.want)
			}
			if !d.UserSpeaking() {
				t.Error("turn not open")
			}
		})
	}
}

func TestDetector_BotSpeakingForwardedUpstream(t *testing.T) {
	t.Parallel()
	d := New(&vadmock.Engine{}, Config{})
	out := pipelinetest.New()
	_ = d.ProcessFrame(context.Background(), frame.NewBotSpeaking(true), frame.Upstream, out)
	all := out.All()
	if len(all) != 1 || all[0].Direction != frame.Upstream {
		t.Errorf("emitted %+v", all)
	}
}

func TestDetector_VADFailureStillForwardsAudio(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	d := New(eng, Config{})
	out := pipelinetest.New()
	run(t, d, out, "SSSSSSSSSSSS")
	if k := boundaries(out); len(k) != 0 {
		t.Errorf("boundaries without vad: %v", k)
	}
	if n := pipelinetest.Count(out.All(), frame.KindAudioChunk); n != 12 {
		t.Errorf("audio forwarded = %d", n)
	}
}

func TestDetector_CancelResets(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{}
	d := New(eng, Config{StartSecs: 0.02})
	out := pipelinetest.New()
	run(t, d, out, "S")
	_ = d.ProcessFrame(context.Background(), frame.NewCancel("bye"), frame.Downstream, out)
	if d.UserSpeaking() {
		t.Error("turn still open after cancel")
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if cfgs := eng.Configs(); len(cfgs) != 1 || cfgs[0].SampleRate != 8000 {
		t.Errorf("vad configs = %+v", cfgs)
	}
}

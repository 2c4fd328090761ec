package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/pipeline/pipelinetest"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/frame"
)

// fakeTransport records written frames and serves scripted input.
type fakeTransport struct {
	in chan frame.Frame

	mu      sync.Mutex
	written []frame.Frame
}

func newFake() *fakeTransport { return &fakeTransport{in: make(chan frame.Frame, 8)} }

func (f *fakeTransport) Input() <-chan frame.Frame { return f.in }

func (f *fakeTransport) Output(_ context.Context, fr frame.Frame) error {
	f.mu.Lock()
	f.written = append(f.written, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Format() audio.Format { return audio.Telephony }
func (f *fakeTransport) Close() error         { return nil }

func (f *fakeTransport) kinds() []frame.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Kind, len(f.written))
	for i, w := range f.written {
		out[i] = w.Kind()
	}
	return out
}

func speakingEvents(out *pipelinetest.Emitter) []bool {
	var s []bool
	for _, b := range pipelinetest.Of[*frame.BotSpeaking](out) {
		s = append(s, b.Speaking)
	}
	return s
}

func TestInput_PumpsTransportFrames(t *testing.T) {
	t.Parallel()
	ft := newFake()
	in := NewInput(ft)
	out := pipelinetest.New()
	if err := in.Start(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	ft.in <- frame.NewConnected("MZ1", "CA1")
	ft.in <- frame.NewAudio(make([]byte, 320), 8000, 1)
	close(ft.in)

	all := out.WaitFor(t, time.Second, func(all []pipelinetest.Emitted) bool { return len(all) == 2 })
	for _, em := range all {
		if em.Direction != frame.Downstream {
			t.Errorf("%s emitted %s", em.Frame.Kind(), em.Direction)
		}
	}
	if err := in.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestOutput_MarkEchoEndsSpeaking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ft := newFake()
	o := NewOutput(ft)
	out := pipelinetest.New()
	if err := o.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	// One second of audio keeps the playback timer out of the way.
	for range 2 {
		if err := o.ProcessFrame(ctx, frame.NewOutputAudio(make([]byte, 8000), 8000, 1), frame.Downstream, out); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.ProcessFrame(ctx, frame.NewResponseEnd(), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	if !o.Speaking() {
		t.Fatal("not speaking after audio")
	}

	if err := o.ProcessFrame(ctx, frame.NewMark("stale"), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	if !o.Speaking() {
		t.Fatal("unrelated mark ended speaking")
	}
	if err := o.ProcessFrame(ctx, frame.NewMark("response-1"), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	if o.Speaking() {
		t.Fatal("still speaking after mark echo")
	}

	want := []frame.Kind{frame.KindAudioChunk, frame.KindAudioChunk, frame.KindMark}
	got := ft.kinds()
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	if s := speakingEvents(out); len(s) != 2 || !s[0] || s[1] {
		t.Errorf("bot speaking = %v, want [true false]", s)
	}
	if n := len(pipelinetest.Of[*frame.ResponseEnd](out)); n != 1 {
		t.Errorf("forwarded %d ResponseEnd, want 1", n)
	}
	if n := len(pipelinetest.Of[*frame.AudioChunk](out)); n != 0 {
		t.Errorf("audio leaked past the output stage")
	}
}

func TestOutput_PlaybackTimerEndsSpeaking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ft := newFake()
	o := NewOutput(ft)
	out := pipelinetest.New()
	if err := o.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	// 20 ms at 8 kHz.
	if err := o.ProcessFrame(ctx, frame.NewOutputAudio(make([]byte, 320), 8000, 1), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	out.WaitFor(t, time.Second, func([]pipelinetest.Emitted) bool { return len(speakingEvents(out)) == 2 })
	if o.Speaking() {
		t.Error("still speaking after playback")
	}
}

func TestOutput_InterruptionClears(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ft := newFake()
	o := NewOutput(ft)
	out := pipelinetest.New()
	if err := o.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	if err := o.ProcessFrame(ctx, frame.NewOutputAudio(make([]byte, 16000), 8000, 1), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	if err := o.ProcessFrame(ctx, frame.NewInterruption(), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	// An interrupted response writes no mark.
	end := frame.NewResponseEnd()
	end.Interrupted = true
	if err := o.ProcessFrame(ctx, end, frame.Downstream, out); err != nil {
		t.Fatal(err)
	}
	// Caller audio never reaches the wire.
	if err := o.ProcessFrame(ctx, frame.NewAudio(make([]byte, 320), 8000, 1), frame.Downstream, out); err != nil {
		t.Fatal(err)
	}

	got := ft.kinds()
	if len(got) != 2 || got[0] != frame.KindAudioChunk || got[1] != frame.KindInterruption {
		t.Fatalf("written = %v, want [AudioChunk Interruption]", got)
	}
	if o.Speaking() {
		t.Error("speaking after interruption")
	}
	if s := speakingEvents(out); len(s) != 2 || s[1] {
		t.Errorf("bot speaking = %v", s)
	}
	for _, em := range out.All() {
		if _, ok := em.Frame.(*frame.BotSpeaking); ok && em.Direction != frame.Upstream {
			t.Error("BotSpeaking must travel upstream")
		}
	}
}

// gatedTransport blocks its first audio write until release is closed.
type gatedTransport struct {
	*fakeTransport
	writing chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransport) Output(ctx context.Context, fr frame.Frame) error {
	if _, ok := fr.(*frame.AudioChunk); ok {
		first := false
		g.once.Do(func() {
			first = true
			close(g.writing)
		})
		if first {
			select {
			case <-g.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return g.fakeTransport.Output(ctx, fr)
}

func TestOutput_InterruptionDropsQueuedAudio(t *testing.T) {
	t.Parallel()
	gt := &gatedTransport{fakeTransport: newFake(), writing: make(chan struct{}), release: make(chan struct{})}
	o := NewOutput(gt)
	p, err := pipeline.New([]pipeline.Processor{NewInput(gt), o})
	if err != nil {
		t.Fatal(err)
	}
	task := pipeline.NewTask(p)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = task.Run(ctx) }()
	defer func() {
		cancel()
		<-task.Done()
	}()

	stale := frame.NewResponseStart()
	queued := []frame.Frame{stale}
	for range 10 {
		queued = append(queued, frame.NewOutputAudio(make([]byte, 320), 8000, 1))
	}
	if err := task.QueueFrames(ctx, queued...); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gt.writing:
	case <-time.After(time.Second):
		t.Fatal("first chunk never reached the transport")
	}

	barge := frame.NewInterruption()
	barge.Timestamp = stale.Timestamp.Add(time.Millisecond)
	if err := task.QueueFrames(ctx, barge); err != nil {
		t.Fatal(err)
	}
	close(gt.release)

	fresh := frame.NewResponseStart()
	fresh.Timestamp = barge.Timestamp.Add(time.Millisecond)
	answer := frame.NewOutputAudio([]byte{7, 7}, 8000, 1)
	if err := task.QueueFrames(ctx, fresh, answer); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(gt.kinds()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []frame.Kind{frame.KindAudioChunk, frame.KindInterruption, frame.KindAudioChunk}
	got := gt.kinds()
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("written = %v, want %v", got, want)
		}
	}
	gt.mu.Lock()
	last := gt.written[2].(*frame.AudioChunk)
	gt.mu.Unlock()
	if len(last.Data) != 2 {
		t.Errorf("stale audio played after the interruption: %d bytes", len(last.Data))
	}
}

func TestOutput_MutedTextAndMarkAreDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ft := newFake()
	o := NewOutput(ft)
	out := pipelinetest.New()
	if err := o.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	barge := frame.NewInterruption()
	stale := frame.NewResponseStart()
	stale.Timestamp = barge.Timestamp.Add(-time.Millisecond)
	for _, f := range []frame.Frame{
		barge,
		stale,
		frame.NewOutputAudio(make([]byte, 320), 8000, 1),
		frame.NewTextDelta("We open at noon. "),
		frame.NewResponseEnd(),
	} {
		if err := o.ProcessFrame(ctx, f, frame.Downstream, out); err != nil {
			t.Fatal(err)
		}
	}

	if got := ft.kinds(); len(got) != 1 || got[0] != frame.KindInterruption {
		t.Errorf("written = %v, want only the clear", got)
	}
	if n := len(pipelinetest.Of[*frame.TextDelta](out)); n != 0 {
		t.Errorf("forwarded %d text deltas of unplayed audio", n)
	}
	if n := len(pipelinetest.Of[*frame.ResponseEnd](out)); n != 1 {
		t.Errorf("forwarded %d ResponseEnd, want 1", n)
	}
	if o.Speaking() {
		t.Error("speaking while muted")
	}
}

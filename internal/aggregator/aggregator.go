// Package aggregator turns transcripts and model output into committed
// conversation turns.
//
// The user side sits after STT and commits one user turn per utterance,
// then emits a [frame.Context] downstream to the LLM. The assistant side
// sits at the very end of the pipeline, after audio output, and commits what
// the model said, the tool calls it made and their results. A tool result
// that asks for it is answered with a fresh context sent upstream.
package aggregator

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/switchline/internal/conversation"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/pkg/frame"
)

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithGreeting appends instruction as a system turn when the transport
// connects and asks the model to respond to it.
func WithGreeting(instruction string) Option {
	return func(a *Aggregator) { a.greeting = instruction }
}

// Aggregator owns the conversation writer shared by its user and assistant
// processors.
type Aggregator struct {
	w        *conversation.Writer
	greeting string

	user      *User
	assistant *Assistant
}

// New claims the writer of conv. It fails with
// [conversation.ErrWriterClaimed] if another component already holds it.
func New(conv *conversation.Context, opts ...Option) (*Aggregator, error) {
	w, err := conv.ClaimWriter()
	if err != nil {
		return nil, err
	}
	a := &Aggregator{w: w}
	for _, o := range opts {
		o(a)
	}
	a.user = &User{a: a, committed: make(map[uint64]bool)}
	a.assistant = &Assistant{a: a}
	return a, nil
}

// User returns the user-side processor.
func (a *Aggregator) User() *User { return a.user }

// Assistant returns the assistant-side processor.
func (a *Aggregator) Assistant() *Assistant { return a.assistant }

func (a *Aggregator) snapshot() *frame.Context { return a.w.Context().Snapshot() }

// User commits user turns from transcripts.
type User struct {
	a *Aggregator

	pending   string
	pendingID uint64
	committed map[uint64]bool
	greeted   bool
}

var _ pipeline.Processor = (*User)(nil)

func (*User) Name() string { return "user-aggregator" }

// Pending returns the uncommitted user text.
func (u *User) Pending() string { return u.pending }

func (u *User) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	if dir != frame.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}

	switch v := f.(type) {
	case *frame.PartialTranscript:
		if !u.committed[v.UtteranceID] {
			u.pending, u.pendingID = v.Text, v.UtteranceID
		}
	case *frame.FinalTranscript:
		if err := out.Emit(ctx, f, dir); err != nil {
			return err
		}
		return u.commit(ctx, v, out)
	case *frame.AppendTurns:
		u.a.w.Append(v.Turns...)
		if v.RunLLM {
			return out.Emit(ctx, u.a.snapshot(), frame.Downstream)
		}
		return nil
	case *frame.ConnectionEvent:
		if err := out.Emit(ctx, f, dir); err != nil {
			return err
		}
		if v.State == frame.Connected && u.a.greeting != "" && !u.greeted {
			u.greeted = true
			u.a.w.Append(frame.Turn{Role: frame.RoleSystem, Content: u.a.greeting})
			return out.Emit(ctx, u.a.snapshot(), frame.Downstream)
		}
		return nil
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (u *User) commit(ctx context.Context, v *frame.FinalTranscript, out pipeline.Emitter) error {
	log := observe.Logger(ctx)
	if u.committed[v.UtteranceID] {
		log.Debug("aggregator: duplicate final transcript ignored", "utterance", v.UtteranceID)
		return nil
	}
	u.committed[v.UtteranceID] = true
	if u.pendingID == v.UtteranceID {
		u.pending = ""
	}

	text := strings.TrimSpace(v.Text)
	if text == "" {
		log.Debug("aggregator: empty final transcript", "utterance", v.UtteranceID)
		return nil
	}
	u.a.w.Append(frame.Turn{Role: frame.RoleUser, Content: text})
	return out.Emit(ctx, u.a.snapshot(), frame.Downstream)
}

// Assistant commits assistant turns, tool calls and tool results.
type Assistant struct {
	a *Aggregator

	pending strings.Builder
	active  bool

	// interruptedAt is when the last barge-in happened. Responses started
	// before it are stale.
	interruptedAt time.Time
}

var _ pipeline.Processor = (*Assistant)(nil)

func (*Assistant) Name() string { return "assistant-aggregator" }

func (s *Assistant) ProcessFrame(ctx context.Context, f frame.Frame, dir frame.Direction, out pipeline.Emitter) error {
	if dir != frame.Downstream {
		return pipeline.Forward(ctx, f, dir, out)
	}

	switch v := f.(type) {
	case *frame.ResponseStart:
		if !v.Timestamp.After(s.interruptedAt) {
			break
		}
		s.pending.Reset()
		s.active = true
	case *frame.TextDelta:
		if s.active {
			s.pending.WriteString(v.Text)
		}
	case *frame.ResponseEnd:
		s.flush(v.Interrupted)
		s.active = false
	case *frame.Interruption:
		s.flush(true)
		s.active = false
		if v.Timestamp.After(s.interruptedAt) {
			s.interruptedAt = v.Timestamp
		}
		return nil
	case *frame.ToolCallRequest:
		// Every call gets its tool turn right away so a user turn committed
		// while the call runs never separates the request from its answer.
		turns := []frame.Turn{{
			Role:      frame.RoleAssistant,
			Content:   strings.TrimSpace(s.pending.String()),
			ToolCalls: v.Calls,
		}}
		for _, c := range v.Calls {
			turns = append(turns, frame.Turn{Role: frame.RoleTool, Name: c.Name, ToolCallID: c.ID, Content: frame.ToolPending})
		}
		s.a.w.Append(turns...)
		s.pending.Reset()
	case *frame.ToolCallResult:
		if !s.a.w.ResolveTool(v.CallID, v.Result) {
			s.a.w.Append(frame.Turn{
				Role:       frame.RoleTool,
				Name:       v.Name,
				ToolCallID: v.CallID,
				Content:    v.Result,
			})
		}
		if v.RunLLM {
			if err := out.Emit(ctx, s.a.snapshot(), frame.Upstream); err != nil {
				return err
			}
		}
	}
	return pipeline.Forward(ctx, f, dir, out)
}

func (s *Assistant) flush(truncated bool) {
	text := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if text == "" {
		return
	}
	s.a.w.Append(frame.Turn{Role: frame.RoleAssistant, Content: text, Truncated: truncated})
}

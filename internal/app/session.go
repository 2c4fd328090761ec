package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/switchline/internal/aggregator"
	"github.com/MrWong99/switchline/internal/config"
	"github.com/MrWong99/switchline/internal/conversation"
	"github.com/MrWong99/switchline/internal/events"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	llmproc "github.com/MrWong99/switchline/internal/processor/llm"
	sttproc "github.com/MrWong99/switchline/internal/processor/stt"
	ttsproc "github.com/MrWong99/switchline/internal/processor/tts"
	"github.com/MrWong99/switchline/internal/processor/turn"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/internal/tools/reservation"
	"github.com/MrWong99/switchline/internal/transcript"
	"github.com/MrWong99/switchline/pkg/audio"
	"github.com/MrWong99/switchline/pkg/provider/stt"
	"github.com/MrWong99/switchline/pkg/provider/tts"
	"github.com/MrWong99/switchline/pkg/transport"
)

// ErrSessionSetup wraps every failure to build a session before its task
// runs.
var ErrSessionSetup = errors.New("app: session setup failed")

// keywordBoost is applied to every configured keyword.
const keywordBoost = 2.0

// Meta describes the call a session serves.
type Meta struct {
	// ID is used as the session id when set. WebRTC sessions reuse the
	// signaling id so clients can subscribe to events with it.
	ID string

	// Transport names the transport kind, e.g. "twilio" or "webrtc".
	Transport string

	CallSID   string
	StreamSID string
}

// Session is one call: a transport, the conversation it feeds and the task
// running its pipeline. Sessions share no mutable state.
type Session struct {
	ID        string
	Meta      Meta
	Format    audio.Format
	Transport transport.Transport
	Task      *pipeline.Task
	Started   time.Time

	conv  *conversation.Context
	stats *events.Stats
	log   *slog.Logger
}

// Conversation returns the session's conversation for read access.
func (s *Session) Conversation() *conversation.Context { return s.conv }

// Stats returns the session's running statistics.
func (s *Session) Stats() events.Snapshot { return s.stats.Snapshot() }

// Done is closed once the session's task has shut down.
func (s *Session) Done() <-chan struct{} { return s.Task.Done() }

// sessionDeps is what a session needs from the process.
type sessionDeps struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	sink      events.Sink
	toolset   func() []tools.Tool
	now       func() time.Time
}

// newSession assembles the per-call pipeline:
//
//	transport input → turn → stt → user aggregator → llm → tts →
//	transport output → assistant aggregator
func newSession(deps sessionDeps, t transport.Transport, meta Meta) (*Session, error) {
	if err := deps.providers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}
	cfg := deps.cfg
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now
	if deps.now != nil {
		now = deps.now
	}
	log := slog.Default().With("session_id", id, "transport", meta.Transport)
	if meta.CallSID != "" {
		log = log.With("call_sid", meta.CallSID)
	}

	reg, err := sessionTools(cfg.Agent, deps.toolset, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}
	conv := conversation.New(systemPrompt(cfg.Agent.SystemPrompt, now()), reg.Definitions(), cfg.Agent.Choice())

	var aggOpts []aggregator.Option
	if cfg.Agent.GreetingEnabled() {
		aggOpts = append(aggOpts, aggregator.WithGreeting(cfg.Agent.Greeting))
	}
	agg, err := aggregator.New(conv, aggOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}

	format := t.Format()
	pl := cfg.Pipeline
	procs := []pipeline.Processor{
		transport.NewInput(t),
		turn.New(deps.providers.VAD, turn.Config{
			StartSecs:            pl.Turn.StartSecs,
			StopSecs:             pl.Turn.StopSecs,
			SpeechThreshold:      pl.Turn.SpeechThreshold,
			SilenceThreshold:     pl.Turn.SilenceThreshold,
			DisableInterruptions: pl.Turn.DisableInterruptions,
		}),
		sttproc.New(deps.providers.STT, sttproc.Config{
			ProviderName: cfg.Providers.STT.Name,
			Language:     cfg.Agent.Language,
			Keywords:     keywords(cfg.Agent.Keywords),
			Retry: resilience.RetryPolicy{
				MaxAttempts:    pl.STT.ConnectAttempts,
				AttemptTimeout: pl.STT.ConnectTimeout,
			},
			FinalizeTimeout: pl.STT.FinalizeTimeout,
			Corrector:       corrector(cfg.Agent.Keywords),
		}),
		agg.User(),
		llmproc.New(deps.providers.LLM, reg, llmproc.Config{
			ProviderName:    cfg.Providers.LLM.Name,
			Temperature:     pl.LLM.Temperature,
			MaxTokens:       pl.LLM.MaxTokens,
			ToolTimeout:     pl.LLM.ToolTimeout,
			FallbackMessage: cfg.Agent.FallbackMessage,
		}),
		ttsproc.New(deps.providers.TTS, ttsproc.Config{
			ProviderName: cfg.Providers.TTS.Name,
			Voice:        tts.Voice{ID: cfg.Agent.Voice.VoiceID, Speed: cfg.Agent.Voice.SpeedFactor},
			Output:       format.PCM(),
		}),
		transport.NewOutput(t),
		agg.Assistant(),
	}

	stats := events.NewStats(0)
	sink := events.Multi{events.LogSink{Logger: log, Level: slog.LevelDebug}}
	if deps.sink != nil {
		sink = append(sink, deps.sink)
	}
	p, err := pipeline.New(procs,
		pipeline.WithQueueSize(pl.QueueSize),
		pipeline.WithMetrics(deps.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}
	task := pipeline.NewTask(p,
		pipeline.WithDrainTimeout(pl.DrainTimeout),
		pipeline.WithTaskObservers(events.NewNormalizer(id, sink, events.WithStats(stats))),
	)

	return &Session{
		ID:        id,
		Meta:      meta,
		Format:    format,
		Transport: t,
		Task:      task,
		Started:   now(),
		conv:      conv,
		stats:     stats,
		log:       log,
	}, nil
}

// run executes the task until the call ends and releases the transport.
func (s *Session) run(ctx context.Context, runner *pipeline.Runner) error {
	ctx = observe.WithLogger(ctx, s.log)
	err := runner.Run(ctx, s.Task)
	if cerr := s.Transport.Close(); cerr != nil {
		s.log.Debug("session: transport close", "err", cerr)
	}
	return err
}

// sessionTools builds the session's tool registry from the built-in tools
// and the shared tool sources. Shared tools whose name clashes with a
// built-in are skipped.
func sessionTools(agent config.AgentConfig, shared func() []tools.Tool, log *slog.Logger) (*tools.Registry, error) {
	var list []tools.Tool
	seen := make(map[string]bool)
	if !agent.Tools.CheckAvailability.Disabled {
		t, err := reservation.CheckAvailability(reservation.WithLookupDelay(agent.Tools.CheckAvailability.LookupDelay))
		if err != nil {
			return nil, fmt.Errorf("build check_availability: %w", err)
		}
		list = append(list, t)
		seen[t.Definition.Name] = true
	}
	if shared != nil {
		for _, t := range shared() {
			if seen[t.Definition.Name] {
				log.Warn("session: skipping tool with clashing name", "tool", t.Definition.Name)
				continue
			}
			seen[t.Definition.Name] = true
			list = append(list, t)
		}
	}
	return tools.NewRegistry(list...)
}

// systemPrompt appends the current date and time so the model can resolve
// relative dates like "tomorrow".
func systemPrompt(base string, now time.Time) string {
	return base + "\n\nContext: It is currently " + now.Format("Monday, 2 January 2006, 15:04") + "."
}

func corrector(words []string) *transcript.Corrector {
	if len(words) == 0 {
		return nil
	}
	return transcript.NewCorrector(words)
}

func keywords(words []string) []stt.KeywordBoost {
	if len(words) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(words))
	for i, w := range words {
		out[i] = stt.KeywordBoost{Keyword: w, Boost: keywordBoost}
	}
	return out
}

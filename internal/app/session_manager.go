package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/switchline/internal/calllog"
	"github.com/MrWong99/switchline/internal/config"
	"github.com/MrWong99/switchline/internal/events"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/pipeline"
	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/pkg/transport"
)

// callLogTimeout bounds each call-log write so a slow database cannot hold
// up call teardown.
const callLogTimeout = 5 * time.Second

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	CallSID   string    `json:"call_sid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// SessionManager creates, runs and tracks concurrent sessions. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	runner   *pipeline.Runner
	wg       sync.WaitGroup

	// config returns the config new sessions are built from.
	config    func() *config.Config
	providers *Providers
	metrics   *observe.Metrics
	calls     calllog.Store
	hub       *events.Hub
	toolset   func() []tools.Tool
	now       func() time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config is consulted on every Start, so hot-reloaded agent settings
	// apply to new calls.
	Config    func() *config.Config
	Providers *Providers
	Metrics   *observe.Metrics

	// CallLog receives one record per session. Optional.
	CallLog calllog.Store

	// Hub receives normalized session events. Optional.
	Hub *events.Hub

	// Tools returns tools shared by every session, such as MCP tools.
	Tools func() []tools.Tool

	// Now overrides the clock for tests.
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		sessions:  make(map[string]*Session),
		runner:    pipeline.NewRunner(),
		config:    cfg.Config,
		providers: cfg.Providers,
		metrics:   cfg.Metrics,
		calls:     cfg.CallLog,
		hub:       cfg.Hub,
		toolset:   cfg.Tools,
		now:       cfg.Now,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start builds a session for t and runs it in the background. The session
// ends when the transport disconnects, the task completes, or ctx is done.
// Setup failures wrap [ErrSessionSetup] and leave t open for the caller.
func (m *SessionManager) Start(ctx context.Context, t transport.Transport, meta Meta) (*Session, error) {
	deps := sessionDeps{
		cfg:       m.config(),
		providers: m.providers,
		metrics:   m.metrics,
		toolset:   m.toolset,
		now:       m.now,
	}
	if m.hub != nil {
		deps.sink = m.hub
	}
	s, err := newSession(deps, t, meta)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, dup := m.sessions[s.ID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate session id %q", ErrSessionSetup, s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.SessionStarted(ctx, meta.Transport)
	m.record(ctx, s, calllog.Record{})
	s.log.Info("session started", "format", s.Format.String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := s.run(context.WithoutCancel(ctx), m.runner)
		m.finish(s, err)
	}()
	return s, nil
}

// Serve runs a session for t and blocks until it ends or ctx is done. It is
// meant for handlers whose connection lives as long as the request.
func (m *SessionManager) Serve(ctx context.Context, t transport.Transport, meta Meta) error {
	s, err := m.Start(ctx, t, meta)
	if err != nil {
		return err
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Task.Cancel()
		<-s.Done()
	}
	return nil
}

func (m *SessionManager) finish(s *Session, err error) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	ctx := context.Background()
	m.metrics.SessionEnded(ctx, s.Meta.Transport)
	if m.hub != nil {
		m.hub.CloseSession(s.ID)
	}

	reason := s.Task.State().String()
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	end := m.now()
	m.record(ctx, s, calllog.Record{EndedAt: end, EndReason: reason})
	s.log.Info("session ended", "reason", reason, "duration", end.Sub(s.Started).Round(time.Millisecond))
}

// record saves the session's call-log entry. The end fields come from end.
func (m *SessionManager) record(ctx context.Context, s *Session, end calllog.Record) {
	if m.calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callLogTimeout)
	defer cancel()
	rec := calllog.Record{
		SessionID: s.ID,
		Transport: s.Meta.Transport,
		CallSID:   s.Meta.CallSID,
		StreamSID: s.Meta.StreamSID,
		StartedAt: s.Started,
		EndedAt:   end.EndedAt,
		EndReason: end.EndReason,
		Stats:     s.Stats(),
	}
	if err := m.calls.Save(ctx, rec); err != nil {
		s.log.Warn("session: call log save failed", "err", err)
	}
}

// Get returns the live session with id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Exists reports whether a session with id is live.
func (m *SessionManager) Exists(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns the live sessions, oldest first.
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			Transport: s.Meta.Transport,
			CallSID:   s.Meta.CallSID,
			StartedAt: s.Started,
			State:     s.Task.State().String(),
		})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Stop cancels the session with id. It reports whether one was found.
func (m *SessionManager) Stop(id string) bool {
	s, ok := m.Get(id)
	if ok {
		s.Task.Cancel()
	}
	return ok
}

// StopAll cancels every live session and waits for their teardown,
// including call-log writes.
func (m *SessionManager) StopAll() {
	m.runner.CancelAll()
	m.wg.Wait()
}

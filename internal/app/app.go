// Package app wires switchline's subsystems into a running server.
//
// The App owns the full lifecycle: New assembles the session manager, call
// log and event hub, Run serves HTTP until the context ends, and Shutdown
// tears everything down in order. Every inbound call, whether a Twilio
// media stream or a WebRTC peer, becomes one [Session] with its own
// pipeline.
//
// For testing, inject doubles via functional options (WithCallLog,
// WithPeerFactory, etc.). When an option is not provided, New creates the
// default from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchline/internal/calllog"
	"github.com/MrWong99/switchline/internal/config"
	"github.com/MrWong99/switchline/internal/events"
	"github.com/MrWong99/switchline/internal/health"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/pkg/provider/llm"
	"github.com/MrWong99/switchline/pkg/provider/stt"
	"github.com/MrWong99/switchline/pkg/provider/tts"
	"github.com/MrWong99/switchline/pkg/provider/vad"
	"github.com/MrWong99/switchline/pkg/transport/twilio"
	"github.com/MrWong99/switchline/pkg/transport/webrtc"
	wstransport "github.com/MrWong99/switchline/pkg/transport/websocket"
)

// Route paths served by [App.Handler].
const (
	TwilioVoicePath  = "/twilio/voice"
	TwilioStreamPath = "/twilio/stream"
)

// Providers holds one interface value per pipeline stage. Populated by
// main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// Validate reports every missing provider.
func (p *Providers) Validate() error {
	if p == nil {
		return errors.New("app: no providers configured")
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("app: llm provider is not configured"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("app: stt provider is not configured"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: tts provider is not configured"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("app: vad engine is not configured"))
	}
	return errors.Join(errs...)
}

// ToolSource supplies tools shared by every session.
type ToolSource interface {
	Tools() []tools.Tool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics

	calls     calllog.Store
	hub       *events.Hub
	toolSrc   ToolSource
	checkers  []health.Checker
	peerMaker func() webrtc.PeerTransport

	ctx       context.Context
	cancel    context.CancelFunc
	sessions  *SessionManager
	signaling *webrtc.SignalingServer

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallLog injects a call-log store instead of the in-memory default.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.calls = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithToolSource adds tools shared by every session, typically MCP tools.
func WithToolSource(src ToolSource) Option {
	return func(a *App) { a.toolSrc = src }
}

// WithHealthChecks adds readiness checks to /readyz.
func WithHealthChecks(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithPeerFactory sets the WebRTC peer implementation. Without one the
// /webrtc/ routes answer 501 Not Implemented.
func WithPeerFactory(f func() webrtc.PeerTransport) Option {
	return func(a *App) { a.peerMaker = f }
}

// WithCloser registers fn to run during Shutdown, after sessions stop.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App. The providers come from main.go, populated via the
// config registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.Validate(); err != nil {
		return nil, err
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.calls == nil {
		a.calls = calllog.NewMemoryStore(cfg.CallLog.Capacity)
	}
	a.hub = events.NewHub(0)
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	var toolset func() []tools.Tool
	if a.toolSrc != nil {
		toolset = a.toolSrc.Tools
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    a.Config,
		Providers: providers,
		Metrics:   a.metrics,
		CallLog:   a.calls,
		Hub:       a.hub,
		Tools:     toolset,
	})

	var sigOpts []webrtc.SignalingOption
	if a.peerMaker != nil {
		sigOpts = append(sigOpts, webrtc.WithPeerFactory(a.peerMaker))
	}
	a.signaling = webrtc.NewSignalingServer(a.ctx, a.startWebRTC, sigOpts...)
	return a, nil
}

// Config returns the config new sessions are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// UpdateConfig applies a hot-reloaded config. Agent settings take effect
// for new sessions; live sessions keep the config they started with.
func (a *App) UpdateConfig(cfg *config.Config) {
	old := a.cfg.Swap(cfg)
	d := config.Diff(old, cfg)
	if d.AgentChanged {
		slog.Info("agent configuration updated; applies to new sessions")
	}
	if d.RestartRequired {
		slog.Warn("configuration changes outside agent and log level need a restart to take effect")
	}
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP routes:
//
//	POST   /twilio/voice                 TwiML webhook
//	GET    /twilio/stream                Twilio media stream websocket
//	POST   /webrtc/offer                 WebRTC signaling, see webrtc.SignalingServer;
//	                                     501 without a peer factory
//	GET    /sessions                     live sessions
//	DELETE /sessions/{id}                hang up
//	GET    /sessions/{id}/events         normalized event stream
//	GET    /calls, /calls/{id}           call log
//	GET    /metrics                      Prometheus scrape
//	GET    /healthz, /readyz             probes
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	streamURL := ""
	if host := a.Config().Server.PublicHost; host != "" {
		streamURL = "wss://" + host + TwilioStreamPath
	}
	mux.Handle("POST "+TwilioVoicePath, twilio.TwiMLHandler(streamURL, TwilioStreamPath))
	mux.HandleFunc("GET "+TwilioStreamPath, a.handleTwilioStream)

	sig := a.signaling.Handler()
	mux.Handle("/webrtc/", sig)

	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", a.handleStopSession)
	mux.Handle("GET /sessions/{id}/events", a.hub.Handler(a.sessions.Exists))

	calls := calllog.Handler(a.calls)
	mux.Handle("GET /calls", calls)
	mux.Handle("GET /calls/{id}", calls)

	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := append([]health.Checker{{
		Name: "providers",
		Check: func(context.Context) error {
			return a.providers.Validate()
		},
	}}, a.checkers...)
	health.New(checkers...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// handleTwilioStream accepts a Twilio media stream and serves one session
// for as long as the websocket lives.
func (a *App) handleTwilioStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	// Start envelopes can carry arbitrary custom parameters.
	c.SetReadLimit(1 << 20)

	ctx := r.Context()
	log := observe.Logger(ctx)
	info, err := twilio.Handshake(ctx, wstransport.Conn{Conn: c})
	if err != nil {
		log.Warn("twilio: handshake failed", "err", err)
		_ = c.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	t := wstransport.New(ctx, c, twilio.NewSerializer(info), info.Format,
		wstransport.WithInitial(info.Frame()),
		wstransport.WithName("twilio"),
		wstransport.WithMetrics(a.metrics),
	)
	err = a.sessions.Serve(ctx, t, Meta{
		Transport: "twilio",
		CallSID:   info.CallSID,
		StreamSID: info.StreamSID,
	})
	if err != nil {
		log.Error("twilio: session setup failed", "call_sid", info.CallSID, "err", err)
		_ = t.Close()
		_ = c.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "call ended")
}

// startWebRTC runs a session for a freshly negotiated peer. It returns once
// the session is running; the connection lives beyond the offer request.
func (a *App) startWebRTC(_ context.Context, c *webrtc.Connection) error {
	_, err := a.sessions.Start(a.ctx, c, Meta{ID: c.ID(), Transport: "webrtc"})
	return err
}

func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.sessions.List())
}

func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions.Stop(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srvCfg := a.Config().Server
	ln, err := net.Listen("tcp", srvCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", srvCfg.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srvCfg := a.Config().Server
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app listening", "addr", ln.Addr().String(), "tls", srvCfg.TLS != nil)
		var err error
		if tls := srvCfg.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srvCfg.ShutdownTimeout)
		defer cancel()
		// Calls hold their websocket for the whole request, so stop them
		// before waiting on in-flight handlers.
		a.sessions.StopAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops every session and runs the registered closers in reverse
// order. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))
		a.sessions.StopAll()
		a.cancel()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				break
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

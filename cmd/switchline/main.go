// Command switchline answers phone and browser calls with a voice agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/switchline/internal/app"
	"github.com/MrWong99/switchline/internal/calllog"
	"github.com/MrWong99/switchline/internal/config"
	"github.com/MrWong99/switchline/internal/health"
	"github.com/MrWong99/switchline/internal/observe"
	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/internal/tools/mcpsource"
	"github.com/MrWong99/switchline/pkg/provider/llm"
	"github.com/MrWong99/switchline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/switchline/pkg/provider/llm/openai"
	"github.com/MrWong99/switchline/pkg/provider/stt"
	"github.com/MrWong99/switchline/pkg/provider/stt/deepgram"
	"github.com/MrWong99/switchline/pkg/provider/tts"
	"github.com/MrWong99/switchline/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/switchline/pkg/provider/vad"
	"github.com/MrWong99/switchline/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "switchline: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "switchline: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))
	slog.Info("switchline starting", "version", version, "config", *configPath, "listen_addr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithCloser(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(shutdownCtx)
		}),
	}

	if dsn := cfg.CallLog.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to open call log database", "err", err)
			return 1
		}
		store := calllog.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			slog.Error("failed to migrate call log", "err", err)
			return 1
		}
		opts = append(opts,
			app.WithCallLog(store),
			app.WithHealthChecks(health.Ping("calllog", pool)),
			app.WithCloser(func() error { pool.Close(); return nil }),
		)
		slog.Info("call log stored in postgres")
	}

	if servers := cfg.MCP.Servers; len(servers) > 0 {
		src := mcpsource.New()
		if err := src.Connect(ctx, servers...); err != nil {
			// Unreachable servers are skipped; calls proceed with the tools
			// that did connect.
			slog.Warn("some mcp servers failed to connect", "err", err)
		}
		opts = append(opts,
			app.WithToolSource(src),
			app.WithHealthChecks(health.Checker{Name: "mcp", Check: func(context.Context) error {
				if got, want := len(src.Servers()), len(servers); got < want {
					return fmt.Errorf("%d of %d servers connected", got, want)
				}
				return nil
			}}),
			app.WithCloser(src.Close),
		)
		slog.Info("mcp tools loaded", "servers", src.Servers(), "tools", len(src.Tools()))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		application.UpdateConfig(next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go func() { _ = watcher.Run(ctx) }()
		go reloadOnHangup(ctx, watcher)
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires every provider that ships with switchline
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	// anyllm reaches anthropic, gemini, ollama, mistral and friends. The
	// backend is picked with options.backend.
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend := e.OptionString("backend")
		if backend == "" {
			return nil, errors.New("anyllm: options.backend is required")
		}
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New(backend, e.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if lang := e.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if f := e.OptionString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(e config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		floor, okFloor := e.OptionFloat("floor")
		ceil, okCeil := e.OptionFloat("ceil")
		if okFloor && okCeil {
			opts = append(opts, energy.WithRange(floor, ceil))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// fallbackRetry is the per-backend policy of the fallback wrappers. The
// processors already retry, so each backend gets one attempt per call.
var fallbackRetry = resilience.RetryPolicy{MaxAttempts: 1}

// buildProviders instantiates the configured providers. Configured fallbacks
// wrap the primary in a resilience fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	fbCfg := resilience.FallbackConfig{}
	ps := &app.Providers{}

	l, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	ps.LLM = l
	if len(pc.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(l, pc.LLM.Name, fbCfg, fallbackRetry)
		for _, e := range pc.LLMFallbacks {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback: %w", err)
			}
			fb.AddFallback(e.Name, p)
		}
		ps.LLM = fb
	}

	s, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider: %w", err)
	}
	ps.STT = s
	if len(pc.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(s, pc.STT.Name, fbCfg, fallbackRetry)
		for _, e := range pc.STTFallbacks {
			p, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback: %w", err)
			}
			fb.AddFallback(e.Name, p)
		}
		ps.STT = fb
	}

	t, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider: %w", err)
	}
	ps.TTS = t
	if len(pc.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(t, pc.TTS.Name, fbCfg, fallbackRetry)
		for _, e := range pc.TTSFallbacks {
			p, err := reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback: %w", err)
			}
			if err := fb.AddFallback(e.Name, p); err != nil {
				return nil, err
			}
		}
		ps.TTS = fb
	}

	v, err := reg.CreateVAD(pc.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider: %w", err)
	}
	ps.VAD = v

	slog.Info("providers ready",
		"llm", pc.LLM.Name+"/"+pc.LLM.Model,
		"stt", pc.STT.Name,
		"tts", pc.TTS.Name,
		"vad", pc.VAD.Name,
	)
	return ps, nil
}

// reloadOnHangup reloads the config whenever the process receives SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload rejected", "err", err)
			}
		}
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

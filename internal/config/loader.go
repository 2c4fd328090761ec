package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/switchline/pkg/frame"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a sensible default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}

	p := &cfg.Providers
	if p.LLM.Name == "" {
		p.LLM.Name = "openai"
	}
	if p.LLM.Model == "" {
		p.LLM.Model = DefaultLLMModel
	}
	if p.STT.Name == "" {
		p.STT.Name = "deepgram"
	}
	if p.TTS.Name == "" {
		p.TTS.Name = "elevenlabs"
	}
	if p.VAD.Name == "" {
		p.VAD.Name = "energy"
	}

	a := &cfg.Agent
	if a.SystemPrompt == "" {
		a.SystemPrompt = DefaultSystemPrompt
	}
	if a.Greeting == "" {
		a.Greeting = DefaultGreeting
	}
	if a.ToolChoice == "" {
		a.ToolChoice = string(frame.ToolChoiceAuto)
	}
	if a.Language == "" {
		a.Language = "en"
	}
	if a.FallbackMessage == "" {
		a.FallbackMessage = "Sorry, I'm having trouble right now. Could you say that again?"
	}
	if a.Tools.CheckAvailability.LookupDelay == 0 {
		a.Tools.CheckAvailability.LookupDelay = DefaultLookupDelay
	}

	pl := &cfg.Pipeline
	if pl.QueueSize == 0 {
		pl.QueueSize = 256
	}
	if pl.DrainTimeout == 0 {
		pl.DrainTimeout = 5 * time.Second
	}
	if pl.Turn.StartSecs == 0 {
		pl.Turn.StartSecs = 0.2
	}
	if pl.Turn.StopSecs == 0 {
		pl.Turn.StopSecs = 0.8
	}
	if pl.Turn.SpeechThreshold == 0 {
		pl.Turn.SpeechThreshold = 0.5
	}
	if pl.Turn.SilenceThreshold == 0 {
		pl.Turn.SilenceThreshold = 0.35
	}
	if pl.STT.ConnectTimeout == 0 {
		pl.STT.ConnectTimeout = 5 * time.Second
	}
	if pl.STT.ConnectAttempts == 0 {
		pl.STT.ConnectAttempts = 3
	}
	if pl.STT.FinalizeTimeout == 0 {
		pl.STT.FinalizeTimeout = 2 * time.Second
	}
	if pl.LLM.MaxTokens == 0 {
		pl.LLM.MaxTokens = 512
	}
	if pl.LLM.Temperature == 0 {
		pl.LLM.Temperature = 0.7
	}
	if pl.LLM.ToolTimeout == 0 {
		pl.LLM.ToolTimeout = 10 * time.Second
	}

	if cfg.CallLog.Capacity == 0 {
		cfg.CallLog.Capacity = 1000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	for _, fb := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", fb.Name)
	}
	for _, fb := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", fb.Name)
	}

	a := cfg.Agent
	if a.Voice.SpeedFactor != 0 && (a.Voice.SpeedFactor < 0.5 || a.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed_factor %.2f is out of range [0.5, 2.0]", a.Voice.SpeedFactor))
	}
	if strings.HasPrefix(a.ToolChoice, "forced:") && strings.TrimPrefix(a.ToolChoice, "forced:") == "" {
		errs = append(errs, errors.New("agent.tool_choice \"forced:\" requires a tool name"))
	}
	if a.Tools.CheckAvailability.LookupDelay < 0 {
		errs = append(errs, errors.New("agent.tools.check_availability.lookup_delay must not be negative"))
	}

	t := cfg.Pipeline.Turn
	for name, v := range map[string]float64{
		"speech_threshold":  t.SpeechThreshold,
		"silence_threshold": t.SilenceThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("pipeline.turn.%s %.2f is out of range [0, 1]", name, v))
		}
	}
	if t.SilenceThreshold > t.SpeechThreshold {
		errs = append(errs, fmt.Errorf("pipeline.turn.silence_threshold %.2f exceeds speech_threshold %.2f", t.SilenceThreshold, t.SpeechThreshold))
	}
	if t.StartSecs < 0 || t.StopSecs < 0 {
		errs = append(errs, errors.New("pipeline.turn start_secs and stop_secs must not be negative"))
	}
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", cfg.Pipeline.QueueSize))
	}
	if cfg.Pipeline.LLM.Temperature < 0 || cfg.Pipeline.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.llm.temperature %.2f is out of range [0, 2]", cfg.Pipeline.LLM.Temperature))
	}

	if cfg.CallLog.Capacity < 0 {
		errs = append(errs, errors.New("calllog.capacity must not be negative"))
	}

	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
		if prev, ok := seen[srv.Name]; ok && srv.Name != "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name %q is a duplicate of mcp.servers[%d]", i, srv.Name, prev))
		}
		seen[srv.Name] = i
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

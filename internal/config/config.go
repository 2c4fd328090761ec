// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for switchline.
package config

import (
	"strings"
	"time"

	"github.com/MrWong99/switchline/internal/tools/mcpsource"
	"github.com/MrWong99/switchline/pkg/frame"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultLLMModel     = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a friendly receptionist at The Salusbury, a neighbourhood restaurant and pub. " +
		"Help callers with questions about the restaurant and check table availability for bookings. " +
		"Your output is spoken aloud on a phone call, so keep answers short and conversational and " +
		"never use lists, markdown, emojis or other special characters."
	DefaultGreeting    = "Say something like 'Thank you for calling, The Salusbury how can I help you today?'"
	DefaultLookupDelay = 2 * time.Second
)

// Config is the root configuration, loaded from YAML with [Load] or
// [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	CallLog   CallLogConfig   `yaml:"calllog"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host name Twilio connects to,
	// such as a tunnel domain. When empty the request's Host is used.
	PublicHost string `yaml:"public_host"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the implementation for each pipeline stage.
// Fallbacks are tried in order when the primary fails.
type ProvidersConfig struct {
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	VAD          ProviderEntry   `yaml:"vad"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionFloat returns Options[key] as a float64 when it is numeric.
func (e ProviderEntry) OptionFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// AgentConfig is what the assistant says and does. Changes apply to new
// sessions without a restart.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is a system instruction appended when the caller connects.
	// Set to "-" to disable.
	Greeting string `yaml:"greeting"`

	// ToolChoice is "auto", "none", "required" or the name of one tool to
	// force.
	ToolChoice string `yaml:"tool_choice"`

	Voice    VoiceConfig `yaml:"voice"`
	Language string      `yaml:"language"`

	// Keywords are boosted during recognition.
	Keywords []string `yaml:"keywords"`

	// FallbackMessage is spoken when a provider fails.
	FallbackMessage string `yaml:"fallback_message"`

	Tools ToolsConfig `yaml:"tools"`
}

// GreetingEnabled reports whether a greeting is configured.
func (a AgentConfig) GreetingEnabled() bool { return a.Greeting != "" && a.Greeting != "-" }

// Choice converts ToolChoice to the frame representation.
func (a AgentConfig) Choice() frame.ToolChoice {
	switch mode := frame.ToolChoiceMode(strings.ToLower(a.ToolChoice)); mode {
	case "", frame.ToolChoiceAuto:
		return frame.ToolChoice{Mode: frame.ToolChoiceAuto}
	case frame.ToolChoiceNone, frame.ToolChoiceRequired:
		return frame.ToolChoice{Mode: mode}
	}
	return frame.ToolChoice{Mode: frame.ToolChoiceForced, Name: strings.TrimPrefix(a.ToolChoice, "forced:")}
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]; 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ToolsConfig enables the built-in tools.
type ToolsConfig struct {
	CheckAvailability CheckAvailabilityConfig `yaml:"check_availability"`
}

// CheckAvailabilityConfig configures the table-availability tool.
type CheckAvailabilityConfig struct {
	// Disabled removes the tool from every session.
	Disabled bool `yaml:"disabled"`

	// LookupDelay simulates the reservation system's response time.
	LookupDelay time.Duration `yaml:"lookup_delay"`
}

// PipelineConfig tunes per-session stages.
type PipelineConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	Turn TurnConfig `yaml:"turn"`
	STT  STTConfig  `yaml:"stt"`
	LLM  LLMConfig  `yaml:"llm"`
}

// TurnConfig tunes VAD turn-taking.
type TurnConfig struct {
	StartSecs            float64 `yaml:"start_secs"`
	StopSecs             float64 `yaml:"stop_secs"`
	SpeechThreshold      float64 `yaml:"speech_threshold"`
	SilenceThreshold     float64 `yaml:"silence_threshold"`
	DisableInterruptions bool    `yaml:"disable_interruptions"`
}

// STTConfig tunes recognition sessions.
type STTConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

// LLMConfig tunes generation and tool execution.
type LLMConfig struct {
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// CallLogConfig selects where call metadata is kept. With no DSN it is
// kept in memory.
type CallLogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity bounds the in-memory store.
	Capacity int `yaml:"capacity"`
}

// MCPConfig lists MCP servers whose tools are offered to every session.
type MCPConfig struct {
	Servers []mcpsource.ServerConfig `yaml:"servers"`
}

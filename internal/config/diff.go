package config

import (
	"slices"

	"github.com/MrWong99/switchline/internal/tools/mcpsource"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	AgentChanged    bool // prompt, greeting, voice, tools or language changed
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed, such as providers or the listen address.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.AgentChanged && !d.LogLevelChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AgentChanged = !agentEqual(old.Agent, new.Agent)

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.PublicHost != new.Server.PublicHost ||
		!providersEqual(old.Providers, new.Providers) ||
		old.CallLog != new.CallLog ||
		!slices.EqualFunc(old.MCP.Servers, new.MCP.Servers, func(a, b mcpsource.ServerConfig) bool {
			return a.Name == b.Name && a.Transport == b.Transport && a.Command == b.Command && a.URL == b.URL
		}) {
		d.RestartRequired = true
	}
	return d
}

func agentEqual(a, b AgentConfig) bool {
	return a.SystemPrompt == b.SystemPrompt &&
		a.Greeting == b.Greeting &&
		a.ToolChoice == b.ToolChoice &&
		a.Voice == b.Voice &&
		a.Language == b.Language &&
		a.FallbackMessage == b.FallbackMessage &&
		a.Tools == b.Tools &&
		slices.Equal(a.Keywords, b.Keywords)
}

func providersEqual(a, b ProvidersConfig) bool {
	eq := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL && x.Model == y.Model
	}
	return eq(a.LLM, b.LLM) && eq(a.STT, b.STT) && eq(a.TTS, b.TTS) && eq(a.VAD, b.VAD) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, eq) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, eq) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, eq)
}

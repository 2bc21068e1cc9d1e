// Package config provides the configuration schema, loader, and provider
// registry for the Voxlane voice assistant.
package config

import "time"

// LogLevel controls log verbosity for the Voxlane server.
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

// Config is the root configuration structure for Voxlane.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the Voxlane server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	// The server exposes health probes and the Prometheus metrics endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DiscordConfig holds Discord gateway credentials and guild scoping.
type DiscordConfig struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID restricts slash-command registration to a single guild.
	// Leave empty to register commands globally (propagation may take up to
	// an hour).
	GuildID string `yaml:"guild_id"`

	// OperatorRole is the name of the Discord role allowed to control the
	// bot via slash commands. Empty means any member may issue commands.
	OperatorRole string `yaml:"operator_role"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry], except Transcribe which configures the streaming transcription
// channel directly.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	TTS        ProviderEntry `yaml:"tts"`
	Transcribe ProviderEntry `yaml:"transcribe"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "elevenlabs", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "nova-3").
	Model string `yaml:"model"`

	// Voice selects a TTS voice identifier. Ignored by non-TTS providers.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or
	// nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the utterance assembly and reply cycle. All fields
// are hot-reloadable; a zero value means "use the built-in default".
type PipelineConfig struct {
	// FinalizeHold is the silence window after the last transcript fragment
	// before the buffered utterance is finalized. Default: 1s.
	FinalizeHold time.Duration `yaml:"finalize_hold"`

	// LengthThreshold is the buffer length (in characters) past which any new
	// fragment arms finalization even without a final-marked result.
	// Default: 100.
	LengthThreshold int `yaml:"length_threshold"`

	// MaxContextEntries bounds the conversation context passed to the LLM.
	// Oldest entries are evicted first. Default: 20.
	MaxContextEntries int `yaml:"max_context_entries"`

	// InactivityTimeout closes a speaker stream that has received no audio
	// for this long. Default: 30s.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// Endpointing is the provider-side silence duration that marks a
	// transcript result final. Default: 300ms.
	Endpointing time.Duration `yaml:"endpointing"`

	// WakePhrase, when set, must prefix an utterance for it to be treated as
	// a voice command (e.g., "hey voxlane"). Empty disables the requirement.
	WakePhrase string `yaml:"wake_phrase"`

	// SystemPrompt is prepended to every LLM completion request.
	SystemPrompt string `yaml:"system_prompt"`

	// FallbackReply is spoken when reply generation fails. Default:
	// "Sorry, I didn't catch that."
	FallbackReply string `yaml:"fallback_reply"`

	// MaxReconnects caps transcription channel reconnect attempts before the
	// session gives up. Default: 5.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectBackoff is the base delay for exponential reconnect backoff.
	// Default: 1s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

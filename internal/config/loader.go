package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "openai"},
	"transcribe": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)

	// Provider availability warnings.
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the bot will not generate spoken replies")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies cannot be synthesized")
	}
	if cfg.Providers.Transcribe.Name == "" {
		slog.Warn("no transcription provider configured; voice input will be ignored")
	}
	if cfg.Providers.Transcribe.Name != "" && cfg.Providers.Transcribe.APIKey == "" {
		errs = append(errs, errors.New("providers.transcribe.api_key is required when a transcription provider is configured"))
	}

	// Pipeline ranges. Zero means "use default"; negatives are always wrong.
	p := cfg.Pipeline
	if p.FinalizeHold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.finalize_hold %v must not be negative", p.FinalizeHold))
	}
	if p.LengthThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.length_threshold %d must not be negative", p.LengthThreshold))
	}
	if p.MaxContextEntries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_context_entries %d must not be negative", p.MaxContextEntries))
	}
	if p.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.inactivity_timeout %v must not be negative", p.InactivityTimeout))
	}
	if p.Endpointing < 0 {
		errs = append(errs, fmt.Errorf("pipeline.endpointing %v must not be negative", p.Endpointing))
	}
	if p.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_reconnects %d must not be negative", p.MaxReconnects))
	}
	if p.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("pipeline.reconnect_backoff %v must not be negative", p.ReconnectBackoff))
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
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

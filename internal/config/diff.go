package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the pipeline
// tuning block and the log level. Provider, Discord, and server changes
// require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PipelineChanged bool
	PipelineChanges PipelineDiff
	NewPipeline     PipelineConfig
}

// PipelineDiff flags which pipeline fields changed between two configs.
type PipelineDiff struct {
	FinalizeHoldChanged      bool
	LengthThresholdChanged   bool
	MaxContextEntriesChanged bool
	InactivityChanged        bool
	WakePhraseChanged        bool
	SystemPromptChanged      bool
	FallbackReplyChanged     bool
}

// Any reports whether at least one pipeline field changed.
func (d PipelineDiff) Any() bool {
	return d.FinalizeHoldChanged ||
		d.LengthThresholdChanged ||
		d.MaxContextEntriesChanged ||
		d.InactivityChanged ||
		d.WakePhraseChanged ||
		d.SystemPromptChanged ||
		d.FallbackReplyChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PipelineChanges = diffPipeline(old.Pipeline, new.Pipeline)
	if d.PipelineChanges.Any() {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	return d
}

// diffPipeline compares the hot-reloadable pipeline blocks field by field.
// Endpointing, reconnect count, and backoff are intentionally excluded: they
// only take effect when a transcription channel is (re)opened, so a restart
// of the session is required anyway.
func diffPipeline(old, new PipelineConfig) PipelineDiff {
	return PipelineDiff{
		FinalizeHoldChanged:      old.FinalizeHold != new.FinalizeHold,
		LengthThresholdChanged:   old.LengthThreshold != new.LengthThreshold,
		MaxContextEntriesChanged: old.MaxContextEntries != new.MaxContextEntries,
		InactivityChanged:        old.InactivityTimeout != new.InactivityTimeout,
		WakePhraseChanged:        old.WakePhrase != new.WakePhrase,
		SystemPromptChanged:      old.SystemPrompt != new.SystemPrompt,
		FallbackReplyChanged:     old.FallbackReply != new.FallbackReply,
	}
}

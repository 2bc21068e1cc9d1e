// Package tts defines the Provider interface for speech synthesis backends.
//
// A provider wraps a synthesis service (ElevenLabs, OpenAI, …) and exposes a
// single blocking call: text in, linear PCM out, at the fixed sample format
// the provider reports via Format. The playback side of the pipeline resamples
// and re-encodes that PCM for the voice platform, so providers never need to
// know the transport's audio contract.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxlane/voxlane/pkg/audio"
)

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize converts text to little-endian int16 linear PCM in the
	// format reported by Format. Empty or whitespace-only text is valid
	// input and yields an empty (non-nil) result, not an error.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// Format reports the sample rate and channel layout of the PCM returned
	// by Synthesize. Constant for the lifetime of the provider.
	Format() audio.Format
}

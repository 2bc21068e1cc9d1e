// Package audio defines the types and interfaces for audio transport and
// normalization within Voxlane.
//
// The two primary abstractions are:
//
//   - [Platform] — connects to a voice channel and returns a [Connection].
//   - [Connection] — an active attachment to that channel, exposing
//     per-speaker input streams, a single playback output stream, and
//     participant lifecycle events.
//
// Raw platform audio (compressed frames at the platform's native rate) is
// decoded by the platform adapter and flows through this package's
// [FormatConverter] to reach the fixed format the transcription service
// expects. The inverse chain converts synthesized speech back to the
// platform's playback format.
//
// This package lives under pkg/ because platform adapters outside this
// repository are expected to implement [Platform] and [Connection].
package audio

import "time"

// AudioFrame is a single chunk of linear PCM flowing through the pipeline.
// Frames are the atomic transport unit: produced by a platform decoder,
// inspected by the silence gate, converted by the normalizer, and consumed
// by the transcription channel or the playback encoder.
//
// Frames carry whatever size the transport delivered; no stage may assume a
// fixed frame length.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for platform Opus, 16000 for transcription).
	SampleRate int

	// Channels: 1 for mono (transcription input), 2 for stereo (platform).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// TranscribeFormat is the fixed format negotiated with the transcription
// service: linear PCM, 16 kHz, mono.
var TranscribeFormat = Format{SampleRate: 16000, Channels: 1}

// Drain reads from ch until it is closed, discarding all values. Use this to
// prevent goroutine leaks when the data from a streaming channel is not
// needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

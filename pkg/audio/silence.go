package audio

// Silence gate parameters. The scan is bounded so arbitrarily large chunks
// cost the same to classify as small ones.
const (
	// silenceScanSamples is the maximum number of leading int16 samples
	// inspected per chunk.
	silenceScanSamples = 500

	// silenceThreshold is the peak absolute amplitude at or below which a
	// chunk counts as silent. int16 full scale is 32767.
	silenceThreshold = 500
)

// IsSilence reports whether the leading samples of a little-endian int16 PCM
// chunk stay at or below the silence threshold. It inspects at most
// silenceScanSamples samples. A chunk shorter than one sample is silence.
//
// IsSilence is a pure function: identical input bytes always produce the same
// result.
func IsSilence(pcm []byte) bool {
	if len(pcm) < 2 {
		return true
	}

	samples := len(pcm) / 2
	if samples > silenceScanSamples {
		samples = silenceScanSamples
	}

	for i := range samples {
		// Widen before negating so -32768 doesn't wrap.
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > silenceThreshold {
			return false
		}
	}
	return true
}

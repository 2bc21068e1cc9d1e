package audio

import "testing"

func TestIsSilence_AllZero(t *testing.T) {
	for _, n := range []int{2, 4, 100, 1000, 4000} {
		if !IsSilence(make([]byte, n)) {
			t.Errorf("all-zero buffer of %d bytes should be silence", n)
		}
	}
}

func TestIsSilence_ShortBuffer(t *testing.T) {
	if !IsSilence(nil) {
		t.Error("nil buffer should be silence")
	}
	if !IsSilence([]byte{0x01}) {
		t.Error("single-byte buffer should be silence")
	}
}

func TestIsSilence_LoudFirstSample(t *testing.T) {
	pcm := make([]byte, 64)
	// First sample = 8000, well above the threshold.
	pcm[0] = byte(8000 & 0xff)
	pcm[1] = byte(8000 >> 8)
	if IsSilence(pcm) {
		t.Error("buffer with loud first sample should not be silence")
	}
}

func TestIsSilence_NegativePeak(t *testing.T) {
	pcm := make([]byte, 4)
	// First sample = -32768, the most negative int16.
	pcm[0] = 0x00
	pcm[1] = 0x80
	if IsSilence(pcm) {
		t.Error("buffer with full-scale negative sample should not be silence")
	}
}

func TestIsSilence_BoundedScan(t *testing.T) {
	// A loud sample past the scan window must not affect the verdict.
	pcm := make([]byte, (silenceScanSamples+10)*2)
	loud := silenceScanSamples * 2
	pcm[loud] = byte(20000 & 0xff)
	pcm[loud+1] = byte(20000 >> 8)
	if !IsSilence(pcm) {
		t.Error("loud sample beyond the scan window should be ignored")
	}
}

func TestIsSilence_Deterministic(t *testing.T) {
	pcm := make([]byte, 200)
	for i := range pcm {
		pcm[i] = byte(i % 3) // low amplitude noise
	}
	first := IsSilence(pcm)
	for range 10 {
		if IsSilence(pcm) != first {
			t.Fatal("IsSilence is not deterministic for identical input")
		}
	}
}

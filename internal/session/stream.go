package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/audio"
)

// defaultInactivityTimeout closes a speaker stream that has carried no audio
// for this long.
const defaultInactivityTimeout = 30 * time.Second

// StreamStats is a snapshot of one speaker stream's counters.
type StreamStats struct {
	UserID   string
	Username string

	// PacketsForwarded and BytesForwarded count normalized audio handed to
	// the transcription channel.
	PacketsForwarded uint64
	BytesForwarded   uint64

	// EmptyPackets counts zero-length frames. These are dropped before the
	// converter and never forwarded.
	EmptyPackets uint64

	// SilentPackets counts frames below the silence threshold. Silence is
	// still forwarded — the service needs it for endpointing — the counter
	// exists for diagnostics only.
	SilentPackets uint64

	StartedAt time.Time
	LastAudio time.Time
}

// speakerStream pulls decoded frames for one speaker, normalizes them to the
// transcription format, and forwards them to the shared channel. It tears
// itself down after a configurable stretch of total inactivity.
type speakerStream struct {
	userID   string
	username string

	forward    func(chunk []byte)
	onIdle     func(userID string)
	inactivity time.Duration

	conv audio.FormatConverter

	mu    sync.Mutex
	stats StreamStats
	idle  *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// newSpeakerStream creates a stream and starts its pump goroutine over in.
// forward receives normalized PCM chunks; onIdle fires once if no audio
// arrives for the inactivity window.
func newSpeakerStream(userID, username string, in <-chan audio.AudioFrame, inactivity time.Duration, forward func([]byte), onIdle func(string)) *speakerStream {
	if inactivity <= 0 {
		inactivity = defaultInactivityTimeout
	}
	s := &speakerStream{
		userID:     userID,
		username:   username,
		forward:    forward,
		onIdle:     onIdle,
		inactivity: inactivity,
		done:       make(chan struct{}),
		conv: audio.FormatConverter{Target: audio.TranscribeFormat},
		stats: StreamStats{
			UserID:    userID,
			Username:  username,
			StartedAt: time.Now(),
		},
	}
	s.idle = time.AfterFunc(inactivity, func() {
		slog.Info("speaker stream idle, closing",
			"user_id", s.userID, "inactivity", s.inactivity)
		if s.onIdle != nil {
			s.onIdle(s.userID)
		}
	})
	go s.pump(in)
	return s
}

// pump is the stream goroutine. It exits when the input channel closes or
// the stream is stopped.
func (s *speakerStream) pump(in <-chan audio.AudioFrame) {
	for {
		select {
		case <-s.done:
			go audio.Drain(in)
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			s.handle(frame)
		}
	}
}

// handle normalizes and forwards a single frame, updating counters.
func (s *speakerStream) handle(frame audio.AudioFrame) {
	s.mu.Lock()
	if len(frame.Data) == 0 {
		// Empty packets mark speech gaps on some platforms. They carry no
		// samples and must never reach the service.
		s.stats.EmptyPackets++
		s.mu.Unlock()
		return
	}
	if audio.IsSilence(frame.Data) {
		s.stats.SilentPackets++
	}
	s.stats.LastAudio = time.Now()
	s.idle.Reset(s.inactivity)
	s.mu.Unlock()

	out := s.conv.Convert(frame)
	if len(out.Data) == 0 {
		// Conversion rejected the frame (odd byte count).
		return
	}

	s.mu.Lock()
	s.stats.PacketsForwarded++
	s.stats.BytesForwarded += uint64(len(out.Data))
	s.mu.Unlock()

	s.forward(out.Data)
}

// Stats returns a snapshot of the stream counters.
func (s *speakerStream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// stop terminates the pump goroutine and the idle timer. Idempotent.
func (s *speakerStream) stop() {
	s.stopOnce.Do(func() {
		s.idle.Stop()
		close(s.done)
	})
}

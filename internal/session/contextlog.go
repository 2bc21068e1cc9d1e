// Package session wires one voice channel attachment into the full
// listen → transcribe → reply → speak pipeline.
//
// A [Controller] owns the platform connection, the per-speaker input
// streams, the shared transcription channel, the utterance assembler, and
// the reply cycle. At most one reply cycle runs at a time; utterances that
// finalize while a cycle is in flight are discarded, not queued.
package session

import (
	"sync"

	"github.com/voxlane/voxlane/pkg/provider/llm"
)

// defaultMaxContextEntries bounds the conversation log when the config
// leaves it unset.
const defaultMaxContextEntries = 20

// ContextLog is a bounded, ordered conversation history shared by all
// speakers of a session. When the bound is exceeded the oldest entries are
// evicted first. Safe for concurrent use.
type ContextLog struct {
	mu      sync.Mutex
	max     int
	entries []llm.Message
}

// NewContextLog creates a log bounded to max entries. Non-positive max uses
// the default of 20.
func NewContextLog(max int) *ContextLog {
	if max <= 0 {
		max = defaultMaxContextEntries
	}
	return &ContextLog{max: max}
}

// Append adds msg to the log, evicting the oldest entry if the bound is
// exceeded.
func (l *ContextLog) Append(msg llm.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

// Messages returns a copy of the current log, oldest first.
func (l *ContextLog) Messages() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries currently held.
func (l *ContextLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear discards all entries.
func (l *ContextLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// SetMax adjusts the bound at runtime (config hot-reload). Excess oldest
// entries are evicted immediately.
func (l *ContextLog) SetMax(max int) {
	if max <= 0 {
		max = defaultMaxContextEntries
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

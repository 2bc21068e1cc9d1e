// Package assemble turns incremental transcript fragments into complete
// utterances.
//
// The recognition service streams growing hypotheses of the same audio
// (interim results) before committing a final for it. An [Assembler] keeps
// the two apart: finals are appended to the committed utterance text, while
// each interim replaces the previous one, so re-sent hypotheses never
// duplicate words. A debounced finalization timer is (re)armed whenever new
// text arrives and either the fragment is a final or the buffered text has
// grown past a length threshold; when the timer fires with no further text
// having arrived, the utterance is drained atomically and handed to the emit
// callback. Empty and whitespace-only utterances are never forwarded.
package assemble

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// defaultHold is how long the assembler waits after the last qualifying
	// fragment before declaring the utterance complete.
	defaultHold = 1000 * time.Millisecond

	// defaultLengthThreshold lets long, slowly-finalizing utterances arm the
	// timer even when the service has not marked any fragment final yet.
	defaultLengthThreshold = 100
)

// Config tunes the finalization policy of an [Assembler]. The zero value
// uses the defaults above.
type Config struct {
	// Hold is the silence window observed after the last qualifying
	// fragment before finalization.
	Hold time.Duration

	// LengthThreshold is the buffered text size (in bytes, committed plus
	// interim) beyond which interim fragments also arm the finalization
	// timer.
	LengthThreshold int
}

// Assembler buffers transcript fragments for one session and emits one
// completed utterance at a time.
//
// All methods are safe for concurrent use. The emit callback runs on a timer
// goroutine; it must not call back into the Assembler synchronously.
type Assembler struct {
	hold      time.Duration
	threshold int
	emit      func(text string)

	mu         sync.Mutex
	committed  strings.Builder
	interim    string
	lastUpdate time.Time
	closed     bool

	deb Debounce
}

// New creates an Assembler that calls emit with each completed utterance.
func New(cfg Config, emit func(text string)) *Assembler {
	if cfg.Hold <= 0 {
		cfg.Hold = defaultHold
	}
	if cfg.LengthThreshold <= 0 {
		cfg.LengthThreshold = defaultLengthThreshold
	}
	return &Assembler{
		hold:      cfg.Hold,
		threshold: cfg.LengthThreshold,
		emit:      emit,
	}
}

// Ingest records a transcript fragment. Finals are space-joined onto the
// committed utterance and clear the outstanding interim; an interim replaces
// the previous interim, since the service re-sends the whole hypothesis each
// time. The finalization timer is (re)armed when the fragment carries text
// and either isFinal is set or the buffered text has exceeded the length
// threshold; arming always cancels any previously pending finalization
// first.
func (a *Assembler) Ingest(text string, isFinal bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if isFinal {
		if a.committed.Len() > 0 {
			a.committed.WriteByte(' ')
		}
		a.committed.WriteString(trimmed)
		a.interim = ""
	} else {
		a.interim = trimmed
	}
	a.lastUpdate = time.Now()
	arm := isFinal || a.committed.Len()+len(a.interim) > a.threshold
	a.mu.Unlock()

	if arm {
		a.deb.Arm(a.hold, a.finalize)
	}
}

// LastUpdate returns when text last arrived. The zero time means no text has
// arrived since the last drain.
func (a *Assembler) LastUpdate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdate
}

// Pending reports whether text is buffered for the current utterance.
func (a *Assembler) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.Len() > 0 || a.interim != ""
}

// Reset discards the utterance-in-progress and cancels any pending
// finalization.
func (a *Assembler) Reset() {
	a.deb.Cancel()
	a.mu.Lock()
	a.committed.Reset()
	a.interim = ""
	a.lastUpdate = time.Time{}
	a.mu.Unlock()
}

// Close cancels the finalization timer and makes all further Ingest calls
// no-ops. Safe to call more than once.
func (a *Assembler) Close() {
	a.mu.Lock()
	a.closed = true
	a.committed.Reset()
	a.interim = ""
	a.mu.Unlock()
	a.deb.Cancel()
}

// finalize drains the utterance and forwards it. An interim still
// outstanding at this point is the service's best hypothesis for audio it
// never finalized, so it rides along after the committed text.
func (a *Assembler) finalize() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	text := a.committed.String()
	if a.interim != "" {
		if text != "" {
			text += " "
		}
		text += a.interim
	}
	text = strings.TrimSpace(text)
	a.committed.Reset()
	a.interim = ""
	a.lastUpdate = time.Time{}
	a.mu.Unlock()

	if text == "" {
		return
	}

	slog.Debug("assemble: utterance finalized", "chars", len(text))
	a.emit(text)
}

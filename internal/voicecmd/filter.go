// Package voicecmd implements spoken-command detection on finalized
// utterances. A small set of control phrases ("clear the context", "stop
// listening", …), optionally prefixed by a wake phrase, is matched fuzzily
// with Jaro-Winkler similarity so minor transcription errors ("clear the
// contacts") still trigger the intended command.
//
// Matched utterances are intercepted before they reach reply generation.
package voicecmd

import (
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
)

// Action identifies the session operation a matched command maps to.
type Action int

const (
	// ActionNone means the utterance matched no command.
	ActionNone Action = iota

	// ActionClearContext empties the conversation context log.
	ActionClearContext

	// ActionStopListening closes all speaker streams.
	ActionStopListening

	// ActionLeave detaches the session from the voice channel.
	ActionLeave
)

// String returns the lowercase name of the action.
func (a Action) String() string {
	switch a {
	case ActionClearContext:
		return "clear_context"
	case ActionStopListening:
		return "stop_listening"
	case ActionLeave:
		return "leave"
	default:
		return "none"
	}
}

// defaultThreshold is the minimum Jaro-Winkler similarity for a phrase to
// count as a match. Tuned against common STT confusions; below ~0.9 "clear
// the context" starts colliding with ordinary speech.
const defaultThreshold = 0.90

// command pairs the canonical phrasings of one command with its action.
type command struct {
	action  Action
	phrases []string
}

// defaultCommands returns the built-in control phrases.
func defaultCommands() []command {
	return []command{
		{
			action:  ActionClearContext,
			phrases: []string{"clear the context", "clear context", "forget everything"},
		},
		{
			action:  ActionStopListening,
			phrases: []string{"stop listening", "stop the session"},
		},
		{
			action:  ActionLeave,
			phrases: []string{"leave the channel", "goodbye"},
		},
	}
}

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithThreshold sets the minimum Jaro-Winkler similarity. Default: 0.90.
func WithThreshold(threshold float64) Option {
	return func(f *Filter) {
		f.threshold = threshold
	}
}

// Filter checks finalized utterances against the command phrases.
//
// Filter is read-only after construction and safe for concurrent use.
type Filter struct {
	wake      string
	threshold float64
	commands  []command
}

// New creates a Filter. wakePhrase is the spoken prefix that must precede a
// command (e.g., "hey voxlane"); when empty, bare command phrases match.
func New(wakePhrase string, opts ...Option) *Filter {
	f := &Filter{
		wake:      strings.ToLower(strings.TrimSpace(wakePhrase)),
		threshold: defaultThreshold,
		commands:  defaultCommands(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Match reports the command action for text. Returns (ActionNone, false)
// when the utterance is ordinary speech that should proceed to reply
// generation.
func (f *Filter) Match(text string) (Action, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return ActionNone, false
	}

	rest, ok := f.stripWake(normalized)
	if !ok {
		return ActionNone, false
	}

	for _, cmd := range f.commands {
		for _, phrase := range cmd.phrases {
			score := matchr.JaroWinkler(rest, phrase, true)
			if score >= f.threshold {
				slog.Debug("voicecmd: command matched",
					"action", cmd.action.String(),
					"phrase", phrase,
					"score", score,
				)
				return cmd.action, true
			}
		}
	}
	return ActionNone, false
}

// stripWake removes the wake phrase prefix from normalized text. The wake
// phrase itself is matched fuzzily word-by-word so "hey vox lane" still
// passes. When no wake phrase is configured, the text passes through
// unchanged.
func (f *Filter) stripWake(text string) (string, bool) {
	if f.wake == "" {
		return text, true
	}

	wakeWords := strings.Fields(f.wake)
	words := strings.Fields(text)
	if len(words) <= len(wakeWords) {
		return "", false
	}

	prefix := strings.Join(words[:len(wakeWords)], " ")
	if matchr.JaroWinkler(prefix, f.wake, true) < f.threshold {
		return "", false
	}
	return strings.Join(words[len(wakeWords):], " "), true
}

// normalize lowercases text and strips punctuation the transcription
// service tends to add.
func normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			return -1
		}
		return r
	}, lower)
}

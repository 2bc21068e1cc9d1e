package audio

import (
	"context"
	"errors"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string
}

// Participant identifies one member of a voice channel.
type Participant struct {
	UserID   string
	Username string

	// Bot marks automated accounts; auto-listen skips these.
	Bot bool
}

// ErrNoRoster is returned by [Connection.Participants] when the platform
// cannot enumerate channel membership. Callers that want auto-listen must
// branch on this instead of assuming an empty channel.
var ErrNoRoster = errors.New("audio: platform does not expose channel membership")

// Connection represents an active attachment to a voice channel.
//
// A Connection is obtained from [Platform.Connect] and remains valid until
// [Connection.Disconnect] is called. All channels returned by Connection
// methods are closed when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-speaker audio
	// channels. The map key is the platform participant ID; the value is a
	// read-only channel delivering decoded [AudioFrame] values in receipt
	// order. Callers should call InputStreams again after an [EventJoin] to
	// pick up new speakers.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the single write-only playback channel. Frames
	// written here are converted to the platform format, encoded, and played.
	// Ownership: the caller owns the channel; the platform never closes it.
	// Writes after Disconnect result in dropped frames, not a panic.
	OutputStream() chan<- AudioFrame

	// Participants enumerates the current non-self members of the channel.
	// Platforms without a membership view return [ErrNoRoster]; auto-listen
	// then degrades to opening streams as audio is first heard.
	Participants() ([]Participant, error)

	// OnParticipantChange registers cb for join/leave events. Only one
	// callback may be registered at a time; later calls replace it. The
	// callback runs on an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears down the connection and closes all input channels.
	// Safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider. Implementations
// wrap provider-specific SDKs and expose a uniform [Connection].
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. The supplied
	// ctx governs the connection attempt only; once connected, the
	// Connection lives until [Connection.Disconnect].
	Connect(ctx context.Context, channelID string) (Connection, error)
}

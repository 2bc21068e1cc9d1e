package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/session"
	"github.com/voxlane/voxlane/internal/transcribe"
	"github.com/voxlane/voxlane/internal/voicecmd"
	"github.com/voxlane/voxlane/pkg/audio"
	"github.com/voxlane/voxlane/pkg/provider/llm"
	"github.com/voxlane/voxlane/pkg/provider/tts"
)

// ErrNoActiveSession is returned by operations that require a running session.
var ErrNoActiveSession = errors.New("app: no active session")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID uniquely identifies this session.
	SessionID string

	// ChannelID is the voice channel the session is attached to.
	ChannelID string

	// StartedAt is when the session started.
	StartedAt time.Time

	// StartedBy is the platform user ID that started the session.
	StartedBy string
}

// SessionManager owns the lifecycle of the single active voice session. At
// most one session runs at a time. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   bool
	info     SessionInfo
	ctrl     *session.Controller
	pipeline config.PipelineConfig

	platform   audio.Platform
	transcribe config.ProviderEntry
	llm        llm.Provider
	tts        tts.Provider

	// newChannel builds the transcription channel for a session. Injectable
	// for network-free tests; defaults to transcribe.New.
	newChannel func(transcribe.Config) (session.Transcriber, error)
}

// SessionManagerConfig holds the dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform audio.Platform
	Config   *config.Config
	LLM      llm.Provider
	TTS      tts.Provider
}

// NewSessionManager creates a SessionManager. No session is started.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		platform:   cfg.Platform,
		pipeline:   cfg.Config.Pipeline,
		transcribe: cfg.Config.Providers.Transcribe,
		llm:        cfg.LLM,
		tts:        cfg.TTS,
	}
	sm.newChannel = func(tc transcribe.Config) (session.Transcriber, error) {
		return transcribe.New(tc)
	}
	return sm
}

// Start attaches a new session to the given voice channel. Returns an error
// if a session is already active or any pipeline stage fails to come up.
func (sm *SessionManager) Start(ctx context.Context, channelID, startedBy string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("app: session %s is already active", sm.info.SessionID)
	}

	ch, err := sm.newChannel(sm.channelConfig())
	if err != nil {
		return fmt.Errorf("app: build transcription channel: %w", err)
	}

	ctrl, err := session.New(session.Deps{
		Platform: sm.platform,
		Channel:  ch,
		LLM:      sm.llm,
		TTS:      sm.tts,
		Filter:   voicecmd.New(sm.pipeline.WakePhrase),
	}, session.Config{
		ChannelID:         channelID,
		SystemPrompt:      sm.pipeline.SystemPrompt,
		FallbackReply:     sm.pipeline.FallbackReply,
		FinalizeHold:      sm.pipeline.FinalizeHold,
		LengthThreshold:   sm.pipeline.LengthThreshold,
		MaxContextEntries: sm.pipeline.MaxContextEntries,
		InactivityTimeout: sm.pipeline.InactivityTimeout,
		AutoListen:        true,
		OnDetach:          sm.sessionEnded,
	})
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}

	if err := ctrl.Attach(ctx); err != nil {
		return err
	}

	sm.active = true
	sm.ctrl = ctrl
	sm.info = SessionInfo{
		SessionID: uuid.NewString(),
		ChannelID: channelID,
		StartedAt: time.Now().UTC(),
		StartedBy: startedBy,
	}

	slog.Info("session started",
		"session_id", sm.info.SessionID,
		"channel_id", channelID,
		"started_by", startedBy,
	)
	return nil
}

// channelConfig maps the provider entry and pipeline tuning onto the
// transcription channel configuration. Reconnect and endpointing settings are
// fixed at channel open; later config reloads affect the next session only.
func (sm *SessionManager) channelConfig() transcribe.Config {
	return transcribe.Config{
		APIKey:        sm.transcribe.APIKey,
		Endpoint:      sm.transcribe.BaseURL,
		Model:         sm.transcribe.Model,
		EndpointingMs: int(sm.pipeline.Endpointing.Milliseconds()),
		BackoffBase:   sm.pipeline.ReconnectBackoff,
		MaxReconnects: sm.pipeline.MaxReconnects,
	}
}

// Stop detaches the active session. Returns [ErrNoActiveSession] when no
// session is running.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoActiveSession
	}
	ctrl := sm.ctrl
	sessionID := sm.info.SessionID
	sm.active = false
	sm.ctrl = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	// Detach runs unlocked: it invokes the controller's OnDetach hook, which
	// takes the manager lock.
	if err := ctrl.Detach(); err != nil {
		return fmt.Errorf("app: stop session %s: %w", sessionID, err)
	}
	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// sessionEnded clears the active-session state after the controller detaches
// on its own, e.g. through a spoken leave command, so /voice join works again
// without an operator /voice leave. Stop-driven detaches find the state
// already cleared and fall through; so does a stale hook firing after a new
// session has started.
func (sm *SessionManager) sessionEnded() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active || sm.ctrl == nil || sm.ctrl.Attached() {
		return
	}
	slog.Info("session ended from within", "session_id", sm.info.SessionID)
	sm.active = false
	sm.ctrl = nil
	sm.info = SessionInfo{}
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session, or the zero value when no
// session is running.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Say synthesizes text and speaks it on the active session's voice channel.
func (sm *SessionManager) Say(ctx context.Context, text string) error {
	ctrl, err := sm.controller()
	if err != nil {
		return err
	}
	return ctrl.Speak(ctx, text)
}

// Listen starts monitoring one speaker on the active session.
func (sm *SessionManager) Listen(userID, username string) error {
	ctrl, err := sm.controller()
	if err != nil {
		return err
	}
	return ctrl.StartListening(userID, username)
}

// ListenAll monitors every current non-bot participant. The roster error from
// platforms that cannot enumerate membership passes through.
func (sm *SessionManager) ListenAll() error {
	ctrl, err := sm.controller()
	if err != nil {
		return err
	}
	return ctrl.StartListeningAll()
}

// ClearContext empties the active session's conversation log.
func (sm *SessionManager) ClearContext() error {
	ctrl, err := sm.controller()
	if err != nil {
		return err
	}
	ctrl.ClearContext()
	return nil
}

// Stats returns the speaker-stream counters of the active session. Empty when
// no session is running.
func (sm *SessionManager) Stats() []session.StreamStats {
	ctrl, err := sm.controller()
	if err != nil {
		return nil
	}
	return ctrl.Stats()
}

// ApplyPipeline installs reloaded pipeline tuning. Most settings take effect
// when the next session starts; the conversation log bound is adjusted on the
// live session immediately.
func (sm *SessionManager) ApplyPipeline(changes config.PipelineDiff, p config.PipelineConfig) {
	sm.mu.Lock()
	sm.pipeline = p
	ctrl := sm.ctrl
	sm.mu.Unlock()

	if ctrl != nil && changes.MaxContextEntriesChanged {
		ctrl.SetMaxContext(p.MaxContextEntries)
		slog.Info("applied context bound to live session", "max_context_entries", p.MaxContextEntries)
	}
	slog.Info("pipeline settings reloaded; remaining changes apply to the next session")
}

// controller returns the active controller or [ErrNoActiveSession].
func (sm *SessionManager) controller() (*session.Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active || sm.ctrl == nil {
		return nil, ErrNoActiveSession
	}
	return sm.ctrl, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/internal/assemble"
	"github.com/voxlane/voxlane/internal/observe"
	"github.com/voxlane/voxlane/internal/transcribe"
	"github.com/voxlane/voxlane/internal/voicecmd"
	"github.com/voxlane/voxlane/pkg/audio"
	"github.com/voxlane/voxlane/pkg/provider/llm"
	"github.com/voxlane/voxlane/pkg/provider/tts"
)

const (
	// streamSyncInterval is how often the controller resolves monitored
	// speakers against the platform's input-stream snapshot. Some platforms
	// only materialize a speaker's stream once the first audio arrives.
	streamSyncInterval = 250 * time.Millisecond

	// playbackFrameDuration is the chunk size for handing synthesized PCM to
	// the platform output stream.
	playbackFrameDuration = 20 * time.Millisecond

	// defaultFallbackReply is spoken when reply generation fails.
	defaultFallbackReply = "Sorry, I didn't catch that."
)

// ErrNotAttached is returned by operations that require an active voice
// channel attachment.
var ErrNotAttached = errors.New("session: not attached to a voice channel")

// ErrAlreadyAttached is returned by Attach when the controller already holds
// a connection.
var ErrAlreadyAttached = errors.New("session: already attached")

// Transcriber is the slice of the transcription channel the controller
// needs. *transcribe.Channel satisfies it.
type Transcriber interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(chunk []byte)
	Events() <-chan transcribe.Event
}

// Config tunes one session.
type Config struct {
	// ChannelID is the platform voice channel to attach to.
	ChannelID string

	// SystemPrompt is prepended to every completion request.
	SystemPrompt string

	// FallbackReply is spoken when reply generation fails.
	FallbackReply string

	// FinalizeHold and LengthThreshold tune the utterance assembler.
	FinalizeHold    time.Duration
	LengthThreshold int

	// MaxContextEntries bounds the conversation log.
	MaxContextEntries int

	// InactivityTimeout closes speaker streams with no audio.
	InactivityTimeout time.Duration

	// AutoListen opens a stream for every non-bot participant on attach and
	// for every later join.
	AutoListen bool

	// OnDetach, when set, runs once after the session has fully detached —
	// whether through Detach or a spoken leave command — so the owner can
	// release its bookkeeping for this controller.
	OnDetach func()
}

// Deps are the collaborators a [Controller] is built from. Platform, Channel,
// LLM, and TTS are required; Filter and Metrics are optional.
type Deps struct {
	Platform audio.Platform
	Channel  Transcriber
	LLM      llm.Provider
	TTS      tts.Provider
	Filter   *voicecmd.Filter
	Metrics  *observe.Metrics
}

// Controller drives the pipeline for one voice channel. All exported methods
// are safe for concurrent use.
type Controller struct {
	cfg     Deps
	conf    Config
	metrics *observe.Metrics
	log     *slog.Logger

	ctxLog *ContextLog
	asm    *assemble.Assembler

	mu        sync.Mutex
	conn      audio.Connection
	streams   map[string]*speakerStream
	monitored map[string]string // userID → username
	attached  bool

	// processing gates the reply cycle: at most one in flight, extras are
	// discarded.
	processing atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Controller. It does not touch the network; call [Attach].
func New(deps Deps, conf Config) (*Controller, error) {
	switch {
	case deps.Platform == nil:
		return nil, errors.New("session: Platform is required")
	case deps.Channel == nil:
		return nil, errors.New("session: Channel is required")
	case deps.LLM == nil:
		return nil, errors.New("session: LLM provider is required")
	case deps.TTS == nil:
		return nil, errors.New("session: TTS provider is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if conf.FallbackReply == "" {
		conf.FallbackReply = defaultFallbackReply
	}

	c := &Controller{
		cfg:       deps,
		conf:      conf,
		metrics:   deps.Metrics,
		log:       slog.With("channel_id", conf.ChannelID),
		ctxLog:    NewContextLog(conf.MaxContextEntries),
		streams:   make(map[string]*speakerStream),
		monitored: make(map[string]string),
		done:      make(chan struct{}),
	}
	c.asm = assemble.New(assemble.Config{
		Hold:            conf.FinalizeHold,
		LengthThreshold: conf.LengthThreshold,
	}, func(text string) {
		// The assembler fires on a timer goroutine; the reply cycle makes
		// network calls, so it runs detached.
		go c.handleUtterance(text)
	})
	return c, nil
}

// Attach joins the voice channel and opens the transcription channel. On
// success the controller pumps recognition events until [Detach].
func (c *Controller) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return ErrAlreadyAttached
	}
	c.mu.Unlock()

	conn, err := c.cfg.Platform.Connect(ctx, c.conf.ChannelID)
	if err != nil {
		return fmt.Errorf("session: connect voice channel: %w", err)
	}
	if err := c.cfg.Channel.Connect(ctx); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("session: open transcription channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attached = true
	c.mu.Unlock()

	conn.OnParticipantChange(c.onParticipantChange)

	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.log.Info("session attached")

	c.wg.Add(2)
	go c.eventLoop()
	go c.syncLoop()

	if c.conf.AutoListen {
		if err := c.StartListeningAll(); err != nil {
			c.log.Warn("auto-listen roster unavailable, degrading to join events", "err", err)
		}
	}
	return nil
}

// Detach stops all streams, closes the transcription channel, and leaves the
// voice channel. Safe to call more than once. A detached controller cannot
// be re-attached; create a new one instead.
func (c *Controller) Detach() error {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil
	}
	c.attached = false
	conn := c.conn
	c.conn = nil
	streams := c.streams
	c.streams = make(map[string]*speakerStream)
	c.monitored = make(map[string]string)
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.done) })

	for _, s := range streams {
		s.stop()
		c.metrics.ActiveStreams.Add(context.Background(), -1)
	}
	c.asm.Close()

	var errs []error
	if err := c.cfg.Channel.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if err := conn.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	c.wg.Wait()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.log.Info("session detached")

	if c.conf.OnDetach != nil {
		c.conf.OnDetach()
	}
	return errors.Join(errs...)
}

// StartListening begins monitoring the given participant. The stream opens
// immediately if the platform already exposes their audio, otherwise as soon
// as their first packet arrives. Idempotent.
func (c *Controller) StartListening(userID, username string) error {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return ErrNotAttached
	}
	c.monitored[userID] = username
	c.mu.Unlock()

	c.syncStreams()
	return nil
}

// StartListeningAll monitors every current non-bot participant. When the
// platform cannot enumerate membership it returns the roster error; streams
// then open via join events and first-audio detection instead.
func (c *Controller) StartListeningAll() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}

	parts, err := conn.Participants()
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.Bot {
			continue
		}
		if err := c.StartListening(p.UserID, p.Username); err != nil {
			return err
		}
	}
	return nil
}

// StopListening closes the participant's stream and stops monitoring them.
func (c *Controller) StopListening(userID string) {
	c.mu.Lock()
	delete(c.monitored, userID)
	s, ok := c.streams[userID]
	delete(c.streams, userID)
	c.mu.Unlock()

	if ok {
		s.stop()
		c.metrics.ActiveStreams.Add(context.Background(), -1)
		c.log.Info("stopped listening", "user_id", userID)
	}
}

// StopAll closes every open stream and clears the monitored set.
func (c *Controller) StopAll() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*speakerStream)
	c.monitored = make(map[string]string)
	c.mu.Unlock()

	for id, s := range streams {
		s.stop()
		c.metrics.ActiveStreams.Add(context.Background(), -1)
		c.log.Info("stopped listening", "user_id", id)
	}
}

// SetMaxContext adjusts the conversation log bound of a live session. Excess
// entries are evicted oldest-first immediately.
func (c *Controller) SetMaxContext(n int) {
	c.ctxLog.SetMax(n)
}

// ClearContext empties the shared conversation log.
func (c *Controller) ClearContext() {
	c.ctxLog.Clear()
	c.log.Info("conversation context cleared")
}

// Stats returns a snapshot of all open speaker streams, ordered by user ID.
func (c *Controller) Stats() []StreamStats {
	c.mu.Lock()
	out := make([]StreamStats, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s.Stats())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Speak synthesizes text and plays it on the voice channel. Empty text is a
// no-op. Used by the reply cycle and by the /voice say command.
func (c *Controller) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}

	start := time.Now()
	pcm, err := c.cfg.TTS.Synthesize(ctx, text)
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return fmt.Errorf("session: synthesize: %w", err)
	}
	c.playback(conn, pcm, c.cfg.TTS.Format())
	return nil
}

// playback chunks pcm into playback-sized frames and writes them to the
// connection output stream. The platform converts to its native format.
func (c *Controller) playback(conn audio.Connection, pcm []byte, format audio.Format) {
	out := conn.OutputStream()
	frameBytes := format.SampleRate * format.Channels * 2 * int(playbackFrameDuration.Milliseconds()) / 1000
	if frameBytes <= 0 {
		return
	}
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[off:end],
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}
		select {
		case out <- frame:
		case <-c.done:
			return
		}
	}
}

// eventLoop consumes recognition events until the channel closes or the
// session detaches.
func (c *Controller) eventLoop() {
	defer c.wg.Done()
	events := c.cfg.Channel.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// handleEvent routes one recognition event.
func (c *Controller) handleEvent(ev transcribe.Event) {
	switch ev.Type {
	case transcribe.EventTranscript:
		c.asm.Ingest(ev.Text, ev.IsFinal)
	case transcribe.EventUtteranceEnd:
		// Advisory only; the assembler's own hold timer stays canonical.
		c.log.Debug("service utterance end")
	case transcribe.EventSpeechStarted:
		c.log.Debug("service speech started")
	case transcribe.EventFatal:
		c.log.Error("transcription channel failed", "err", ev.Err)
	}
}

// syncLoop periodically resolves monitored speakers against the platform's
// input-stream snapshot, opening streams as they materialize.
func (c *Controller) syncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(streamSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.syncStreams()
		}
	}
}

// syncStreams opens a speaker stream for every monitored participant whose
// input channel the platform currently exposes.
func (c *Controller) syncStreams() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	inputs := conn.InputStreams()

	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, username := range c.monitored {
		if _, open := c.streams[userID]; open {
			continue
		}
		in, ok := inputs[userID]
		if !ok {
			continue
		}
		c.streams[userID] = newSpeakerStream(
			userID, username, in,
			c.conf.InactivityTimeout,
			c.cfg.Channel.Send,
			c.onStreamIdle,
		)
		c.metrics.ActiveStreams.Add(context.Background(), 1)
		c.log.Info("listening to speaker", "user_id", userID, "username", username)
	}
}

// onStreamIdle runs on the stream's idle timer goroutine.
func (c *Controller) onStreamIdle(userID string) {
	c.StopListening(userID)
}

// onParticipantChange reacts to join/leave events from the platform.
func (c *Controller) onParticipantChange(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		if c.conf.AutoListen {
			if err := c.StartListening(ev.UserID, ev.Username); err != nil {
				c.log.Warn("auto-listen on join failed", "user_id", ev.UserID, "err", err)
			}
		}
	case audio.EventLeave:
		c.StopListening(ev.UserID)
	}
}

// handleUtterance runs once per finalized utterance: voice-command check
// first, then the reply cycle.
func (c *Controller) handleUtterance(text string) {
	ctx := context.Background()

	if c.cfg.Filter != nil {
		if action, ok := c.cfg.Filter.Match(text); ok {
			c.metrics.RecordUtterance(ctx, "command")
			c.runCommand(action)
			return
		}
	}

	// At most one reply cycle in flight; late utterances are discarded so a
	// stale reply never queues behind the current one.
	if !c.processing.CompareAndSwap(false, true) {
		c.metrics.RecordUtterance(ctx, "dropped")
		c.log.Info("utterance discarded, reply cycle in flight", "text_len", len(text))
		return
	}
	defer c.processing.Store(false)

	c.metrics.RecordUtterance(ctx, "processed")
	c.replyCycle(ctx, text)
}

// runCommand executes a matched voice command.
func (c *Controller) runCommand(action voicecmd.Action) {
	c.log.Info("voice command", "action", action.String())
	switch action {
	case voicecmd.ActionClearContext:
		c.ClearContext()
	case voicecmd.ActionStopListening:
		c.StopAll()
	case voicecmd.ActionLeave:
		if err := c.Detach(); err != nil {
			c.log.Warn("detach after voice command failed", "err", err)
		}
	}
}

// replyCycle generates and speaks one reply. LLM failures fall back to a
// fixed apology; the failed exchange is kept out of the context log.
func (c *Controller) replyCycle(ctx context.Context, text string) {
	cycleStart := time.Now()
	defer func() {
		c.metrics.ReplyCycleDuration.Record(ctx, time.Since(cycleStart).Seconds())
	}()

	userMsg := llm.Message{Role: "user", Content: text}
	req := llm.CompletionRequest{
		Messages:     append(c.ctxLog.Messages(), userMsg),
		SystemPrompt: c.conf.SystemPrompt,
	}

	llmStart := time.Now()
	resp, err := c.cfg.LLM.Complete(ctx, req)
	c.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())

	reply := c.conf.FallbackReply
	if err != nil {
		c.metrics.RecordProviderError(ctx, "llm", "complete")
		c.log.Error("reply generation failed", "err", err)
	} else {
		reply = resp.Content
		c.ctxLog.Append(userMsg)
		c.ctxLog.Append(llm.Message{Role: "assistant", Content: reply})
	}

	if err := c.Speak(ctx, reply); err != nil {
		c.log.Error("playback failed", "err", err)
	}
}

// Attached reports whether the controller currently holds a voice connection.
func (c *Controller) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// ChannelID returns the configured voice channel identifier.
func (c *Controller) ChannelID() string { return c.conf.ChannelID }

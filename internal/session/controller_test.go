package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlane/voxlane/internal/transcribe"
	"github.com/voxlane/voxlane/internal/voicecmd"
	"github.com/voxlane/voxlane/pkg/audio"
	"github.com/voxlane/voxlane/pkg/provider/llm"
	llmmock "github.com/voxlane/voxlane/pkg/provider/llm/mock"
	ttsmock "github.com/voxlane/voxlane/pkg/provider/tts/mock"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// fakeConn implements audio.Connection for tests.
type fakeConn struct {
	mu        sync.Mutex
	inputs    map[string]chan audio.AudioFrame
	out       chan audio.AudioFrame
	parts     []audio.Participant
	rosterErr error
	cb        func(audio.Event)
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inputs: make(map[string]chan audio.AudioFrame),
		out:    make(chan audio.AudioFrame, 128),
	}
}

func (f *fakeConn) addSpeaker(userID string) chan audio.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan audio.AudioFrame, 16)
	f.inputs[userID] = ch
	return ch
}

func (f *fakeConn) InputStreams() map[string]<-chan audio.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]<-chan audio.AudioFrame, len(f.inputs))
	for id, ch := range f.inputs {
		out[id] = ch
	}
	return out
}

func (f *fakeConn) OutputStream() chan<- audio.AudioFrame { return f.out }

func (f *fakeConn) Participants() ([]audio.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.parts, nil
}

func (f *fakeConn) OnParticipantChange(cb func(audio.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeConn) fireEvent(ev audio.Event) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakePlatform implements audio.Platform.
type fakePlatform struct {
	conn *fakeConn
	err  error
}

func (f *fakePlatform) Connect(_ context.Context, _ string) (audio.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// fakeTranscriber implements Transcriber with scriptable events.
type fakeTranscriber struct {
	mu        sync.Mutex
	events    chan transcribe.Event
	sent      [][]byte
	connected bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan transcribe.Event, 16)}
}

func (f *fakeTranscriber) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTranscriber) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTranscriber) Send(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
}

func (f *fakeTranscriber) Events() <-chan transcribe.Event { return f.events }

func (f *fakeTranscriber) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testController builds an attached controller over the given fakes.
func testController(t *testing.T, conn *fakeConn, tr *fakeTranscriber, gen *llmmock.Provider, synth *ttsmock.Provider, conf Config) *Controller {
	t.Helper()
	if conf.FinalizeHold == 0 {
		conf.FinalizeHold = 20 * time.Millisecond
	}
	c, err := New(Deps{
		Platform: &fakePlatform{conn: conn},
		Channel:  tr,
		LLM:      gen,
		TTS:      synth,
	}, conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })
	return c
}

// ── construction and lifecycle ───────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("expected error for missing Platform")
	}
	_, err = New(Deps{Platform: &fakePlatform{conn: newFakeConn()}}, Config{})
	if err == nil {
		t.Fatal("expected error for missing Channel")
	}
}

func TestAttachDetach(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{ChannelID: "vc-1"})

	if !c.Attached() {
		t.Error("Attached() = false after Attach")
	}
	if err := c.Attach(context.Background()); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach err = %v, want ErrAlreadyAttached", err)
	}

	if err := c.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if c.Attached() {
		t.Error("Attached() = true after Detach")
	}
	// Second detach is a no-op.
	if err := c.Detach(); err != nil {
		t.Errorf("second Detach: %v", err)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("voice connection was not disconnected")
	}
}

func TestSpeak_NotAttached(t *testing.T) {
	t.Parallel()
	c, err := New(Deps{
		Platform: &fakePlatform{conn: newFakeConn()},
		Channel:  newFakeTranscriber(),
		LLM:      &llmmock.Provider{},
		TTS:      &ttsmock.Provider{},
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Speak(context.Background(), "hello"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Speak err = %v, want ErrNotAttached", err)
	}
}

// ── listening ────────────────────────────────────────────────────────────────

func TestStartListening_OpensStreamAndForwards(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	in := conn.addSpeaker("u1")
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{})

	if err := c.StartListening("u1", "alice"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	in <- pcmFrame(2000, 960, 48000, 2)

	waitFor(t, time.Second, func() bool { return tr.sentCount() == 1 })

	stats := c.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats len = %d, want 1", len(stats))
	}
	if stats[0].Username != "alice" {
		t.Errorf("username = %q, want alice", stats[0].Username)
	}
	if stats[0].PacketsForwarded != 1 {
		t.Errorf("PacketsForwarded = %d, want 1", stats[0].PacketsForwarded)
	}
}

func TestStartListening_DeferredUntilStreamMaterializes(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{})

	// The platform has no stream for u2 yet.
	if err := c.StartListening("u2", "bob"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if len(c.Stats()) != 0 {
		t.Fatal("stream opened before the platform exposed it")
	}

	// Once audio demux creates the channel, the sync loop picks it up.
	in := conn.addSpeaker("u2")
	waitFor(t, 2*time.Second, func() bool { return len(c.Stats()) == 1 })

	in <- pcmFrame(2000, 960, 48000, 2)
	waitFor(t, time.Second, func() bool { return tr.sentCount() == 1 })
}

func TestStartListeningAll_SkipsBots(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.addSpeaker("u1")
	conn.addSpeaker("u2")
	conn.parts = []audio.Participant{
		{UserID: "u1", Username: "alice"},
		{UserID: "u2", Username: "musicbot", Bot: true},
	}
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{})

	if err := c.StartListeningAll(); err != nil {
		t.Fatalf("StartListeningAll: %v", err)
	}

	stats := c.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats len = %d, want 1 (bot skipped)", len(stats))
	}
	if stats[0].UserID != "u1" {
		t.Errorf("listening to %q, want u1", stats[0].UserID)
	}
}

func TestStartListeningAll_NoRoster(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.rosterErr = audio.ErrNoRoster
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{})

	if err := c.StartListeningAll(); !errors.Is(err, audio.ErrNoRoster) {
		t.Errorf("err = %v, want ErrNoRoster", err)
	}
}

func TestAutoListen_OnJoin(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.rosterErr = audio.ErrNoRoster
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{AutoListen: true})

	conn.addSpeaker("u3")
	conn.fireEvent(audio.Event{Type: audio.EventJoin, UserID: "u3", Username: "carol"})

	waitFor(t, 2*time.Second, func() bool { return len(c.Stats()) == 1 })

	conn.fireEvent(audio.Event{Type: audio.EventLeave, UserID: "u3"})
	waitFor(t, time.Second, func() bool { return len(c.Stats()) == 0 })
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.addSpeaker("u1")
	conn.addSpeaker("u2")
	tr := newFakeTranscriber()
	c := testController(t, conn, tr, &llmmock.Provider{}, &ttsmock.Provider{}, Config{})

	_ = c.StartListening("u1", "alice")
	_ = c.StartListening("u2", "bob")
	waitFor(t, time.Second, func() bool { return len(c.Stats()) == 2 })

	c.StopAll()
	if len(c.Stats()) != 0 {
		t.Errorf("Stats len = %d after StopAll, want 0", len(c.Stats()))
	}
}

// ── reply cycle ──────────────────────────────────────────────────────────────

func TestReplyCycle_EndToEnd(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: "hello alice"}}
	synth := &ttsmock.Provider{SynthesizeResult: make([]byte, 1280)}
	c := testController(t, conn, tr, gen, synth, Config{SystemPrompt: "be brief"})

	tr.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "hi there", IsFinal: true}

	// Utterance finalizes after the hold, then LLM → TTS → playback.
	waitFor(t, 2*time.Second, func() bool { return len(synth.Calls()) == 1 })

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hi there" {
		t.Errorf("unexpected messages: %+v", req.Messages)
	}

	if got := synth.Calls()[0].Text; got != "hello alice" {
		t.Errorf("synthesized text = %q, want the LLM reply", got)
	}

	// 1280 bytes of 16 kHz mono in 640-byte frames → 2 playback frames.
	var frames int
	deadline := time.After(time.Second)
	for frames < 2 {
		select {
		case <-conn.out:
			frames++
		case <-deadline:
			t.Fatalf("got %d playback frames, want 2", frames)
		}
	}

	// Both sides of the exchange land in the context log.
	waitFor(t, time.Second, func() bool { return c.ctxLog.Len() == 2 })
	msgs := c.ctxLog.Messages()
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("unexpected context roles: %+v", msgs)
	}
}

func TestReplyCycle_ContextGrowsAcrossTurns(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: "reply"}}
	synth := &ttsmock.Provider{SynthesizeResult: make([]byte, 64)}
	c := testController(t, conn, tr, gen, synth, Config{})

	go audio.Drain(chanRecv(conn.out))

	tr.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "first turn", IsFinal: true}
	waitFor(t, 2*time.Second, func() bool { return c.ctxLog.Len() == 2 })

	tr.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "second turn", IsFinal: true}
	waitFor(t, 2*time.Second, func() bool { return c.ctxLog.Len() == 4 })

	calls := gen.Calls()
	if len(calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(calls))
	}
	// The second request carries the first exchange as history.
	if len(calls[1].Req.Messages) != 3 {
		t.Errorf("second request messages = %d, want 3", len(calls[1].Req.Messages))
	}
}

func TestReplyCycle_AtMostOneInFlight(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	gen := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			started <- struct{}{}
			<-release
			return &llm.CompletionResponse{Content: "done"}, nil
		},
	}
	synth := &ttsmock.Provider{SynthesizeResult: make([]byte, 64)}
	c := testController(t, conn, tr, gen, synth, Config{})

	go audio.Drain(chanRecv(conn.out))

	// First utterance enters the cycle and blocks inside the LLM.
	go c.handleUtterance("first")
	<-started

	// A second utterance finalizing mid-cycle is discarded, not queued.
	c.handleUtterance("second")

	close(release)
	waitFor(t, 2*time.Second, func() bool { return len(synth.Calls()) == 1 })

	if got := len(gen.Calls()); got != 1 {
		t.Errorf("LLM calls = %d, want 1 (second utterance discarded)", got)
	}
}

func TestReplyCycle_FallbackOnLLMError(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{CompleteErr: errors.New("model overloaded")}
	synth := &ttsmock.Provider{SynthesizeResult: make([]byte, 64)}
	c := testController(t, conn, tr, gen, synth, Config{FallbackReply: "Please try again."})

	go audio.Drain(chanRecv(conn.out))

	c.handleUtterance("hello?")

	calls := synth.Calls()
	if len(calls) != 1 {
		t.Fatalf("TTS calls = %d, want 1", len(calls))
	}
	if calls[0].Text != "Please try again." {
		t.Errorf("spoken text = %q, want the fallback reply", calls[0].Text)
	}
	// The failed exchange must not pollute the context log.
	if c.ctxLog.Len() != 0 {
		t.Errorf("context log len = %d after LLM failure, want 0", c.ctxLog.Len())
	}
}

func TestReplyCycle_LatencyWithFastProviders(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: "fast reply"}}
	synth := &ttsmock.Provider{SynthesizeResult: make([]byte, 640)}
	c := testController(t, conn, tr, gen, synth, Config{})

	go audio.Drain(chanRecv(conn.out))

	start := time.Now()
	c.handleUtterance("quick question")
	elapsed := time.Since(start)

	// The pipeline itself must add essentially no latency on top of the
	// providers.
	if elapsed > 200*time.Millisecond {
		t.Errorf("reply cycle took %v with instant providers", elapsed)
	}
	if len(synth.Calls()) != 1 {
		t.Errorf("TTS calls = %d, want 1", len(synth.Calls()))
	}
}

// ── voice commands ───────────────────────────────────────────────────────────

func TestVoiceCommand_ClearContext(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: "x"}}
	synth := &ttsmock.Provider{}

	c, err := New(Deps{
		Platform: &fakePlatform{conn: conn},
		Channel:  tr,
		LLM:      gen,
		TTS:      synth,
		Filter:   voicecmd.New(""),
	}, Config{FinalizeHold: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })

	c.ctxLog.Append(llm.Message{Role: "user", Content: "old"})
	c.ctxLog.Append(llm.Message{Role: "assistant", Content: "old reply"})

	c.handleUtterance("clear the context")

	if c.ctxLog.Len() != 0 {
		t.Errorf("context log len = %d, want 0", c.ctxLog.Len())
	}
	if len(gen.Calls()) != 0 {
		t.Error("command utterance must not reach the LLM")
	}
}

func TestVoiceCommand_StopListening(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.addSpeaker("u1")
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{}
	synth := &ttsmock.Provider{}

	c, err := New(Deps{
		Platform: &fakePlatform{conn: conn},
		Channel:  tr,
		LLM:      gen,
		TTS:      synth,
		Filter:   voicecmd.New(""),
	}, Config{FinalizeHold: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })

	_ = c.StartListening("u1", "alice")
	waitFor(t, time.Second, func() bool { return len(c.Stats()) == 1 })

	c.handleUtterance("stop listening")

	if len(c.Stats()) != 0 {
		t.Errorf("streams still open after stop command")
	}
}

func TestVoiceCommand_LeaveDetachesAndNotifiesOwner(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	tr := newFakeTranscriber()
	gen := &llmmock.Provider{}
	synth := &ttsmock.Provider{}

	var notified atomic.Bool
	c, err := New(Deps{
		Platform: &fakePlatform{conn: conn},
		Channel:  tr,
		LLM:      gen,
		TTS:      synth,
		Filter:   voicecmd.New(""),
	}, Config{
		FinalizeHold: 20 * time.Millisecond,
		OnDetach:     func() { notified.Store(true) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { _ = c.Detach() })

	c.handleUtterance("goodbye")

	if c.Attached() {
		t.Error("controller still attached after leave command")
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("voice connection not closed after leave command")
	}
	if !notified.Load() {
		t.Error("detach hook was not invoked")
	}
}

// chanRecv adapts a bidirectional channel to receive-only for audio.Drain.
func chanRecv(ch chan audio.AudioFrame) <-chan audio.AudioFrame { return ch }

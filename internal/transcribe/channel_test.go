package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// ── fake socket ──────────────────────────────────────────────────────────────

type readResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type write struct {
	typ  websocket.MessageType
	data []byte
}

// fakeSocket is a scriptable wsConn. Reads block until a result is pushed.
type fakeSocket struct {
	mu     sync.Mutex
	reads  chan readResult
	writes []write
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan readResult, 16)}
}

func (f *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-f.reads:
		return r.typ, r.data, r.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeSocket) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.writes = append(f.writes, write{typ: typ, data: buf})
	return nil
}

func (f *fakeSocket) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) pushMessage(json string) {
	f.reads <- readResult{typ: websocket.MessageText, data: []byte(json)}
}

func (f *fakeSocket) failRead(err error) {
	f.reads <- readResult{err: err}
}

func (f *fakeSocket) writesSnapshot() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]write, len(f.writes))
	copy(out, f.writes)
	return out
}

// newTestChannel builds a Channel with the dialer replaced by a fake.
func newTestChannel(t *testing.T, cfg Config, dial dialFunc) *Channel {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.dial = dial
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty APIKey")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.Model != "nova-3" {
		t.Errorf("Model = %q", c.cfg.Model)
	}
	if c.cfg.SampleRate != 16000 || c.cfg.Channels != 1 {
		t.Errorf("format = %d Hz / %d ch", c.cfg.SampleRate, c.cfg.Channels)
	}
	if c.cfg.MaxReconnects != 5 {
		t.Errorf("MaxReconnects = %d", c.cfg.MaxReconnects)
	}
	if !strings.Contains(c.cfg.Endpoint, "deepgram") {
		t.Errorf("Endpoint = %q", c.cfg.Endpoint)
	}
}

// ── connect & events ─────────────────────────────────────────────────────────

func TestConnect_EmitsTranscriptEvents(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return sock, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	sock.pushMessage(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98}]}}`)
	sock.pushMessage(`{"type":"UtteranceEnd"}`)

	ev := <-c.Events()
	if ev.Type != EventTranscript || ev.Text != "hello world" || !ev.IsFinal {
		t.Errorf("unexpected event: %+v", ev)
	}
	ev = <-c.Events()
	if ev.Type != EventUtteranceEnd {
		t.Errorf("event type = %s, want utterance_end", ev.Type)
	}
}

func TestConnect_SurvivesCallerContextCancellation(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	var dials atomic.Int32
	c := newTestChannel(t, Config{BackoffBase: time.Millisecond}, func(context.Context) (wsConn, error) {
		dials.Add(1)
		return sock, nil
	})

	// A command handler connects under a deadline context and cancels it as
	// soon as it returns; the stream must outlive that.
	ctx, cancel := context.WithCancel(t.Context())
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cancel()

	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %s after caller cancel, want connected", got)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect should have run)", got)
	}

	sock.pushMessage(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"still here"}]}}`)
	select {
	case ev := <-c.Events():
		if ev.Text != "still here" {
			t.Errorf("event text = %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after caller context cancellation")
	}

	c.Send([]byte{1, 2})
	if got := c.DroppedChunks(); got != 0 {
		t.Errorf("DroppedChunks = %d, want 0", got)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return nil, errors.New("connection refused")
	})

	if err := c.Connect(t.Context()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected after failed dial", got)
	}
}

func TestConnect_RejectsWhileConnected(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return sock, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(t.Context()); err == nil {
		t.Fatal("expected second Connect to fail")
	}
}

// ── send ─────────────────────────────────────────────────────────────────────

func TestSend_DropsWhileDisconnected(t *testing.T) {
	t.Parallel()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return newFakeSocket(), nil
	})

	c.Send([]byte{1, 2, 3})
	c.Send([]byte{4, 5, 6})

	if got := c.DroppedChunks(); got != 2 {
		t.Errorf("DroppedChunks = %d, want 2", got)
	}
}

func TestSend_WritesBinaryWhileConnected(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return sock, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Send([]byte{0xAA, 0xBB})

	var found bool
	for _, w := range sock.writesSnapshot() {
		if w.typ == websocket.MessageBinary && len(w.data) == 2 {
			found = true
		}
	}
	if !found {
		t.Error("audio chunk was not written to the socket")
	}
	if got := c.DroppedChunks(); got != 0 {
		t.Errorf("DroppedChunks = %d, want 0", got)
	}
}

// ── keep-alive ───────────────────────────────────────────────────────────────

func TestKeepAlive_SentWhileConnected(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	c := newTestChannel(t, Config{KeepAliveInterval: 5 * time.Millisecond}, func(context.Context) (wsConn, error) {
		return sock, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, w := range sock.writesSnapshot() {
			if w.typ == websocket.MessageText && strings.Contains(string(w.data), "KeepAlive") {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no keep-alive message observed")
}

// ── reconnect ────────────────────────────────────────────────────────────────

func TestReconnect_RecoversAfterSocketLoss(t *testing.T) {
	t.Parallel()
	first := newFakeSocket()
	second := newFakeSocket()
	var dials atomic.Int32
	c := newTestChannel(t, Config{BackoffBase: time.Millisecond}, func(context.Context) (wsConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.failRead(errors.New("connection reset"))

	waitState(t, c, StateConnected)
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}

	// Transcripts flow on the replacement socket.
	second.pushMessage(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"back again"}]}}`)
	select {
	case ev := <-c.Events():
		if ev.Text != "back again" {
			t.Errorf("event text = %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestReconnect_CeilingEmitsFatal(t *testing.T) {
	t.Parallel()
	first := newFakeSocket()
	var dials atomic.Int32
	c := newTestChannel(t, Config{BackoffBase: time.Millisecond, MaxReconnects: 2}, func(context.Context) (wsConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("still down")
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.failRead(errors.New("connection reset"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type != EventFatal {
				continue
			}
			if !errors.Is(ev.Err, ErrReconnectExhausted) {
				t.Errorf("fatal err = %v, want ErrReconnectExhausted", ev.Err)
			}
			// Initial dial plus the two allowed reconnect attempts.
			if got := dials.Load(); got != 3 {
				t.Errorf("dials = %d, want 3", got)
			}
			if got := c.State(); got != StateErrored {
				t.Errorf("state = %s, want errored", got)
			}
			return
		case <-deadline:
			t.Fatal("no fatal event after exhausting reconnects")
		}
	}
}

func TestReconnect_BackoffDoublesPerAttempt(t *testing.T) {
	t.Parallel()
	const base = 10 * time.Millisecond
	first := newFakeSocket()
	var dials atomic.Int32
	c := newTestChannel(t, Config{BackoffBase: base}, func(context.Context) (wsConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("still down")
	})

	var mu sync.Mutex
	var delays []time.Duration
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		// Fire immediately so the test does not wait out real backoff.
		return time.AfterFunc(0, fn)
	}

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.failRead(errors.New("connection reset"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type != EventFatal {
				continue
			}
		case <-deadline:
			t.Fatal("no fatal event after exhausting reconnects")
		}
		break
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{base, 2 * base, 4 * base, 8 * base, 16 * base}
	if len(delays) != len(want) {
		t.Fatalf("scheduled %d backoff delays (%v), want %d", len(delays), delays, len(want))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("attempt %d backoff = %v, want %v", i+1, d, want[i])
		}
	}
}

func TestReconnect_ExplicitConnectClearsErroredState(t *testing.T) {
	t.Parallel()
	good := newFakeSocket()
	var dials atomic.Int32
	c := newTestChannel(t, Config{BackoffBase: time.Millisecond, MaxReconnects: 1}, func(context.Context) (wsConn, error) {
		switch dials.Add(1) {
		case 1:
			return good, nil
		case 2:
			return nil, errors.New("down")
		default:
			return newFakeSocket(), nil
		}
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	good.failRead(errors.New("reset"))

	waitState(t, c, StateErrored)
	for len(c.Events()) > 0 {
		<-c.Events()
	}

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect after errored state: %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

// ── disconnect ───────────────────────────────────────────────────────────────

func TestDisconnect_FlushesAndClosesEvents(t *testing.T) {
	t.Parallel()
	sock := newFakeSocket()
	c := newTestChannel(t, Config{}, func(context.Context) (wsConn, error) {
		return sock, nil
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	// Idempotent.
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	var flushed bool
	for _, w := range sock.writesSnapshot() {
		if strings.Contains(string(w.data), "CloseStream") {
			flushed = true
		}
	}
	if !flushed {
		t.Error("CloseStream was not sent before closing")
	}

	sock.mu.Lock()
	closed := sock.closed
	sock.mu.Unlock()
	if !closed {
		t.Error("socket was not closed")
	}

	if _, open := <-c.Events(); open {
		t.Error("event channel still open after Disconnect")
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

// ── wire format ──────────────────────────────────────────────────────────────

func TestParseServiceMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Event
		ok   bool
	}{
		{
			name: "final transcript",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"turn left"}]}}`,
			want: Event{Type: EventTranscript, Text: "turn left", IsFinal: true},
			ok:   true,
		},
		{
			name: "interim transcript",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"turn"}]}}`,
			want: Event{Type: EventTranscript, Text: "turn"},
			ok:   true,
		},
		{
			name: "results without alternatives",
			raw:  `{"type":"Results","channel":{"alternatives":[]}}`,
			ok:   false,
		},
		{
			name: "speech started",
			raw:  `{"type":"SpeechStarted"}`,
			want: Event{Type: EventSpeechStarted},
			ok:   true,
		},
		{
			name: "utterance end",
			raw:  `{"type":"UtteranceEnd"}`,
			want: Event{Type: EventUtteranceEnd},
			ok:   true,
		},
		{
			name: "metadata is skipped",
			raw:  `{"type":"Metadata","request_id":"abc"}`,
			ok:   false,
		},
		{
			name: "unknown type",
			raw:  `{"type":"SomethingNew"}`,
			ok:   false,
		},
		{
			name: "malformed json",
			raw:  `{"type":`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseServiceMessage([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Type != tt.want.Type || got.Text != tt.want.Text || got.IsFinal != tt.want.IsFinal {
				t.Errorf("event = %+v, want %+v", got, tt.want)
			}
		})
	}
}

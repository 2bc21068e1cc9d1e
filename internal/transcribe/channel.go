// Package transcribe implements the persistent streaming connection to the
// speech-recognition service.
//
// A [Channel] owns one WebSocket to the recognition endpoint per session. It
// accepts normalized PCM (16 kHz mono), emits transcript events on a single
// typed event channel, keeps the socket alive with periodic control messages,
// and reconnects with exponential backoff when the socket drops unexpectedly.
// Audio sent while the socket is down is dropped, never buffered, so an
// outage cannot grow memory without bound.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxlane/voxlane/internal/observe"
)

// State is the connection state of a [Channel].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateErrored
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// EventType discriminates the events a [Channel] emits.
type EventType int

const (
	// EventTranscript carries an interim or final transcript fragment.
	EventTranscript EventType = iota

	// EventSpeechStarted signals that the service detected voice activity.
	EventSpeechStarted

	// EventUtteranceEnd signals the service's own end-of-utterance verdict.
	// The assembler's text-level timer remains canonical; this is advisory.
	EventUtteranceEnd

	// EventFatal signals that the reconnect ceiling was reached. The channel
	// stays errored until Connect is called again explicitly.
	EventFatal
)

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is a single message from the recognition service, or a fatal channel
// error. Exactly one consumer reads the event channel per session.
type Event struct {
	Type    EventType
	Text    string
	IsFinal bool
	Err     error
}

// ErrReconnectExhausted is carried by an [EventFatal] event after the
// reconnect ceiling is reached.
var ErrReconnectExhausted = errors.New("transcribe: reconnect attempts exhausted")

// ErrNotConnected is logged (not returned) when audio arrives while the
// socket is down; exported so callers can match diagnostics.
var ErrNotConnected = errors.New("transcribe: channel not connected")

const (
	defaultEndpoint          = "wss://api.deepgram.com/v1/listen"
	defaultModel             = "nova-3"
	defaultLanguage          = "en"
	defaultSampleRate        = 16000
	defaultChannels          = 1
	defaultEndpointingMs     = 300
	defaultKeepAliveInterval = 8 * time.Second
	defaultBackoffBase       = time.Second
	defaultMaxReconnects     = 5
	defaultEventBuffer       = 64
)

// Config configures a [Channel]. APIKey is required; everything else has a
// sensible default.
type Config struct {
	// APIKey authenticates against the recognition service.
	APIKey string

	// Endpoint is the WebSocket URL. Default: the Deepgram listen endpoint.
	Endpoint string

	// Model and Language select the recognition model.
	Model    string
	Language string

	// SampleRate and Channels describe the fixed PCM input format.
	SampleRate int
	Channels   int

	// EndpointingMs is the service-side silence endpointing threshold.
	EndpointingMs int

	// KeepAliveInterval is how often a no-op control message is sent while
	// connected. Default 8s.
	KeepAliveInterval time.Duration

	// BackoffBase is the delay before the first reconnect attempt; attempt n
	// waits BackoffBase * 2^(n-1). Default 1s.
	BackoffBase time.Duration

	// MaxReconnects bounds consecutive failed (re)connect attempts. Default 5.
	MaxReconnects int
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = defaultChannels
	}
	if c.EndpointingMs == 0 {
		c.EndpointingMs = defaultEndpointingMs
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
}

// wsConn is the subset of *websocket.Conn the channel uses. Injectable for
// tests.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc establishes a socket to the recognition service.
type dialFunc func(ctx context.Context) (wsConn, error)

// Channel is the logical streaming connection shared by all speaker streams
// of one session.
//
// All methods are safe for concurrent use. The event channel has exactly one
// intended consumer; Events always returns the same channel.
type Channel struct {
	cfg     Config
	dial    dialFunc
	metrics *observe.Metrics

	// afterFunc schedules the reconnect backoff timer. Injectable for tests;
	// defaults to time.AfterFunc.
	afterFunc func(time.Duration, func()) *time.Timer

	events chan Event

	mu             sync.Mutex
	ctx            context.Context // channel lifetime; cancelled by Disconnect
	cancel         context.CancelFunc
	state          State
	conn           wsConn
	connDone       chan struct{} // closed to stop the current read/keepalive loops
	attempts       int
	reconnectTimer *time.Timer
	closing        bool
	droppedChunks  uint64
	warnedDrop     bool

	emitMu       sync.Mutex
	eventsClosed bool

	closeOnce sync.Once
}

// New creates a Channel. The APIKey must be non-empty; missing credentials
// are a construction error, not a runtime surprise.
func New(cfg Config) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transcribe: APIKey must not be empty")
	}
	cfg.applyDefaults()

	c := &Channel{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		events:  make(chan Event, defaultEventBuffer),
		state:   StateDisconnected,
	}
	c.dial = c.dialService
	c.afterFunc = time.AfterFunc
	return c, nil
}

// Events returns the single typed event channel. It is closed by Disconnect.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DroppedChunks returns the number of audio chunks discarded because the
// socket was not connected.
func (c *Channel) DroppedChunks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedChunks
}

// Connect establishes the streaming connection. It resolves once the
// handshake succeeds and rejects if it fails; no retry is performed on the
// initial attempt. Calling Connect on an errored channel clears the error
// state and tries again.
//
// ctx governs the initial handshake only. The running connection — reads,
// keepalives, reconnect dials — lives on an internal context that is
// cancelled by Disconnect, so a caller's short-lived command context cannot
// tear down the stream after a successful join.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errors.New("transcribe: channel is closed")
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return fmt.Errorf("transcribe: connect called in state %s", c.state)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = StateConnecting
	c.attempts = 0
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		return fmt.Errorf("transcribe: dial: %w", err)
	}
	c.adoptConnLocked(conn)
	return nil
}

// adoptConnLocked installs a freshly dialed socket and starts its read and
// keep-alive loops. Must be called with c.mu held.
func (c *Channel) adoptConnLocked(conn wsConn) {
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.warnedDrop = false
	c.connDone = make(chan struct{})

	go c.readLoop(conn, c.connDone)
	go c.keepAliveLoop(conn, c.connDone)
}

// Send forwards a PCM chunk if and only if the channel is connected.
// Otherwise the chunk is dropped with a warning — never buffered, so memory
// stays bounded during outages.
func (c *Channel) Send(chunk []byte) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.droppedChunks++
		warn := !c.warnedDrop
		c.warnedDrop = true
		state := c.state
		dropped := c.droppedChunks
		c.mu.Unlock()
		c.metrics.DroppedChunks.Add(context.Background(), 1)
		if warn {
			slog.Warn("transcribe: dropping audio while not connected",
				"state", state.String(),
				"dropped", dropped,
				"error", ErrNotConnected,
			)
		}
		return
	}
	conn := c.conn
	ctx := c.ctx
	c.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		slog.Warn("transcribe: audio write failed", "error", err)
	}
}

// Disconnect tears the channel down cleanly: it cancels the keep-alive loop
// and any pending reconnect timer, asks the service to flush, closes the
// socket, and closes the event channel. Safe to call more than once.
func (c *Channel) Disconnect() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		if c.cancel != nil {
			c.cancel()
		}
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		conn := c.conn
		c.conn = nil
		if c.connDone != nil {
			close(c.connDone)
			c.connDone = nil
		}
		c.state = StateClosed
		c.mu.Unlock()

		if conn != nil {
			// Ask the service to flush pending audio before the close.
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		}

		c.emitMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()
	})
	return nil
}

// ---- loops ----

// readLoop receives JSON messages from the service and dispatches them as
// events. On unexpected socket failure it hands off to the reconnect path.
func (c *Channel) readLoop(conn wsConn, done chan struct{}) {
	for {
		_, msg, err := conn.Read(c.readCtx())
		if err != nil {
			select {
			case <-done:
				// Intentional teardown or a superseded connection.
				return
			default:
			}
			c.handleSocketLoss(conn, err)
			return
		}

		ev, ok := parseServiceMessage(msg)
		if !ok {
			continue
		}
		c.emit(ev)
	}
}

// readCtx returns the context reads run under.
func (c *Channel) readCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// keepAliveLoop sends a no-op control message on a fixed interval while the
// connection is up. This is purely a liveness signal; it never touches
// transcript state.
func (c *Channel) keepAliveLoop(conn wsConn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Write(c.readCtx(), websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				slog.Debug("transcribe: keepalive write failed", "error", err)
				return
			}
		}
	}
}

// handleSocketLoss transitions out of connected state after an unexpected
// read failure and schedules a reconnect attempt.
func (c *Channel) handleSocketLoss(conn wsConn, cause error) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.mu.Unlock()

	slog.Warn("transcribe: connection lost", "error", cause)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next reconnect attempt,
// or gives up with a fatal event once the ceiling is reached.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.MaxReconnects {
		c.state = StateErrored
		c.mu.Unlock()

		slog.Error("transcribe: reconnect ceiling reached; channel requires explicit Connect",
			"attempts", c.cfg.MaxReconnects,
		)
		c.emit(Event{Type: EventFatal, Err: ErrReconnectExhausted})
		return
	}

	delay := c.cfg.BackoffBase << (attempt - 1)
	c.state = StateReconnecting
	c.reconnectTimer = c.afterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.metrics.ChannelReconnects.Add(context.Background(), 1)

	slog.Info("transcribe: reconnect scheduled",
		"attempt", attempt,
		"max", c.cfg.MaxReconnects,
		"backoff", delay,
	)
}

// attemptReconnect dials the service again after the backoff delay.
func (c *Channel) attemptReconnect() {
	c.mu.Lock()
	if c.closing || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.reconnectTimer = nil
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		slog.Warn("transcribe: reconnect attempt failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.adoptConnLocked(conn)
	c.mu.Unlock()

	slog.Info("transcribe: reconnected")
}

// emit delivers an event to the single consumer. The event channel is
// buffered; if the consumer has stalled long enough to fill it, the event is
// dropped with a warning rather than wedging the read loop.
func (c *Channel) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("transcribe: event consumer stalled, dropping event", "type", ev.Type)
	}
}

// ---- dialing & wire format ----

// dialService opens the production WebSocket with the negotiated audio
// format and recognition options.
func (c *Channel) dialService(ctx context.Context) (wsConn, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(c.cfg.EndpointingMs))
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serviceMessage is the JSON envelope of inbound recognition messages,
// discriminated by Type.
type serviceMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseServiceMessage converts a raw socket message into an Event.
// Returns (zero, false) for messages that carry nothing actionable.
func parseServiceMessage(data []byte) (Event, bool) {
	var msg serviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return Event{}, false
		}
		return Event{
			Type:    EventTranscript,
			Text:    msg.Channel.Alternatives[0].Transcript,
			IsFinal: msg.IsFinal,
		}, true
	case "SpeechStarted":
		return Event{Type: EventSpeechStarted}, true
	case "UtteranceEnd":
		return Event{Type: EventUtteranceEnd}, true
	case "Metadata":
		// Connection metadata; nothing for the pipeline.
		return Event{}, false
	default:
		return Event{}, false
	}
}

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/callgate/internal/audio"
	"github.com/voxbridge/callgate/internal/metrics"
	"github.com/voxbridge/callgate/internal/session"
)

// ErrConnect is returned when the protocol handshake fails. The call state
// machine treats it as fatal for the call.
var ErrConnect = errors.New("realtime: connect failed")

const (
	defaultDebounce      = 10 * time.Second
	defaultSendQueueSize = 64
	handshakeTimeout     = 10 * time.Second
	toolTimeout          = 15 * time.Second
)

// ToolInvoker executes a named function-call collaborator.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, args string) (string, error)
}

// Config holds per-session connection settings for the speech AI service.
type Config struct {
	URL          string // wss endpoint including model query parameter
	APIKey       string
	Voice        string
	Instructions string
	Tools        []ToolDef

	VADThreshold float64
	VADSilenceMs int
	VADPrefixMs  int

	// ResponseDebounce is the cancellable delay between server speech-stopped
	// and response.create. New speech cancels it.
	ResponseDebounce time.Duration

	// SendQueueSize bounds the outbound audio queue. When full the oldest
	// unsent chunk is dropped; SendAudio never blocks.
	SendQueueSize int

	// Reconnect allows a single redial attempt after an unexpected socket
	// close. Off by default: disconnection is fatal for the call.
	Reconnect bool
}

// Client is a per-call protocol client to the speech AI service. It owns the
// WebSocket connection and drives turn-taking, interruption, and the response
// lifecycle, surfacing typed events to the call state machine.
type Client struct {
	cfg       Config
	registry  *session.Registry
	sessionID string
	invoker   ToolInvoker

	conn    *websocket.Conn
	events  chan Event
	ctrlCh  chan []byte
	audioCh chan []byte
	done    chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	debounce      *time.Timer
	cancelledID   string
	redialed      bool
	pendingCreate bool // tool output posted while a response was in flight
}

// Dial connects to the speech AI service, sends the initial session
// configuration, and starts the read and write loops.
func Dial(ctx context.Context, cfg Config, registry *session.Registry, sessionID string, invoker ToolInvoker) (*Client, error) {
	if cfg.ResponseDebounce <= 0 {
		cfg.ResponseDebounce = defaultDebounce
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	c := &Client{
		cfg:       cfg,
		registry:  registry,
		sessionID: sessionID,
		invoker:   invoker,
		events:    make(chan Event, 256),
		ctrlCh:    make(chan []byte, 16),
		audioCh:   make(chan []byte, cfg.SendQueueSize),
		done:      make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	msg, err := marshalSessionUpdate(c.cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return conn, nil
}

// Events returns the channel of events surfaced to the call state machine.
// It is closed after EventDisconnected or Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SendAudio base64-encodes PCM16 samples (AI rate) and appends them to the
// server-side input buffer. Never blocks: when the queue is full the oldest
// unsent chunk is dropped and counted.
func (c *Client) SendAudio(pcm []int16) {
	b64 := base64.StdEncoding.EncodeToString(audio.EncodePCM16(pcm))
	msg, err := marshalAudioAppend(b64)
	if err != nil {
		return
	}
	select {
	case c.audioCh <- msg:
		return
	default:
	}
	// Queue full: drop the oldest chunk to make room. Stale real-time audio
	// is worthless; blocking the pipeline is worse.
	select {
	case <-c.audioCh:
		metrics.AudioQueueDrops.Inc()
	default:
	}
	select {
	case c.audioCh <- msg:
	default:
	}
}

// ClearInputBuffer discards audio the server has buffered but not committed.
func (c *Client) ClearInputBuffer() {
	if msg, err := marshalAudioClear(); err == nil {
		c.sendCtrl(msg)
	}
}

// CancelResponse sends response.cancel for the given response id, marks the
// in-flight response cancelled, and clears it from the session. Idempotent:
// cancelling an already-cancelled response is a no-op.
func (c *Client) CancelResponse(responseID string) {
	if responseID == "" {
		return
	}
	c.mu.Lock()
	if c.cancelledID == responseID {
		c.mu.Unlock()
		return
	}
	c.cancelledID = responseID
	c.mu.Unlock()

	msg, err := marshalResponseCancel()
	if err != nil {
		return
	}
	c.sendCtrl(msg)

	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		if a.Response != nil && a.Response.ID == responseID {
			a.Response.Status = session.ResponseCancelled
			a.Response = nil
		}
		if a.CurrentResponseID == responseID {
			a.CurrentResponseID = ""
		}
		a.AssistantSpeaking = false
	})
	slog.Info("response cancelled", "session_id", c.sessionID, "response_id", responseID)
}

// Close tears down the connection and stops the loops. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.debounce != nil {
			c.debounce.Stop()
			c.debounce = nil
		}
		c.mu.Unlock()
		close(c.done)
		if conn := c.current(); conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) sendCtrl(msg []byte) {
	select {
	case c.ctrlCh <- msg:
	case <-c.done:
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.ctrlCh:
			c.write(msg)
		case msg := <-c.audioCh:
			// Control frames jump the audio queue.
			select {
			case ctrl := <-c.ctrlCh:
				c.write(ctrl)
			default:
			}
			c.write(msg)
		}
	}
}

func (c *Client) write(msg []byte) {
	if err := c.current().WriteMessage(websocket.TextMessage, msg); err != nil {
		slog.Error("realtime write", "session_id", c.sessionID, "error", err)
	}
}

// current returns the live connection; redial may swap it.
func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.current().ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if c.tryRedial() {
				continue
			}
			slog.Warn("realtime socket closed", "session_id", c.sessionID, "error", err)
			c.emit(Event{Type: EventDisconnected, Err: err})
			return
		}

		var ev serverEvent
		if err = json.Unmarshal(data, &ev); err != nil {
			metrics.ProtocolErrors.WithLabelValues("realtime").Inc()
			slog.Warn("malformed realtime event", "session_id", c.sessionID, "error", err)
			continue
		}
		c.handle(ev)
	}
}

// tryRedial performs at most one reconnect attempt when configured.
func (c *Client) tryRedial() bool {
	c.mu.Lock()
	allowed := c.cfg.Reconnect && !c.redialed
	c.redialed = true
	c.mu.Unlock()
	if !allowed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		slog.Warn("realtime redial failed", "session_id", c.sessionID, "error", err)
		return false
	}
	slog.Info("realtime reconnected", "session_id", c.sessionID)
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	old.Close()
	return true
}

func (c *Client) handle(ev serverEvent) {
	switch ev.Type {
	case evSessionCreated, evSessionUpdated:
		c.emit(Event{Type: EventSessionReady})

	case evSpeechStarted:
		c.onSpeechStarted()

	case evSpeechStopped:
		c.onSpeechStopped()

	case evTranscriptionCompleted:
		c.emit(Event{Type: EventUserTranscript, Text: ev.Transcript})

	case evResponseCreated:
		c.onResponseCreated(ev)

	case evResponseAudioDelta:
		c.onAudioDelta(ev)

	case evResponseTranscriptDelta:
		c.onTranscriptDelta(ev)

	case evResponseDone:
		c.onResponseFinished(ev, EventResponseDone)

	case evResponseCancelled:
		metrics.ResponsesCancelled.Inc()
		c.onResponseFinished(ev, EventResponseCancelled)

	case evFunctionArgsDone:
		go c.relayFunctionCall(ev.CallID, ev.Name, ev.Arguments)

	case evError:
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		slog.Error("realtime api error", "session_id", c.sessionID, "message", msg)
		c.emit(Event{Type: EventError, Err: fmt.Errorf("realtime: %s", msg)})

	default:
		metrics.ProtocolErrors.WithLabelValues("realtime").Inc()
		slog.Debug("unhandled realtime event", "session_id", c.sessionID, "type", ev.Type)
	}
}

// onSpeechStarted handles server VAD speech onset: cancel any pending
// response debounce, and if the assistant is mid-response, barge in.
func (c *Client) onSpeechStarted() {
	c.stopDebounce()

	var bargeID string
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		a.UserSpeaking = true
		if a.AssistantSpeaking && a.CurrentResponseID != "" {
			bargeID = a.CurrentResponseID
		}
	})

	if bargeID != "" {
		metrics.BargeIns.Inc()
		slog.Info("barge-in", "session_id", c.sessionID, "response_id", bargeID)
		c.CancelResponse(bargeID)
	}
	c.emit(Event{Type: EventSpeechStarted, ResponseID: bargeID})
}

// onSpeechStopped arms the cancellable debounce timer; when it fires a
// response is requested. Speech restarting first cancels it silently.
func (c *Client) onSpeechStopped() {
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		a.UserSpeaking = false
	})

	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.cfg.ResponseDebounce, c.requestResponse)
	c.mu.Unlock()

	c.emit(Event{Type: EventSpeechStopped})
}

func (c *Client) stopDebounce() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.mu.Unlock()
}

// requestResponse sends response.create unless a response is already in
// flight, in which case the request is rejected and logged, never queued.
func (c *Client) requestResponse() {
	if !c.tryCreateResponse() {
		slog.Warn("response requested while one in flight, rejecting", "session_id", c.sessionID)
	}
}

// tryCreateResponse claims the single in-flight response slot and sends
// response.create. Reports whether the slot was free.
func (c *Client) tryCreateResponse() bool {
	allowed := false
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		if a.CurrentResponseID != "" || a.WaitingForResponse {
			return
		}
		a.WaitingForResponse = true
		allowed = true
	})
	if !allowed {
		return false
	}

	msg, err := marshalResponseCreate()
	if err != nil {
		return false
	}
	c.sendCtrl(msg)
	return true
}

func (c *Client) onResponseCreated(ev serverEvent) {
	id := ""
	if ev.Response != nil {
		id = ev.Response.ID
	}
	metrics.ResponsesCreated.Inc()

	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		a.WaitingForResponse = false
		a.AssistantSpeaking = true
		a.CurrentResponseID = id
		a.Response = &session.ResponseState{ID: id, Status: session.ResponseCreated}
	})
	c.emit(Event{Type: EventResponseCreated, ResponseID: id})
}

func (c *Client) onAudioDelta(ev serverEvent) {
	raw, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues("realtime").Inc()
		return
	}
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		if a.Response != nil {
			a.Response.Status = session.ResponseStreaming
		}
	})
	c.emit(Event{Type: EventAudioDelta, ResponseID: ev.ResponseID, Audio: audio.DecodePCM16(raw)})
}

func (c *Client) onTranscriptDelta(ev serverEvent) {
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		if a.Response != nil {
			a.Response.Transcript += ev.Delta
		}
	})
	c.emit(Event{Type: EventTranscriptDelta, ResponseID: ev.ResponseID, Text: ev.Delta})
}

func (c *Client) onResponseFinished(ev serverEvent, kind EventType) {
	id := ev.ResponseID
	if id == "" && ev.Response != nil {
		id = ev.Response.ID
	}

	var transcript string
	c.registry.UpdateAudioState(c.sessionID, func(a *session.AudioState) {
		if a.Response != nil {
			transcript = a.Response.Transcript
			a.Response = nil
		}
		if id == "" || a.CurrentResponseID == id {
			a.CurrentResponseID = ""
		}
		a.AssistantSpeaking = false
		a.WaitingForResponse = false
	})
	c.emit(Event{Type: kind, ResponseID: id, Text: transcript})

	c.mu.Lock()
	pending := c.pendingCreate
	c.pendingCreate = false
	c.mu.Unlock()
	if pending {
		c.requestResponse()
	}
}

// relayFunctionCall runs the named collaborator and posts its result back as
// a function_call_output item, then requests a new response. Collaborator
// failure becomes an apology result; it never terminates the session.
func (c *Client) relayFunctionCall(callID, name, args string) {
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	slog.Info("function call", "session_id", c.sessionID, "tool", name, "call_id", callID)

	var result string
	if c.invoker == nil {
		result = "I'm sorry, that capability isn't available right now."
	} else {
		var err error
		result, err = c.invoker.Invoke(ctx, name, args)
		if err != nil {
			slog.Error("function call failed", "session_id", c.sessionID, "tool", name, "error", err)
			result = "I'm sorry, I wasn't able to look that up just now."
		}
	}

	msg, err := marshalFunctionOutput(callID, result)
	if err != nil {
		return
	}
	c.sendCtrl(msg)
	c.emit(Event{Type: EventToolCall, Name: name, Text: result})

	// The tool result usually lands before the parent response finishes, so
	// the create must wait for response.done rather than racing it. The flag
	// goes up first; onResponseFinished takes it down if it wins the race.
	c.mu.Lock()
	c.pendingCreate = true
	c.mu.Unlock()
	if c.tryCreateResponse() {
		c.mu.Lock()
		c.pendingCreate = false
		c.mu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

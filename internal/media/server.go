// Package media is the external-media audio endpoint: one bound WebSocket
// listener per deployment, one logical audio channel per call. It moves PCM
// frames between the telephony side (16 kHz, 320-sample chunks) and the AI
// session client (24 kHz), resampling in both directions.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/callgate/internal/audio"
	"github.com/voxbridge/callgate/internal/metrics"
)

// ErrAlreadyBound is returned when a channel id is bound twice.
var ErrAlreadyBound = errors.New("media: channel already bound")

// ErrNotConnected is returned when outbound audio targets a channel whose
// telephony socket is not attached.
var ErrNotConnected = errors.New("media: channel not connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FrameSink receives inbound telephony audio after resampling to the AI rate.
type FrameSink interface {
	SendAudio(pcm []int16)
}

// EventKind classifies connection lifecycle events.
type EventKind string

const (
	Connected    EventKind = "connected"
	Disconnected EventKind = "disconnected"
)

// Event reports a telephony-side connection change for a bound channel.
// Disconnected is authoritative: the call state machine terminates the call.
type Event struct {
	Kind      EventKind
	ChannelID string
}

// ServerConfig holds shared settings for the media endpoint.
type ServerConfig struct {
	// MaxConnections caps concurrent telephony sockets (admission control).
	MaxConnections int
	// TargetRMS, when non-zero, normalizes outbound frames to this RMS
	// energy (gain capped at 4x). Disabled by default.
	TargetRMS float64
}

// Server accepts external-media WebSocket connections from the PBX and routes
// audio per bound channel.
type Server struct {
	cfg ServerConfig
	sem chan struct{}

	mu       sync.RWMutex
	bindings map[string]*binding

	events chan Event
}

type binding struct {
	id   string
	sink FrameSink

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn
}

// NewServer creates the media endpoint. Call Bind before the PBX connects.
func NewServer(cfg ServerConfig) *Server {
	maxConn := cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = 100
	}
	return &Server{
		cfg:      cfg,
		sem:      make(chan struct{}, maxConn),
		bindings: make(map[string]*binding),
		events:   make(chan Event, 64),
	}
}

// Events returns connection lifecycle events for bound channels.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Bind allocates the per-call audio path for id. Inbound frames are resampled
// and forwarded to sink. Fails if id is already bound.
func (s *Server) Bind(id string, sink FrameSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bindings[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, id)
	}
	s.bindings[id] = &binding{id: id, sink: sink}
	return nil
}

// Unbind releases the audio path for id and closes any attached socket.
// Idempotent.
func (s *Server) Unbind(id string) {
	s.mu.Lock()
	b, ok := s.bindings[id]
	delete(s.bindings, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
}

// Send resamples AI audio (PCM16 @24 kHz) to the telephony rate, frames it to
// 320-sample chunks, and writes it to the bound socket in order.
func (s *Server) Send(id string, pcm24k []int16) error {
	s.mu.RLock()
	b, ok := s.bindings[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	samples := audio.Downsample24To16(pcm24k)
	if s.cfg.TargetRMS > 0 {
		audio.NormalizeRMS(samples, s.cfg.TargetRMS)
	}
	frames := audio.Frame(samples, audio.TelephonyFrameSamples)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	for _, frame := range frames {
		if err := b.conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(frame)); err != nil {
			return fmt.Errorf("media write %s: %w", id, err)
		}
		metrics.FramesOutbound.Inc()
	}
	return nil
}

// connMetadata is the first text frame sent by the telephony side, binding
// the socket to a channel.
type connMetadata struct {
	ChannelID  string `json:"channel_id"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
}

// ServeHTTP upgrades a PBX external-media connection and pumps its audio.
// Returns 503 at capacity.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("media upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("media metadata", "error", err)
		return
	}

	s.mu.RLock()
	b, ok := s.bindings[meta.ChannelID]
	s.mu.RUnlock()
	if !ok {
		slog.Warn("media connection for unbound channel", "channel_id", meta.ChannelID)
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	codec := audio.Codec(meta.Codec)
	if codec == "" {
		codec = audio.CodecSlin16
	}
	sampleRate := meta.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.TelephonyRate
	}

	slog.Info("media connected", "channel_id", meta.ChannelID, "codec", codec, "sample_rate", sampleRate)
	s.emit(Event{Kind: Connected, ChannelID: meta.ChannelID})

	s.readFrames(conn, b, codec, sampleRate)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()

	slog.Info("media disconnected", "channel_id", meta.ChannelID)
	s.emit(Event{Kind: Disconnected, ChannelID: meta.ChannelID})
}

// readFrames pumps binary audio frames until the socket closes. Frames are
// forwarded in arrival order; malformed frames are dropped and logged, never
// retried.
func (s *Server) readFrames(conn *websocket.Conn, b *binding, codec audio.Codec, sampleRate int) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 || (codec == audio.CodecSlin16 && len(data)%2 != 0) {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			slog.Warn("malformed media frame dropped", "channel_id", b.id, "bytes", len(data))
			continue
		}

		samples, rate, err := audio.Decode(data, codec, sampleRate)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("codec").Inc()
			slog.Warn("undecodable media frame dropped", "channel_id", b.id, "error", err)
			continue
		}
		if rate == 8000 {
			samples = audio.Upsample8To16(samples)
		}
		if len(samples) < audio.TelephonyFrameSamples {
			padded := make([]int16, audio.TelephonyFrameSamples)
			copy(padded, samples)
			samples = padded
		}

		metrics.FramesInbound.Inc()
		b.sink.SendAudio(audio.Upsample16To24(samples))
	}
}

// emit blocks until the call state machine takes the event. Disconnected is
// authoritative for call termination, so lifecycle events are never dropped.
func (s *Server) emit(ev Event) {
	s.events <- ev
}

func readMetadata(conn *websocket.Conn) (*connMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta connMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.ChannelID == "" {
		return nil, errors.New("missing channel_id")
	}
	return &meta, nil
}

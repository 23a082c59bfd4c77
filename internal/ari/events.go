package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/callgate/internal/metrics"
)

// EventKind enumerates the call-control events the bridge consumes. Anything
// else on the wire is logged and discarded.
type EventKind string

const (
	EventCallEntered   EventKind = "StasisStart"
	EventCallLeft      EventKind = "StasisEnd"
	EventStateChanged  EventKind = "ChannelStateChange"
	EventHangupRequest EventKind = "ChannelHangupRequest"
)

// Event is one decoded call-control event.
type Event struct {
	Kind         EventKind
	ChannelID    string
	ChannelName  string // technology-prefixed, e.g. "PJSIP/1000-00000001"
	ChannelState string
	CallerNumber string
	DialedExt    string
}

// rawEvent is the wire shape of events we care about.
type rawEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
		Caller struct {
			Number string `json:"number"`
		} `json:"caller"`
		Dialplan struct {
			Exten string `json:"exten"`
		} `json:"dialplan"`
	} `json:"channel"`
}

// decodeEvent parses one wire event. ok is false for event types the bridge
// does not consume.
func decodeEvent(data []byte) (Event, bool, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false, err
	}
	switch EventKind(raw.Type) {
	case EventCallEntered, EventCallLeft, EventStateChanged, EventHangupRequest:
	default:
		return Event{}, false, nil
	}
	return Event{
		Kind:         EventKind(raw.Type),
		ChannelID:    raw.Channel.ID,
		ChannelName:  raw.Channel.Name,
		ChannelState: raw.Channel.State,
		CallerNumber: raw.Channel.Caller.Number,
		DialedExt:    raw.Channel.Dialplan.Exten,
	}, true, nil
}

// Listen connects to the call-control event socket and streams decoded
// events until ctx is cancelled or the bounded reconnect budget is spent.
// The returned channel is closed on exit; the caller treats that as fatal.
func (c *Client) Listen(ctx context.Context) (<-chan Event, error) {
	conn, err := c.dialEvents(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 64)
	go c.pumpEvents(ctx, conn, events)
	return events, nil
}

func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.cfg.URL, "http")
	u := fmt.Sprintf("%s/ari/events?%s", wsURL, url.Values{
		"api_key": {c.cfg.Username + ":" + c.cfg.Password},
		"app":     {c.cfg.App},
	}.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ari events dial: %w", err)
	}
	return conn, nil
}

// connHolder lets the cancellation watcher close whichever socket is
// current after a reconnect.
type connHolder struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (h *connHolder) set(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn != nil && h.conn != conn {
		h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()
}

func (h *connHolder) close() {
	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close()
	}
	h.mu.Unlock()
}

func (c *Client) pumpEvents(ctx context.Context, conn *websocket.Conn, events chan<- Event) {
	defer close(events)

	holder := &connHolder{conn: conn}
	defer holder.close()

	attempts := 0
	go func() {
		<-ctx.Done()
		holder.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if attempts >= c.cfg.ReconnectAttempts {
				slog.Error("ari event socket closed", "error", err, "attempts", attempts)
				return
			}
			attempts++
			slog.Warn("ari event socket lost, reconnecting", "attempt", attempts, "error", err)
			time.Sleep(time.Second)
			next, dialErr := c.dialEvents(ctx)
			if dialErr != nil {
				slog.Error("ari event reconnect failed", "error", dialErr)
				return
			}
			holder.set(next)
			conn = next
			continue
		}

		ev, ok, err := decodeEvent(data)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("ari").Inc()
			slog.Warn("malformed ari event discarded", "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.ARIEvents.WithLabelValues(string(ev.Kind)).Inc()

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

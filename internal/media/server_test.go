package media

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/callgate/internal/audio"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]int16
}

func (r *recordingSink) SendAudio(pcm []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk := make([]int16, len(pcm))
	copy(chunk, pcm)
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func dialMedia(t *testing.T, srv *httptest.Server, channelID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	meta, _ := json.Marshal(connMetadata{ChannelID: channelID, Codec: "slin16", SampleRate: 16000})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, meta))
	return conn
}

func TestBindRejectsDuplicate(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Bind("chan-1", &recordingSink{}))
	assert.ErrorIs(t, s.Bind("chan-1", &recordingSink{}), ErrAlreadyBound)
}

func TestUnbindIsIdempotent(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Bind("chan-1", &recordingSink{}))
	s.Unbind("chan-1")
	s.Unbind("chan-1")
	require.NoError(t, s.Bind("chan-1", &recordingSink{}))
}

func TestInboundFrameResampledAndForwarded(t *testing.T) {
	s := NewServer(ServerConfig{})
	sink := &recordingSink{}
	require.NoError(t, s.Bind("chan-1", sink))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")

	waitForEvent(t, s, Connected, "chan-1")

	frame := make([]int16, audio.TelephonyFrameSamples)
	for i := range frame {
		frame[i] = int16(i)
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(frame)))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, sink.count())
	assert.Len(t, sink.chunks[0], 480) // 320 @16k -> 480 @24k
}

func TestMalformedFrameDroppedNotForwarded(t *testing.T) {
	s := NewServer(ServerConfig{})
	sink := &recordingSink{}
	require.NoError(t, s.Bind("chan-1", sink))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")
	waitForEvent(t, s, Connected, "chan-1")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})) // odd byte count
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(make([]int16, 320))))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, sink.count())
}

func TestShortFrameZeroPadded(t *testing.T) {
	s := NewServer(ServerConfig{})
	sink := &recordingSink{}
	require.NoError(t, s.Bind("chan-1", sink))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")
	waitForEvent(t, s, Connected, "chan-1")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16([]int16{5, 6})))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, sink.count())
	assert.Len(t, sink.chunks[0], 480)
}

func TestOutboundSendFramesAt16k(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Bind("chan-1", &recordingSink{}))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")
	waitForEvent(t, s, Connected, "chan-1")

	// 960 samples @24k -> 640 @16k -> two 320-sample frames.
	require.NoError(t, s.Send("chan-1", make([]int16, 960)))

	for range 2 {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, msgType)
		assert.Len(t, data, audio.TelephonyFrameSamples*2)
	}
}

func TestSendToUnboundChannelFails(t *testing.T) {
	s := NewServer(ServerConfig{})
	assert.ErrorIs(t, s.Send("nope", make([]int16, 480)), ErrNotConnected)
}

func TestDisconnectEmitsEvent(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Bind("chan-1", &recordingSink{}))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")
	waitForEvent(t, s, Connected, "chan-1")

	conn.Close()
	waitForEvent(t, s, Disconnected, "chan-1")
}

func TestInboundOrderingPreserved(t *testing.T) {
	s := NewServer(ServerConfig{})
	sink := &recordingSink{}
	require.NoError(t, s.Bind("chan-1", sink))

	srv := httptest.NewServer(s)
	defer srv.Close()
	conn := dialMedia(t, srv, "chan-1")
	waitForEvent(t, s, Connected, "chan-1")

	const n = 50
	for i := range n {
		frame := make([]int16, audio.TelephonyFrameSamples)
		frame[0] = int16(i)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(frame)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, n, sink.count())
	for i, chunk := range sink.chunks {
		assert.Equal(t, int16(i), chunk[0], "frame %d out of order", i)
	}
}

func TestLifecycleEventsNeverDropped(t *testing.T) {
	// Disconnected terminates the call; a burst past the channel buffer must
	// back-pressure the producer, not discard events.
	s := NewServer(ServerConfig{})

	const n = 200
	got := make(chan int)
	go func() {
		count := 0
		for range s.Events() {
			count++
			if count == n {
				got <- count
				return
			}
		}
	}()

	for range n {
		s.emit(Event{Kind: Disconnected, ChannelID: "chan-1"})
	}

	select {
	case count := <-got:
		assert.Equal(t, n, count)
	case <-time.After(2 * time.Second):
		t.Fatal("events lost under burst")
	}
}

func waitForEvent(t *testing.T, s *Server, kind EventKind, channelID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind && ev.ChannelID == channelID {
				return
			}
		case <-deadline:
			t.Fatalf("never saw %s for %s", kind, channelID)
		}
	}
}

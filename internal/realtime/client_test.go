package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/callgate/internal/audio"
	"github.com/voxbridge/callgate/internal/session"
)

// fakeAIServer is a WebSocket stand-in for the speech AI service. It records
// every client message and lets tests push server events.
type fakeAIServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []map[string]any
	conn     *websocket.Conn
	ready    chan struct{}
}

func newFakeAIServer(t *testing.T) *fakeAIServer {
	t.Helper()
	f := &fakeAIServer{ready: make(chan struct{})}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		close(f.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.mu.Lock()
				f.received = append(f.received, msg)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAIServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAIServer) push(t *testing.T, ev map[string]any) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(time.Second):
		t.Fatal("server connection never established")
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, data))
}

func (f *fakeAIServer) countByType(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (f *fakeAIServer) waitForType(t *testing.T, typ string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.countByType(typ) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %q messages (got %d)", want, typ, f.countByType(typ))
}

func dialTestClient(t *testing.T, f *fakeAIServer, cfg Config, invoker ToolInvoker) (*Client, *session.Registry, string) {
	t.Helper()
	reg := session.NewRegistry(0)
	sessionID, err := reg.Create("chan-test", "100", "200", session.DirectionInbound)
	require.NoError(t, err)

	cfg.URL = f.url()
	cfg.APIKey = "test-key"
	c, err := Dial(context.Background(), cfg, reg, sessionID, invoker)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// Drain surfaced events so emit never blocks.
	go func() {
		for range c.Events() {
		}
	}()
	return c, reg, sessionID
}

func TestDialSendsSessionUpdateFirst(t *testing.T) {
	f := newFakeAIServer(t)
	dialTestClient(t, f, Config{Voice: "alloy"}, nil)

	f.waitForType(t, "session.update", 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.received)
	assert.Equal(t, "session.update", f.received[0]["type"])
}

func TestDialFailsOnHandshakeError(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/realtime"}, session.NewRegistry(0), "s", nil)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestSendAudioAppends(t *testing.T) {
	f := newFakeAIServer(t)
	c, _, _ := dialTestClient(t, f, Config{}, nil)

	pcm := []int16{1, 2, 3, 4}
	c.SendAudio(pcm)
	f.waitForType(t, "input_audio_buffer.append", 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	var appendMsg map[string]any
	for _, m := range f.received {
		if m["type"] == "input_audio_buffer.append" {
			appendMsg = m
		}
	}
	require.NotNil(t, appendMsg)
	raw, err := base64.StdEncoding.DecodeString(appendMsg["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, pcm, audio.DecodePCM16(raw))
}

func TestSendAudioDropsOldestWhenQueueFull(t *testing.T) {
	// No write loop running: enqueue directly against a tiny queue.
	c := &Client{
		cfg:     Config{SendQueueSize: 2},
		audioCh: make(chan []byte, 2),
		done:    make(chan struct{}),
	}
	c.SendAudio([]int16{1})
	c.SendAudio([]int16{2})
	c.SendAudio([]int16{3}) // drops the chunk holding sample 1

	require.Len(t, c.audioCh, 2)
	first := <-c.audioCh
	var msg struct {
		Audio string `json:"audio"`
	}
	require.NoError(t, json.Unmarshal(first, &msg))
	raw, _ := base64.StdEncoding.DecodeString(msg.Audio)
	assert.Equal(t, []int16{2}, audio.DecodePCM16(raw))
}

func TestBargeInCancelsExactlyOnce(t *testing.T) {
	f := newFakeAIServer(t)
	c, reg, sessionID := dialTestClient(t, f, Config{}, nil)

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-1" })

	f.push(t, map[string]any{"type": "input_audio_buffer.speech_started"})
	f.waitForType(t, "response.cancel", 1)

	// A duplicate cancel for the same response must be a no-op.
	c.CancelResponse("resp-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.countByType("response.cancel"))

	s, ok := reg.GetBySession(sessionID)
	require.True(t, ok)
	assert.Empty(t, s.Audio.CurrentResponseID)
	assert.False(t, s.Audio.AssistantSpeaking)
}

func TestSpeechStartedWithoutResponseSendsNoCancel(t *testing.T) {
	f := newFakeAIServer(t)
	dialTestClient(t, f, Config{}, nil)

	f.push(t, map[string]any{"type": "input_audio_buffer.speech_started"})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.countByType("response.cancel"))
}

func TestDebounceFiresResponseCreate(t *testing.T) {
	f := newFakeAIServer(t)
	dialTestClient(t, f, Config{ResponseDebounce: 30 * time.Millisecond}, nil)

	f.push(t, map[string]any{"type": "input_audio_buffer.speech_stopped"})
	f.waitForType(t, "response.create", 1)
}

func TestDebounceCancelledByNewSpeech(t *testing.T) {
	f := newFakeAIServer(t)
	dialTestClient(t, f, Config{ResponseDebounce: 80 * time.Millisecond}, nil)

	f.push(t, map[string]any{"type": "input_audio_buffer.speech_stopped"})
	time.Sleep(20 * time.Millisecond)
	f.push(t, map[string]any{"type": "input_audio_buffer.speech_started"})

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, f.countByType("response.create"))
}

func TestResponseCreateRejectedWhileInFlight(t *testing.T) {
	f := newFakeAIServer(t)
	c, reg, sessionID := dialTestClient(t, f, Config{}, nil)

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-1" })

	c.requestResponse()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.countByType("response.create"))
}

type fakeInvoker struct {
	result string
	err    error

	mu    sync.Mutex
	calls []string
}

func (fi *fakeInvoker) Invoke(_ context.Context, name, args string) (string, error) {
	fi.mu.Lock()
	fi.calls = append(fi.calls, name+":"+args)
	fi.mu.Unlock()
	return fi.result, fi.err
}

func TestFunctionCallRelay(t *testing.T) {
	f := newFakeAIServer(t)
	inv := &fakeInvoker{result: "72 and sunny"}
	dialTestClient(t, f, Config{}, inv)

	f.push(t, map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-1",
		"name":      "weather",
		"arguments": `{"city":"Austin"}`,
	})

	f.waitForType(t, "conversation.item.create", 1)
	f.waitForType(t, "response.create", 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.received {
		if m["type"] == "conversation.item.create" {
			item := m["item"].(map[string]any)
			assert.Equal(t, "function_call_output", item["type"])
			assert.Equal(t, "call-1", item["call_id"])
			assert.Equal(t, "72 and sunny", item["output"])
		}
	}
	inv.mu.Lock()
	assert.Equal(t, []string{`weather:{"city":"Austin"}`}, inv.calls)
	inv.mu.Unlock()
}

func TestToolResponseDeferredUntilParentDone(t *testing.T) {
	// The function-call arguments arrive before the parent response.done, so
	// the post-tool response.create must wait for the parent to clear rather
	// than being rejected as a duplicate.
	f := newFakeAIServer(t)
	inv := &fakeInvoker{result: "transfer started"}
	_, reg, sessionID := dialTestClient(t, f, Config{}, inv)

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-fc"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-fc" })

	f.push(t, map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-3",
		"name":      "transfer_call",
		"arguments": `{"destination":"support"}`,
	})
	f.waitForType(t, "conversation.item.create", 1)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.countByType("response.create"), "create held while parent response in flight")

	f.push(t, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp-fc"}})
	f.waitForType(t, "response.create", 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.countByType("response.create"))
}

func TestFunctionCallSurfacedAsToolEvent(t *testing.T) {
	f := newFakeAIServer(t)
	inv := &fakeInvoker{result: "72 and sunny"}

	reg := session.NewRegistry(0)
	sessionID, err := reg.Create("chan-tool", "100", "200", session.DirectionInbound)
	require.NoError(t, err)
	c, err := Dial(context.Background(), Config{URL: f.url(), APIKey: "k"}, reg, sessionID, inv)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	f.push(t, map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-4",
		"name":      "weather",
		"arguments": `{}`,
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type != EventToolCall {
				continue
			}
			assert.Equal(t, "weather", ev.Name)
			assert.Equal(t, "72 and sunny", ev.Text)
			return
		case <-deadline:
			t.Fatal("no tool call event")
		}
	}
}

func TestFunctionCallFailureBecomesApology(t *testing.T) {
	f := newFakeAIServer(t)
	inv := &fakeInvoker{err: errors.New("backend down")}
	dialTestClient(t, f, Config{}, inv)

	f.push(t, map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-2",
		"name":      "weather",
		"arguments": `{}`,
	})

	f.waitForType(t, "conversation.item.create", 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.received {
		if m["type"] == "conversation.item.create" {
			item := m["item"].(map[string]any)
			assert.Contains(t, item["output"].(string), "sorry")
		}
	}
}

func TestAudioDeltaSurfacedDecoded(t *testing.T) {
	f := newFakeAIServer(t)

	reg := session.NewRegistry(0)
	sessionID, err := reg.Create("chan-audio", "100", "200", session.DirectionInbound)
	require.NoError(t, err)
	c, err := Dial(context.Background(), Config{URL: f.url(), APIKey: "k"}, reg, sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	pcm := []int16{100, -100, 3000}
	f.push(t, map[string]any{
		"type":        "response.audio.delta",
		"response_id": "resp-1",
		"delta":       base64.StdEncoding.EncodeToString(audio.EncodePCM16(pcm)),
	})

	select {
	case ev := <-c.Events():
		require.Equal(t, EventAudioDelta, ev.Type)
		assert.Equal(t, "resp-1", ev.ResponseID)
		assert.Equal(t, pcm, ev.Audio)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio delta event")
	}
}

func TestResponseDoneClearsInFlightState(t *testing.T) {
	f := newFakeAIServer(t)
	_, reg, sessionID := dialTestClient(t, f, Config{}, nil)

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-1" })

	f.push(t, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp-1"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool {
		return a.CurrentResponseID == "" && !a.AssistantSpeaking
	})
}

// Invariant check: at any point there is at most one in-flight response id.
func TestSingleResponseInFlightInvariant(t *testing.T) {
	f := newFakeAIServer(t)
	_, reg, sessionID := dialTestClient(t, f, Config{}, nil)

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-1" })

	f.push(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-2"}})
	waitForAudioState(t, reg, sessionID, func(a session.AudioState) bool { return a.CurrentResponseID == "resp-2" })

	s, ok := reg.GetBySession(sessionID)
	require.True(t, ok)
	require.NotNil(t, s.Audio.Response)
	assert.Equal(t, "resp-2", s.Audio.Response.ID)
}

func waitForAudioState(t *testing.T, reg *session.Registry, sessionID string, cond func(session.AudioState) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reg.GetBySession(sessionID); ok && cond(s.Audio) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audio state condition never met")
}

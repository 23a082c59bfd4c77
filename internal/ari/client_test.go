package ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventCallEntered(t *testing.T) {
	data := []byte(`{
		"type": "StasisStart",
		"channel": {
			"id": "abc123",
			"name": "PJSIP/1000-00000001",
			"state": "Ring",
			"caller": {"number": "9876543210"},
			"dialplan": {"exten": "500"}
		}
	}`)
	ev, ok, err := decodeEvent(data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventCallEntered, ev.Kind)
	assert.Equal(t, "abc123", ev.ChannelID)
	assert.Equal(t, "PJSIP/1000-00000001", ev.ChannelName)
	assert.Equal(t, "9876543210", ev.CallerNumber)
	assert.Equal(t, "500", ev.DialedExt)
}

func TestDecodeEventIgnoresUnknownTypes(t *testing.T) {
	_, ok, err := decodeEvent([]byte(`{"type": "ChannelVarset", "channel": {"id": "x"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeEventMalformed(t *testing.T) {
	_, _, err := decodeEvent([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeEventHangup(t *testing.T) {
	ev, ok, err := decodeEvent([]byte(`{"type": "ChannelHangupRequest", "channel": {"id": "abc123"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventHangupRequest, ev.Kind)
	assert.Equal(t, "abc123", ev.ChannelID)
}

// fakeARI records the REST calls the client makes.
type fakeARI struct {
	srv *httptest.Server

	requests []string
}

func newFakeARI(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *fakeARI {
	t.Helper()
	f := &fakeARI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok, "missing basic auth")
		require.Equal(t, "bridge", user)
		require.Equal(t, "secret", pass)
		f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		if respond != nil {
			respond(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeARI) client() *Client {
	return NewClient(Config{URL: f.srv.URL, Username: "bridge", Password: "secret", App: "voicebot"})
}

func TestAnswer(t *testing.T) {
	f := newFakeARI(t, nil)
	require.NoError(t, f.client().Answer(context.Background(), "chan-1"))
	require.Len(t, f.requests, 1)
	assert.Contains(t, f.requests[0], "POST /ari/channels/chan-1/answer")
}

func TestCreateBridgeReturnsID(t *testing.T) {
	f := newFakeARI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "br-9"})
	})
	id, err := f.client().CreateBridge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "br-9", id)
	assert.Contains(t, f.requests[0], "type=mixing")
}

func TestCreateSnoopUsesAppAndSpy(t *testing.T) {
	f := newFakeARI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "snoop-1"})
	})
	id, err := f.client().CreateSnoop(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "snoop-1", id)
	assert.Contains(t, f.requests[0], "app=voicebot")
	assert.Contains(t, f.requests[0], "spy=in")
}

func TestStartExternalMedia(t *testing.T) {
	f := newFakeARI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "em-1"})
	})
	id, err := f.client().StartExternalMedia(context.Background(), "media.local:8089", "slin16")
	require.NoError(t, err)
	assert.Equal(t, "em-1", id)
	assert.Contains(t, f.requests[0], "external_host=media.local%3A8089")
	assert.Contains(t, f.requests[0], "format=slin16")
}

func TestRedirect(t *testing.T) {
	f := newFakeARI(t, nil)
	require.NoError(t, f.client().Redirect(context.Background(), "chan-1", "PJSIP/agent"))
	require.Len(t, f.requests, 1)
	assert.Contains(t, f.requests[0], "POST /ari/channels/chan-1/redirect")
	assert.Contains(t, f.requests[0], "endpoint=PJSIP%2Fagent")
}

func TestNon2xxBecomesError(t *testing.T) {
	f := newFakeARI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Channel not found", http.StatusNotFound)
	})
	err := f.client().Answer(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Channel not found")
}

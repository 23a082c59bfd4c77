package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxContentLen = 2000

type traceMsg struct {
	kind string // "call_start", "event", "call_end"
	// call fields
	channelID string
	caller    string
	called    string
	reason    string
	// event fields
	event Event
}

// Tracer writes one call's trace asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver), so callers never need
// to check whether tracing is configured.
type Tracer struct {
	store  *Store
	callID string
	ch     chan traceMsg
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewTracer creates a tracer bound to a call. Returns nil when store is
// nil, which disables tracing for the call. Must call Close when done.
func NewTracer(store *Store, callID string) *Tracer {
	if store == nil {
		return nil
	}
	t := &Tracer{
		store:  store,
		callID: callID,
		ch:     make(chan traceMsg, 64),
		done:   make(chan struct{}),
	}
	go t.drain()
	return t
}

// send enqueues one message unless the tracer is closed. Recording methods
// may race with Close when the call's event loop is still draining, so the
// channel is only written while holding the read lock.
func (t *Tracer) send(m traceMsg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	t.ch <- m
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	var err error
	switch m.kind {
	case "call_start":
		err = t.store.CreateCall(t.callID, m.channelID, m.caller, m.called)
	case "event":
		err = t.store.CreateEvent(m.event)
	case "call_end":
		err = t.store.EndCall(t.callID, m.reason)
	default:
		return
	}
	if err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "call_id", t.callID, "error", err)
	}
}

// CallStarted records the call's identity at setup time.
func (t *Tracer) CallStarted(channelID, caller, called string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "call_start", channelID: channelID, caller: caller, called: called})
}

// Transcript records a finalized conversation turn.
func (t *Tracer) Transcript(role, text string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "event", event: Event{
		ID:      uuid.NewString(),
		CallID:  t.callID,
		Kind:    "transcript",
		Role:    role,
		Content: truncate(text, maxContentLen),
		At:      time.Now().UTC(),
	}})
}

// Interruption records the caller barging in over an assistant response.
func (t *Tracer) Interruption(responseID string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "event", event: Event{
		ID:      uuid.NewString(),
		CallID:  t.callID,
		Kind:    "interruption",
		Content: responseID,
		At:      time.Now().UTC(),
	}})
}

// ToolCall records a function-tool invocation and its outcome.
func (t *Tracer) ToolCall(name, result string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "event", event: Event{
		ID:      uuid.NewString(),
		CallID:  t.callID,
		Kind:    "tool_call",
		Role:    name,
		Content: truncate(result, maxContentLen),
		At:      time.Now().UTC(),
	}})
}

// CallEnded stamps the call's end and its termination reason.
func (t *Tracer) CallEnded(reason string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "call_end", reason: reason})
}

// Close drains pending writes and shuts down the background goroutine.
// Recording after Close is a no-op, never a panic. Idempotent.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

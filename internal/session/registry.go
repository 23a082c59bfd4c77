package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/callgate/internal/metrics"
)

// ErrDuplicateSession is returned when a channel already has an active session.
var ErrDuplicateSession = errors.New("session: channel already active")

// DefaultMaxCallDuration hard-terminates calls that run past it.
const DefaultMaxCallDuration = 3600 * time.Second

// Registry is the single source of truth for call sessions. All mutation goes
// through its update methods, which serialize per session; components never
// hold a *CallSession across calls.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*entry
	bySession map[string]string // sessionID -> channelID

	maxCallDuration time.Duration
}

type entry struct {
	mu sync.Mutex
	s  CallSession
}

// NewRegistry creates a registry. maxCallDuration <= 0 selects the default.
func NewRegistry(maxCallDuration time.Duration) *Registry {
	if maxCallDuration <= 0 {
		maxCallDuration = DefaultMaxCallDuration
	}
	return &Registry{
		byChannel:       make(map[string]*entry),
		bySession:       make(map[string]string),
		maxCallDuration: maxCallDuration,
	}
}

// Create registers a new session for channelID and returns its session id.
func (r *Registry) Create(channelID, caller, called string, direction Direction) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byChannel[channelID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, channelID)
	}

	sessionID := uuid.NewString()
	r.byChannel[channelID] = &entry{s: CallSession{
		ChannelID:    channelID,
		SessionID:    sessionID,
		CallerNumber: caller,
		CalledNumber: called,
		Direction:    direction,
		State:        StateInitializing,
		CreatedAt:    time.Now(),
	}}
	r.bySession[sessionID] = channelID

	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	slog.Info("session created", "session_id", sessionID, "channel_id", channelID, "caller", caller, "called", called)
	return sessionID, nil
}

// End transitions the session to terminated and removes it. Idempotent: a
// second call for the same session is a no-op.
func (r *Registry) End(sessionID string) {
	r.mu.Lock()
	channelID, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.byChannel[channelID]
	delete(r.bySession, sessionID)
	delete(r.byChannel, channelID)
	r.mu.Unlock()

	e.mu.Lock()
	e.s.State = StateTerminated
	e.s.EndedAt = time.Now()
	duration := e.s.EndedAt.Sub(e.s.CreatedAt)
	e.mu.Unlock()

	metrics.CallsActive.Dec()
	metrics.CallDuration.Observe(duration.Seconds())
	slog.Info("session ended", "session_id", sessionID, "channel_id", channelID, "duration_s", duration.Seconds())
}

// SetState advances the session's lifecycle state, validating the transition.
func (r *Registry) SetState(sessionID string, next State) {
	e := r.lookup(sessionID)
	if e == nil {
		slog.Warn("set state on missing session", "session_id", sessionID, "state", next)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ValidTransition(e.s.State, next) {
		slog.Warn("invalid state transition", "session_id", sessionID, "from", e.s.State, "to", next)
		return
	}
	e.s.State = next
}

// Update applies fn to the session under its lock. Missing sessions are
// logged, never an error: mutation after teardown must not crash the caller.
func (r *Registry) Update(sessionID string, fn func(*CallSession)) {
	e := r.lookup(sessionID)
	if e == nil {
		slog.Debug("update on missing session", "session_id", sessionID)
		return
	}
	e.mu.Lock()
	fn(&e.s)
	e.mu.Unlock()
}

// UpdateAudioState applies an atomic partial update to the session's audio
// flags. Same missing-session semantics as Update.
func (r *Registry) UpdateAudioState(sessionID string, fn func(*AudioState)) {
	e := r.lookup(sessionID)
	if e == nil {
		slog.Debug("audio state update on missing session", "session_id", sessionID)
		return
	}
	e.mu.Lock()
	fn(&e.s.Audio)
	e.s.LastAudioAt = time.Now()
	e.mu.Unlock()
}

// Get returns a copy of the session for channelID.
func (r *Registry) Get(channelID string) (CallSession, bool) {
	r.mu.RLock()
	e, ok := r.byChannel[channelID]
	r.mu.RUnlock()
	if !ok {
		return CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// GetBySession returns a copy of the session for sessionID.
func (r *Registry) GetBySession(sessionID string) (CallSession, bool) {
	e := r.lookup(sessionID)
	if e == nil {
		return CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// Snapshot returns copies of all active sessions for the debug endpoint.
func (r *Registry) Snapshot() []CallSession {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byChannel))
	for _, e := range r.byChannel {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s)
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

func (r *Registry) lookup(sessionID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channelID, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	return r.byChannel[channelID]
}

// StartSweeper force-ends sessions older than maxCallDuration through
// onExpired, which must run the same teardown path as a normal hangup.
// Runs until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration, onExpired func(channelID string)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(onExpired)
			}
		}
	}()
}

func (r *Registry) sweep(onExpired func(channelID string)) {
	cutoff := time.Now().Add(-r.maxCallDuration)

	r.mu.RLock()
	var expired []string
	for channelID, e := range r.byChannel {
		e.mu.Lock()
		if e.s.CreatedAt.Before(cutoff) {
			expired = append(expired, channelID)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, channelID := range expired {
		slog.Warn("max call duration exceeded, force ending", "channel_id", channelID)
		metrics.SweepTerminations.Inc()
		onExpired(channelID)
	}
}

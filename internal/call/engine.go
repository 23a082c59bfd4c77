// Package call is the call state machine: it consumes call-control events,
// provisions bridge/snoop/media resources, and wires the audio transport to
// the AI session client for the lifetime of each call.
package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxbridge/callgate/internal/ari"
	"github.com/voxbridge/callgate/internal/media"
	"github.com/voxbridge/callgate/internal/metrics"
	"github.com/voxbridge/callgate/internal/realtime"
	"github.com/voxbridge/callgate/internal/session"
	"github.com/voxbridge/callgate/internal/trace"
)

// Flow selects the call-flow strategy for provisioning audio.
type Flow string

const (
	// FlowBridgeSnoop joins the caller into a mixing bridge, taps it with a
	// snoop channel, and binds external media to the bridge.
	FlowBridgeSnoop Flow = "bridge_snoop"
	// FlowDirectMedia binds external media straight to the caller's channel.
	FlowDirectMedia Flow = "direct_media"
)

// CallControl is the subset of call-control commands the engine drives.
// *ari.Client satisfies it.
type CallControl interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context) (string, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	DeleteBridge(ctx context.Context, bridgeID string) error
	CreateSnoop(ctx context.Context, channelID string) (string, error)
	StartExternalMedia(ctx context.Context, mediaHost, format string) (string, error)
}

// MediaBridge is the audio transport surface the engine provisions per call.
// *media.Server satisfies it.
type MediaBridge interface {
	Bind(id string, sink media.FrameSink) error
	Unbind(id string)
	Send(id string, pcm []int16) error
}

// AISession is one live connection to the speech AI service.
// *realtime.Client satisfies it.
type AISession interface {
	Events() <-chan realtime.Event
	SendAudio(pcm []int16)
	CancelResponse(responseID string)
	ClearInputBuffer()
	Close()
}

// AIDialer opens an AI session for a call.
type AIDialer func(ctx context.Context, sessionID string) (AISession, error)

// Config holds engine settings and collaborator handles.
type Config struct {
	Flow        Flow
	MediaHost   string // host:port the PBX streams external media to
	MediaFormat string // telephony wire format, e.g. slin16

	Transfer TransferService // optional
	Customer CustomerData    // optional
	Trace    *trace.Store    // optional
}

// Engine orchestrates calls. It owns the other three components' resources
// and is the only place that releases them on teardown.
type Engine struct {
	cfg      Config
	control  CallControl
	mediaSrv MediaBridge
	registry *session.Registry
	dialAI   AIDialer

	mu         sync.Mutex
	calls      map[string]*callContext // keyed by caller channel id
	byMediaKey map[string]string       // media binding id -> channel id
	aux        map[string]bool         // snoop/media channel ids to ignore
}

// callContext is the per-call state owned by the engine.
type callContext struct {
	channelID string
	sessionID string
	bridgeID  string
	snoopID   string
	mediaID   string
	mediaKey  string

	cancel context.CancelFunc
	tracer *trace.Tracer

	aiMu   sync.RWMutex
	ai     AISession
	aiDone chan struct{} // closed when aiLoop exits

	teardownOnce sync.Once
}

// SendAudio implements media.FrameSink: inbound telephony audio (already at
// the AI rate) goes straight to the AI session once it exists. Frames that
// arrive before the session is up are dropped, never queued.
func (cc *callContext) SendAudio(pcm []int16) {
	cc.aiMu.RLock()
	ai := cc.ai
	cc.aiMu.RUnlock()
	if ai == nil {
		metrics.FramesDropped.WithLabelValues("no_ai_session").Inc()
		return
	}
	ai.SendAudio(pcm)
}

func (cc *callContext) setAI(ai AISession) {
	cc.aiMu.Lock()
	cc.ai = ai
	cc.aiDone = make(chan struct{})
	cc.aiMu.Unlock()
}

// NewEngine creates the call state machine.
func NewEngine(cfg Config, control CallControl, mediaSrv MediaBridge, registry *session.Registry, dialAI AIDialer) *Engine {
	if cfg.Flow == "" {
		cfg.Flow = FlowBridgeSnoop
	}
	if cfg.MediaFormat == "" {
		cfg.MediaFormat = "slin16"
	}
	return &Engine{
		cfg:        cfg,
		control:    control,
		mediaSrv:   mediaSrv,
		registry:   registry,
		dialAI:     dialAI,
		calls:      make(map[string]*callContext),
		byMediaKey: make(map[string]string),
		aux:        make(map[string]bool),
	}
}

// Run consumes call-control and media-transport events until ctx is
// cancelled or the call-control event stream closes (fatal).
func (e *Engine) Run(ctx context.Context, ariEvents <-chan ari.Event, mediaEvents <-chan media.Event) {
	for {
		select {
		case <-ctx.Done():
			e.shutdownAll("shutdown")
			return
		case ev, ok := <-ariEvents:
			if !ok {
				slog.Error("call-control event stream closed, shutting down calls")
				e.shutdownAll("control_lost")
				return
			}
			e.handleControlEvent(ctx, ev)
		case mev := <-mediaEvents:
			e.handleMediaEvent(mev)
		}
	}
}

func (e *Engine) handleControlEvent(ctx context.Context, ev ari.Event) {
	if e.isAux(ev.ChannelID) || isAuxChannelName(ev.ChannelName) {
		return
	}

	switch ev.Kind {
	case ari.EventCallEntered:
		go e.startCall(ctx, ev)
	case ari.EventCallLeft, ari.EventHangupRequest:
		e.Teardown(ev.ChannelID, "hangup")
	case ari.EventStateChanged:
		slog.Debug("channel state", "channel_id", ev.ChannelID, "state", ev.ChannelState)
	}
}

func (e *Engine) handleMediaEvent(mev media.Event) {
	e.mu.Lock()
	channelID, ok := e.byMediaKey[mev.ChannelID]
	e.mu.Unlock()
	if !ok {
		return
	}

	switch mev.Kind {
	case media.Connected:
		slog.Info("media path up", "channel_id", channelID)
	case media.Disconnected:
		// Authoritative: lost media ends the call, no retries.
		slog.Warn("media path lost", "channel_id", channelID)
		e.Teardown(channelID, "media_lost")
	}
}

// startCall drives call setup: answer, provision audio resources per the
// call-flow strategy, register the session, and open the AI connection.
// Any failure tears the call down.
func (e *Engine) startCall(ctx context.Context, ev ari.Event) {
	sessionID, err := e.registry.Create(ev.ChannelID, ev.CallerNumber, ev.DialedExt, session.DirectionInbound)
	if err != nil {
		slog.Error("session create", "channel_id", ev.ChannelID, "error", err)
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	cc := &callContext{
		channelID: ev.ChannelID,
		sessionID: sessionID,
		cancel:    cancel,
		tracer:    trace.NewTracer(e.cfg.Trace, sessionID),
	}
	e.mu.Lock()
	e.calls[ev.ChannelID] = cc
	e.mu.Unlock()

	cc.tracer.CallStarted(ev.ChannelID, ev.CallerNumber, ev.DialedExt)

	if err := e.provision(callCtx, cc, ev); err != nil {
		slog.Error("call setup failed", "channel_id", ev.ChannelID, "error", err)
		e.Teardown(ev.ChannelID, "setup_failed")
		return
	}

	e.registry.SetState(sessionID, session.StateConversing)
	slog.Info("call conversing", "channel_id", ev.ChannelID, "session_id", sessionID)
}

func (e *Engine) provision(ctx context.Context, cc *callContext, ev ari.Event) error {
	if err := e.control.Answer(ctx, ev.ChannelID); err != nil {
		return err
	}
	e.registry.SetState(cc.sessionID, session.StateAnswered)

	mediaKey := ev.ChannelID
	if e.cfg.Flow == FlowBridgeSnoop {
		bridgeID, err := e.control.CreateBridge(ctx)
		if err != nil {
			return err
		}
		cc.bridgeID = bridgeID

		if err = e.control.AddChannelToBridge(ctx, bridgeID, ev.ChannelID); err != nil {
			return err
		}

		snoopID, err := e.control.CreateSnoop(ctx, ev.ChannelID)
		if err != nil {
			return err
		}
		cc.snoopID = snoopID
		e.markAux(snoopID)
		mediaKey = bridgeID
	}
	cc.mediaKey = mediaKey

	if err := e.mediaSrv.Bind(mediaKey, cc); err != nil {
		return err
	}
	e.mu.Lock()
	e.byMediaKey[mediaKey] = ev.ChannelID
	e.mu.Unlock()

	mediaID, err := e.control.StartExternalMedia(ctx, e.cfg.MediaHost, e.cfg.MediaFormat)
	if err != nil {
		return err
	}
	cc.mediaID = mediaID
	e.markAux(mediaID)
	e.registry.SetState(cc.sessionID, session.StateMediaConnected)

	e.registry.Update(cc.sessionID, func(s *session.CallSession) {
		s.BridgeID = cc.bridgeID
		s.SnoopID = cc.snoopID
		s.ExternalMediaID = mediaID
	})

	if e.cfg.Customer != nil {
		if err := e.cfg.Customer.StartSession(ctx, cc.sessionID, ev.CallerNumber); err != nil {
			slog.Warn("customer session start", "session_id", cc.sessionID, "error", err)
		}
	}

	ai, err := e.dialAI(ctx, cc.sessionID)
	if err != nil {
		return err
	}
	cc.setAI(ai)
	go e.aiLoop(cc, ai)
	return nil
}

// aiLoop consumes events from the AI session until it disconnects or the
// call ends. Assistant audio is forwarded to the telephony side in order.
// Teardown waits on aiDone so the tracer outlives every event in flight.
func (e *Engine) aiLoop(cc *callContext, ai AISession) {
	defer close(cc.aiDone)
	for ev := range ai.Events() {
		switch ev.Type {
		case realtime.EventAudioDelta:
			if err := e.mediaSrv.Send(cc.mediaKey, ev.Audio); err != nil {
				metrics.FramesDropped.WithLabelValues("outbound_write").Inc()
				slog.Debug("outbound audio drop", "channel_id", cc.channelID, "error", err)
			}
		case realtime.EventSpeechStarted:
			if ev.ResponseID != "" {
				cc.tracer.Interruption(ev.ResponseID)
			}
		case realtime.EventUserTranscript:
			cc.tracer.Transcript("user", ev.Text)
		case realtime.EventResponseDone:
			if ev.Text != "" {
				cc.tracer.Transcript("assistant", ev.Text)
			}
		case realtime.EventResponseCancelled:
			if ev.Text != "" {
				cc.tracer.Transcript("assistant_partial", ev.Text)
			}
		case realtime.EventToolCall:
			cc.tracer.ToolCall(ev.Name, ev.Text)
		case realtime.EventError:
			// Single bad events don't end the call; the socket closing does.
			slog.Warn("ai session error", "channel_id", cc.channelID, "error", ev.Err)
		case realtime.EventDisconnected:
			slog.Error("ai session lost", "channel_id", cc.channelID, "error", ev.Err)
			// Teardown joins this loop via aiDone, so it must run outside it.
			go e.Teardown(cc.channelID, "ai_disconnected")
			return
		}
	}
}

// RequestTransfer delegates handoff to the transfer collaborator and marks
// the session ending once the collaborator confirms. Transfer internals are
// not the engine's business.
func (e *Engine) RequestTransfer(ctx context.Context, channelID, destination string, kind TransferKind) (string, error) {
	if e.cfg.Transfer == nil {
		return "", ErrNoTransferService
	}
	transferID, err := e.cfg.Transfer.RequestTransfer(ctx, channelID, destination, kind)
	if err != nil {
		return "", err
	}

	if s, ok := e.registry.Get(channelID); ok {
		e.registry.SetState(s.SessionID, session.StateEnding)
	}

	// The assistant is done listening: drop any uncommitted caller audio.
	e.mu.Lock()
	cc := e.calls[channelID]
	e.mu.Unlock()
	if cc != nil {
		cc.aiMu.RLock()
		ai := cc.ai
		cc.aiMu.RUnlock()
		if ai != nil {
			ai.ClearInputBuffer()
		}
	}

	slog.Info("transfer confirmed", "channel_id", channelID, "transfer_id", transferID, "destination", destination)
	return transferID, nil
}

// TeardownByChannel is the sweep hook: same path as a normal hangup.
func (e *Engine) TeardownByChannel(channelID string) {
	e.Teardown(channelID, "max_duration")
}

func (e *Engine) shutdownAll(reason string) {
	e.mu.Lock()
	channels := make([]string, 0, len(e.calls))
	for id := range e.calls {
		channels = append(channels, id)
	}
	e.mu.Unlock()
	for _, id := range channels {
		e.Teardown(id, reason)
	}
}

func (e *Engine) markAux(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	e.aux[id] = true
	e.mu.Unlock()
}

func (e *Engine) isAux(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aux[id]
}

// isAuxChannelName recognizes snoop and external-media channels from their
// technology prefix. The PBX can deliver their StasisStart before the REST
// call that created them returns, so id bookkeeping alone is not enough.
func isAuxChannelName(name string) bool {
	return strings.HasPrefix(name, "Snoop/") || strings.HasPrefix(name, "UnicastRTP/")
}

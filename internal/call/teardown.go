package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxbridge/callgate/internal/metrics"
	"github.com/voxbridge/callgate/internal/session"
)

// ErrNoTransferService is returned when a transfer is requested but no
// collaborator is configured.
var ErrNoTransferService = errors.New("call: no transfer service configured")

const teardownStepTimeout = 5 * time.Second

// Teardown releases a call's resources in fixed order. Every step is
// independently fault-tolerant: a failure is logged and teardown continues.
// Runs at most once per call; later invocations are no-ops.
func (e *Engine) Teardown(channelID, reason string) {
	e.mu.Lock()
	cc, ok := e.calls[channelID]
	e.mu.Unlock()
	if !ok {
		return
	}

	cc.teardownOnce.Do(func() {
		slog.Info("tearing down call", "channel_id", channelID, "reason", reason)
		e.registry.SetState(cc.sessionID, session.StateEnding)

		// Stop the call's tasks before releasing resources.
		cc.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), teardownStepTimeout)
		defer cancel()

		if reason != "hangup" {
			e.step("hangup_caller", func() error { return e.control.Hangup(ctx, channelID) })
		}
		if cc.mediaID != "" {
			e.step("release_media", func() error { return e.control.Hangup(ctx, cc.mediaID) })
		}
		if cc.snoopID != "" {
			e.step("release_snoop", func() error { return e.control.Hangup(ctx, cc.snoopID) })
		}
		if cc.bridgeID != "" {
			e.step("release_bridge", func() error { return e.control.DeleteBridge(ctx, cc.bridgeID) })
		}

		cc.aiMu.RLock()
		ai := cc.ai
		aiDone := cc.aiDone
		cc.aiMu.RUnlock()
		if ai != nil {
			e.step("close_ai", func() error { ai.Close(); return nil })
			// Wait for the event loop to finish draining before the tracer
			// (and the rest of the call's state) goes away underneath it.
			if aiDone != nil {
				<-aiDone
			}
		}

		if cc.mediaKey != "" {
			e.mediaSrv.Unbind(cc.mediaKey)
		}

		if e.cfg.Customer != nil {
			if err := e.cfg.Customer.EndSession(ctx, cc.sessionID, reason); err != nil {
				slog.Warn("customer session end", "session_id", cc.sessionID, "error", err)
			}
		}

		e.registry.End(cc.sessionID)

		cc.tracer.CallEnded(reason)
		cc.tracer.Close()

		e.mu.Lock()
		delete(e.calls, channelID)
		delete(e.byMediaKey, cc.mediaKey)
		delete(e.aux, cc.snoopID)
		delete(e.aux, cc.mediaID)
		e.mu.Unlock()

		slog.Info("call torn down", "channel_id", channelID, "session_id", cc.sessionID)
	})
}

// step runs one teardown action, logging and counting failures but never
// aborting the sequence.
func (e *Engine) step(name string, fn func() error) {
	if err := fn(); err != nil {
		metrics.TeardownStepFailures.WithLabelValues(name).Inc()
		slog.Error("teardown step failed, continuing", "step", name, "error", err)
	}
}

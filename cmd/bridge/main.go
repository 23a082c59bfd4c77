package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/callgate/internal/ari"
	"github.com/voxbridge/callgate/internal/call"
	"github.com/voxbridge/callgate/internal/media"
	"github.com/voxbridge/callgate/internal/prompts"
	"github.com/voxbridge/callgate/internal/realtime"
	"github.com/voxbridge/callgate/internal/session"
	"github.com/voxbridge/callgate/internal/tools"
	"github.com/voxbridge/callgate/internal/trace"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	if cfg.openaiKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}

	var traceStore *trace.Store
	if cfg.traceDB != "" {
		store, err := trace.Open(cfg.traceDB)
		if err != nil {
			slog.Warn("trace store unavailable, continuing without tracing", "error", err)
		} else {
			traceStore = store
			defer store.Close()
			slog.Info("call tracing enabled")
		}
	}

	registry := session.NewRegistry(cfg.maxCallDuration)
	mediaSrv := media.NewServer(media.ServerConfig{
		MaxConnections: cfg.maxConnections,
		TargetRMS:      cfg.targetRMS,
	})
	ariClient := ari.NewClient(ari.Config{
		URL:               cfg.ariURL,
		Username:          cfg.ariUsername,
		Password:          cfg.ariPassword,
		App:               cfg.ariApp,
		ReconnectAttempts: cfg.ariReconnects,
	})

	var knowledge *tools.KnowledgeTool
	if cfg.knowledgeModel != "off" {
		knowledge = tools.NewKnowledgeTool(cfg.openaiKey, cfg.knowledgeModel)
	}

	// The dialer closes over the engine so the transfer tool can reach it;
	// the engine is constructed below, before any call can arrive.
	var engine *call.Engine
	dialAI := func(ctx context.Context, sessionID string) (call.AISession, error) {
		reg := tools.NewRegistry()
		if knowledge != nil {
			reg.Register(knowledge)
		}
		if cfg.transferEndpoint != "" {
			reg.Register(tools.NewTransferTool(func(ctx context.Context, destination, kind string) (string, error) {
				s, ok := registry.GetBySession(sessionID)
				if !ok {
					return "", errors.New("no active call for session")
				}
				return engine.RequestTransfer(ctx, s.ChannelID, destination, call.TransferKind(kind))
			}))
		}

		client, err := realtime.Dial(ctx, realtime.Config{
			URL:              cfg.realtimeURL,
			APIKey:           cfg.openaiKey,
			Voice:            cfg.voice,
			Instructions:     prompts.ForCall(cfg.instructions),
			Tools:            reg.Defs(),
			VADThreshold:     cfg.vadThreshold,
			VADSilenceMs:     cfg.vadSilenceMs,
			VADPrefixMs:      cfg.vadPrefixMs,
			ResponseDebounce: cfg.responseDebounce,
			Reconnect:        cfg.aiReconnect,
		}, registry, sessionID, reg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	var transferSvc call.TransferService
	if cfg.transferEndpoint != "" {
		transferSvc = &ariTransfer{client: ariClient, fallback: cfg.transferEndpoint}
	}

	engine = call.NewEngine(call.Config{
		Flow:        cfg.callFlow,
		MediaHost:   cfg.mediaHost,
		MediaFormat: cfg.mediaFormat,
		Transfer:    transferSvc,
		Trace:       traceStore,
	}, ariClient, mediaSrv, registry, dialAI)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	ariEvents, err := ariClient.Listen(runCtx)
	if err != nil {
		slog.Error("ari event socket", "error", err)
		os.Exit(1)
	}

	registry.StartSweeper(runCtx, cfg.sweepInterval, engine.TeardownByChannel)
	go engine.Run(runCtx, ariEvents, mediaSrv.Events())

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		mediaSrv:   mediaSrv,
		registry:   registry,
		traceStore: traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)

		// Cancelling the run context drains every active call through the
		// normal teardown path before the listener stops.
		stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("bridge starting", "addr", addr, "app", cfg.ariApp, "flow", cfg.callFlow)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("bridge stopped")
}

// ariTransfer is a blind-transfer adapter over the PBX redirect command.
// Attended transfers are downgraded to blind with a warning.
type ariTransfer struct {
	client   *ari.Client
	fallback string
}

func (t *ariTransfer) RequestTransfer(ctx context.Context, channelID, destination string, kind call.TransferKind) (string, error) {
	if destination == "" {
		destination = t.fallback
	}
	if kind == call.TransferAttended {
		slog.Warn("attended transfer not supported, doing blind", "channel_id", channelID)
	}
	if err := t.client.Redirect(ctx, channelID, destination); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

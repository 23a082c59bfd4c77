package main

import (
	"time"

	"github.com/voxbridge/callgate/internal/call"
	"github.com/voxbridge/callgate/internal/env"
	"github.com/voxbridge/callgate/internal/session"
)

type config struct {
	port string

	ariURL           string
	ariUsername      string
	ariPassword      string
	ariApp           string
	ariReconnects    int
	callFlow         call.Flow
	transferEndpoint string

	mediaHost      string
	mediaFormat    string
	maxConnections int
	targetRMS      float64

	openaiKey        string
	realtimeURL      string
	voice            string
	instructions     string
	knowledgeModel   string
	vadThreshold     float64
	vadSilenceMs     int
	vadPrefixMs      int
	responseDebounce time.Duration
	aiReconnect      bool

	maxCallDuration time.Duration
	sweepInterval   time.Duration
	traceDB         string
}

func loadConfig() config {
	return config{
		port: env.Str("BRIDGE_PORT", "8089"),

		ariURL:           env.Str("ARI_URL", "http://localhost:8088"),
		ariUsername:      env.Str("ARI_USERNAME", "asterisk"),
		ariPassword:      env.Str("ARI_PASSWORD", ""),
		ariApp:           env.Str("ARI_APP", "callgate"),
		ariReconnects:    env.Int("ARI_RECONNECT_ATTEMPTS", 5),
		callFlow:         call.Flow(env.Str("CALL_FLOW", string(call.FlowBridgeSnoop))),
		transferEndpoint: env.Str("TRANSFER_ENDPOINT", ""),

		mediaHost:      env.Str("MEDIA_HOST", "localhost:8089"),
		mediaFormat:    env.Str("MEDIA_FORMAT", "slin16"),
		maxConnections: env.Int("MAX_CONCURRENT_CALLS", 100),
		targetRMS:      env.Float("TARGET_RMS", 0),

		openaiKey:        env.Str("OPENAI_API_KEY", ""),
		realtimeURL:      env.Str("REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		voice:            env.Str("REALTIME_VOICE", "alloy"),
		instructions:     env.Str("REALTIME_INSTRUCTIONS", ""),
		knowledgeModel:   env.Str("KNOWLEDGE_MODEL", ""),
		vadThreshold:     env.Float("VAD_THRESHOLD", 0.5),
		vadSilenceMs:     env.Int("VAD_SILENCE_MS", 500),
		vadPrefixMs:      env.Int("VAD_PREFIX_MS", 300),
		responseDebounce: env.Duration("RESPONSE_DEBOUNCE", 10*time.Second),
		aiReconnect:      env.Bool("AI_RECONNECT", true),

		maxCallDuration: env.Duration("MAX_CALL_DURATION", session.DefaultMaxCallDuration),
		sweepInterval:   env.Duration("SWEEP_INTERVAL", time.Minute),
		traceDB:         env.Str("TRACE_DATABASE_URL", ""),
	}
}

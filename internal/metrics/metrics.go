package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_calls_total",
		Help: "Total calls handled",
	})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_call_duration_seconds",
		Help:    "Call duration from answer to teardown",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	FramesInbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_frames_inbound_total",
		Help: "Telephony audio frames forwarded to the AI service",
	})

	FramesOutbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_frames_outbound_total",
		Help: "AI audio frames written to the telephony side",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_frames_dropped_total",
		Help: "Audio frames dropped by reason",
	}, []string{"reason"})

	AudioQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ai_audio_queue_drops_total",
		Help: "Outbound AI audio chunks dropped because the send queue was full",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_barge_ins_total",
		Help: "Assistant responses cancelled by caller speech",
	})

	ResponsesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ai_responses_created_total",
		Help: "AI responses requested",
	})

	ResponsesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ai_responses_cancelled_total",
		Help: "AI responses cancelled before completion",
	})

	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tool_invocations_total",
		Help: "Function-tool invocations by tool name",
	}, []string{"tool"})

	ToolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tool_errors_total",
		Help: "Function-tool failures by tool name",
	}, []string{"tool"})

	TeardownStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_teardown_step_failures_total",
		Help: "Teardown steps that failed and were skipped",
	}, []string{"step"})

	SweepTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sweep_terminations_total",
		Help: "Calls force-ended by the max-duration sweep",
	})

	ARIEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ari_events_total",
		Help: "Call-control events received by type",
	}, []string{"type"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_protocol_errors_total",
		Help: "Malformed or unexpected events discarded by source",
	}, []string{"source"})
)

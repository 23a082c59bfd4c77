package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/callgate/internal/media"
	"github.com/voxbridge/callgate/internal/session"
	"github.com/voxbridge/callgate/internal/trace"
)

const defaultTraceCallLimit = 20

type deps struct {
	mediaSrv   *media.Server
	registry   *session.Registry
	traceStore *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux. The media
// endpoint is the one the PBX dials for external-media streams.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/media", d.mediaSrv)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active":   len(sessions),
		"sessions": sessions,
	})
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/calls", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceCallLimit)
		offset := queryInt(r, "offset", 0)
		calls, total, err := store.ListCalls(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"calls": calls, "total": total})
	})

	mux.HandleFunc("GET /api/traces/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		c, events, err := store.GetCall(r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"call": c, "events": events})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Package tools holds the function tools the AI can call mid-conversation
// and the registry that dispatches invocations by name.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxbridge/callgate/internal/metrics"
	"github.com/voxbridge/callgate/internal/realtime"
)

// Tool is one function exposed to the AI.
type Tool interface {
	Def() realtime.ToolDef
	Execute(ctx context.Context, args string) (string, error)
}

// Registry dispatches tool invocations by name. It satisfies
// realtime.ToolInvoker.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Def().Name] = t
	r.mu.Unlock()
}

// Defs returns the schemas of all registered tools for session configuration.
func (r *Registry) Defs() []realtime.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]realtime.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Def())
	}
	return defs
}

// Invoke runs the named tool with the raw JSON arguments from the AI.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		metrics.ToolErrors.WithLabelValues(name).Inc()
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}

	metrics.ToolInvocations.WithLabelValues(name).Inc()
	out, err := t.Execute(ctx, args)
	if err != nil {
		metrics.ToolErrors.WithLabelValues(name).Inc()
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	return out, nil
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxbridge/callgate/internal/realtime"
)

// TransferFunc hands the current call to a destination. It is bound to a
// specific call when the tool is constructed.
type TransferFunc func(ctx context.Context, destination, kind string) (string, error)

// TransferTool lets the AI hand the caller off to a human or queue.
type TransferTool struct {
	transfer TransferFunc
}

// NewTransferTool creates a transfer tool bound to one call.
func NewTransferTool(transfer TransferFunc) *TransferTool {
	return &TransferTool{transfer: transfer}
}

func (t *TransferTool) Def() realtime.ToolDef {
	return realtime.ToolDef{
		Name:        "transfer_call",
		Description: "Transfer the caller to a human agent or named destination. Use when the caller asks for a person or the conversation needs escalation.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"destination": {"type": "string", "description": "Extension, queue, or agent to transfer to."},
				"kind": {"type": "string", "enum": ["blind", "attended"], "description": "Transfer style. Defaults to blind."}
			},
			"required": ["destination"]
		}`),
	}
}

func (t *TransferTool) Execute(ctx context.Context, args string) (string, error) {
	var in struct {
		Destination string `json:"destination"`
		Kind        string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if in.Destination == "" {
		return "", errors.New("empty destination")
	}
	if in.Kind == "" {
		in.Kind = "blind"
	}

	transferID, err := t.transfer(ctx, in.Destination, in.Kind)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return fmt.Sprintf("Transfer to %s started (reference %s). Tell the caller you are connecting them now.", in.Destination, transferID), nil
}

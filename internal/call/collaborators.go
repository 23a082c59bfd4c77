package call

import "context"

// TransferKind selects how a call is handed to a human agent.
type TransferKind string

const (
	TransferBlind    TransferKind = "blind"
	TransferAttended TransferKind = "attended"
)

// TransferService is the external collaborator owning call-transfer logic.
// The engine only requests a handoff and marks the session ending once the
// collaborator confirms.
type TransferService interface {
	RequestTransfer(ctx context.Context, channelID, destination string, kind TransferKind) (transferID string, err error)
}

// CustomerData is the external collaborator owning customer records. Both
// calls are best-effort from the engine's point of view.
type CustomerData interface {
	StartSession(ctx context.Context, sessionID, phone string) error
	EndSession(ctx context.Context, sessionID, outcome string) error
}

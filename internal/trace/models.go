package trace

import "time"

// Call is one traced telephone call.
type Call struct {
	ID         string     `json:"id"` // session id
	ChannelID  string     `json:"channel_id"`
	Caller     string     `json:"caller"`
	Called     string     `json:"called"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	EventCount int        `json:"event_count,omitempty"`
}

// Event is one conversation event within a call: a finalized transcript
// turn, an interruption, or a tool invocation.
type Event struct {
	ID      string    `json:"id"`
	CallID  string    `json:"call_id"`
	Kind    string    `json:"kind"` // transcript, interruption, tool_call
	Role    string    `json:"role,omitempty"`
	Content string    `json:"content,omitempty"`
	At      time.Time `json:"at"`
}

package session

import "time"

// State is the lifecycle state of a call session.
type State string

const (
	StateInitializing   State = "initializing"
	StateAnswered       State = "answered"
	StateMediaConnected State = "media_connected"
	StateConversing     State = "conversing"
	StateEnding         State = "ending"
	StateTerminated     State = "terminated"
)

// transitions maps each state to the states it may advance to. Any state may
// additionally jump to StateEnding (error, hangup, timeout); see ValidTransition.
var transitions = map[State][]State{
	StateInitializing:   {StateAnswered},
	StateAnswered:       {StateMediaConnected},
	StateMediaConnected: {StateConversing},
	StateConversing:     {},
	StateEnding:         {StateTerminated},
	StateTerminated:     {},
}

// ValidTransition reports whether a session may move from one state to next.
func ValidTransition(from, next State) bool {
	if next == StateEnding {
		return from != StateTerminated
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// Direction indicates which party originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ResponseStatus is the lifecycle status of one in-flight AI response.
type ResponseStatus string

const (
	ResponseCreated   ResponseStatus = "created"
	ResponseStreaming ResponseStatus = "streaming"
	ResponseDone      ResponseStatus = "done"
	ResponseCancelled ResponseStatus = "cancelled"
)

// ResponseState tracks one AI response while it is in flight. It exists only
// while AudioState.CurrentResponseID is set and is dropped once the status
// reaches done or cancelled.
type ResponseState struct {
	ID         string
	Status     ResponseStatus
	Transcript string
}

// AudioState holds the per-session turn-taking flags. At most one of
// CurrentResponseID / no response is in flight; CurrentResponseID is non-empty
// only while AssistantSpeaking is true or a response has just been created.
type AudioState struct {
	UserSpeaking       bool
	AssistantSpeaking  bool
	WaitingForResponse bool
	CurrentResponseID  string
	Response           *ResponseState
}

// CallSession represents one active call.
type CallSession struct {
	ChannelID       string     `json:"channel_id"`
	SessionID       string     `json:"session_id"`
	BridgeID        string     `json:"bridge_id,omitempty"`
	SnoopID         string     `json:"snoop_id,omitempty"`
	ExternalMediaID string     `json:"external_media_id,omitempty"`
	CallerNumber    string     `json:"caller_number"`
	CalledNumber    string     `json:"called_number"`
	Direction       Direction  `json:"direction"`
	State           State      `json:"state"`
	Audio           AudioState `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         time.Time  `json:"ended_at,omitempty"`
	LastAudioAt     time.Time  `json:"last_audio_at,omitempty"`
}

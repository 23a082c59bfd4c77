package realtime

import "encoding/json"

// serverEventType enumerates the protocol event types the client understands.
// Decoding switches exhaustively over these; anything else is a protocol
// error, logged and discarded.
type serverEventType string

const (
	evSessionCreated          serverEventType = "session.created"
	evSessionUpdated          serverEventType = "session.updated"
	evSpeechStarted           serverEventType = "input_audio_buffer.speech_started"
	evSpeechStopped           serverEventType = "input_audio_buffer.speech_stopped"
	evTranscriptionCompleted  serverEventType = "conversation.item.input_audio_transcription.completed"
	evResponseCreated         serverEventType = "response.created"
	evResponseAudioDelta      serverEventType = "response.audio.delta"
	evResponseTranscriptDelta serverEventType = "response.audio_transcript.delta"
	evResponseDone            serverEventType = "response.done"
	evResponseCancelled       serverEventType = "response.cancelled"
	evFunctionArgsDone        serverEventType = "response.function_call_arguments.done"
	evError                   serverEventType = "error"
)

// serverEvent is the superset wire shape of server->client events.
type serverEvent struct {
	Type       serverEventType  `json:"type"`
	EventID    string           `json:"event_id,omitempty"`
	Delta      string           `json:"delta,omitempty"`
	ItemID     string           `json:"item_id,omitempty"`
	CallID     string           `json:"call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Arguments  string           `json:"arguments,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	ResponseID string           `json:"response_id,omitempty"`
	Response   *responsePayload `json:"response,omitempty"`
	Error      *apiError        `json:"error,omitempty"`
}

type responsePayload struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type apiError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventType classifies events surfaced to the call state machine.
type EventType string

const (
	EventSessionReady      EventType = "session_ready"
	EventSpeechStarted     EventType = "speech_started"
	EventSpeechStopped     EventType = "speech_stopped"
	EventUserTranscript    EventType = "user_transcript"
	EventResponseCreated   EventType = "response_created"
	EventAudioDelta        EventType = "audio_delta"
	EventTranscriptDelta   EventType = "transcript_delta"
	EventResponseDone      EventType = "response_done"
	EventResponseCancelled EventType = "response_cancelled"
	EventToolCall          EventType = "tool_call"
	EventError             EventType = "error"
	EventDisconnected      EventType = "disconnected"
)

// Event is one AI-side occurrence surfaced to the call state machine. Audio
// deltas carry decoded PCM16 at the AI sample rate (24 kHz). Tool calls
// carry the function name and its result text.
type Event struct {
	Type       EventType
	ResponseID string
	Audio      []int16
	Text       string
	Name       string
	Err        error
}

// ToolDef describes one function exposed to the AI in session configuration.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

package realtime

import "encoding/json"

// Client->server message payloads. Each builder returns the marshalled frame
// so callers hand bytes straight to the writer goroutine.

type sessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Instructions            string         `json:"instructions"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection"`
	Tools                   []toolSchema   `json:"tools,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
}

type toolSchema struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func marshalSessionUpdate(cfg Config) ([]byte, error) {
	tools := make([]toolSchema, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, toolSchema{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return json.Marshal(map[string]any{
		"type": "session.update",
		"session": sessionConfig{
			Modalities:              []string{"text", "audio"},
			Voice:                   cfg.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			Instructions:            cfg.Instructions,
			InputAudioTranscription: &transcription{Model: "whisper-1"},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				SilenceDurationMs: cfg.VADSilenceMs,
				PrefixPaddingMs:   cfg.VADPrefixMs,
			},
			Tools: tools,
		},
	})
}

func marshalAudioAppend(b64 string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	})
}

func marshalAudioClear() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "input_audio_buffer.clear"})
}

func marshalResponseCreate() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "response.create"})
}

func marshalResponseCancel() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "response.cancel"})
}

func marshalFunctionOutput(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/voxbridge/callgate/internal/realtime"
)

const knowledgeSystemPrompt = "You answer questions for a voice assistant on a phone call. " +
	"Reply in one or two short sentences of plain prose suitable for being read aloud. " +
	"No markdown, no lists."

// KnowledgeTool answers factual questions the voice model cannot, by
// delegating to a text completion model out of band.
type KnowledgeTool struct {
	client openai.Client
	model  string
}

// NewKnowledgeTool creates the tool. model may be empty for a default.
func NewKnowledgeTool(apiKey, model string) *KnowledgeTool {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &KnowledgeTool{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (k *KnowledgeTool) Def() realtime.ToolDef {
	return realtime.ToolDef{
		Name:        "knowledge_lookup",
		Description: "Look up a factual answer to a question the assistant cannot answer directly.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The question to answer."}
			},
			"required": ["query"]
		}`),
	}
}

func (k *KnowledgeTool) Execute(ctx context.Context, args string) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if in.Query == "" {
		return "", errors.New("empty query")
	}

	resp, err := k.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: k.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(knowledgeSystemPrompt),
			openai.UserMessage(in.Query),
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices")
	}
	return resp.Choices[0].Message.Content, nil
}

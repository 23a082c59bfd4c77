// Package prompts holds the instruction text for the voice assistant.
package prompts

const DefaultInstructions = "You are a friendly phone assistant. Speak naturally and keep answers " +
	"short, a sentence or two, since the caller hears you rather than reads you. " +
	"If the caller asks a factual question you are unsure about, use the " +
	"knowledge_lookup tool. If they ask for a person or the call needs a human, " +
	"use the transfer_call tool. Never mention tools or that you are an AI system " +
	"unless asked directly."

// ForCall resolves the final instructions for a call, preferring the
// operator-configured text when set.
func ForCall(configured string) string {
	if configured != "" {
		return configured
	}
	return DefaultInstructions
}

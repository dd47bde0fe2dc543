// Package aistream implements the AI stream orchestrator: a per-
// conversation state machine that streams tokens from an external
// completion provider into a synthesized AI_RESPONSE message, with
// cancellation and regeneration.
package aistream

import "context"

// ContextMessage is one turn of conversation history handed to a Provider;
// Role is "system", "user", or "assistant".
type ContextMessage struct {
	Role    string
	Content string
}

// Chunk is one unit of streamed output. Err set and Text empty signals a
// terminal provider failure; the channel is closed after either a failing
// Chunk or a clean completion.
type Chunk struct {
	Text string
	Err  error
}

// Provider adapts an external completion service into the orchestrator's
// streaming contract. The core never depends on a specific vendor; the
// default implementation is OpenAIProvider.
type Provider interface {
	Stream(ctx context.Context, messages []ContextMessage, systemPrompt string) (<-chan Chunk, error)
}

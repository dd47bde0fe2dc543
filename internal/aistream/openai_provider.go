package aistream

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	batchInterval = 50 * time.Millisecond
	batchTokens   = 32
)

// OpenAIProvider streams chat completions from OpenAI using
// github.com/sashabaranov/go-openai's CreateChatCompletionStream so
// tokens can be forwarded as they arrive. Raw provider deltas are batched
// to a minimum granularity (50ms or 32 accumulated runes, whichever comes
// first) before being handed to the caller, so a verbose model doesn't
// flood the outbound socket queue with one frame per token.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider against the given API key and model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []ContextMessage, systemPrompt string) (<-chan Chunk, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: chatMessages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go p.pump(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	var pending []rune
	lastFlush := time.Now()

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		select {
		case out <- Chunk{Text: string(pending)}:
			pending = pending[:0]
			lastFlush = time.Now()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			return
		}
		if err != nil {
			flush()
			select {
			case out <- Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		pending = append(pending, []rune(delta)...)
		if len(pending) >= batchTokens || time.Since(lastFlush) >= batchInterval {
			if !flush() {
				return
			}
		}
	}
}

// EchoProvider is a deterministic test double: it streams back the last
// user message verbatim, one rune at a time, with no network dependency.
// Used by AI_PROVIDER=echo.
type EchoProvider struct{}

func (EchoProvider) Stream(ctx context.Context, messages []ContextMessage, systemPrompt string) (<-chan Chunk, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			last = messages[i].Content
			break
		}
	}
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		for _, r := range last {
			select {
			case out <- Chunk{Text: string(r)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Package session owns the lifetime of one call: it assembles the pipeline,
// supervises the task, and extracts the post-call record.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxmedica/voxmedica/src/services"
)

// CompletionClient is the one-shot (non-streaming) model client used for
// context summaries and post-call extraction. It is separate from the
// streaming LLM processors: those live inside the pipeline, this one is
// called synchronously from outside it.
type CompletionClient struct {
	client openai.Client
	model  string
}

// NewCompletionClient builds a client for the given model. Pass an empty
// model for a sensible default.
func NewCompletionClient(apiKey, model string) *CompletionClient {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &CompletionClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete runs a single system+user exchange and returns the model's text.
func (c *CompletionClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Summarize condenses a conversation into one paragraph. It satisfies the
// flow manager's Summarizer contract for the reset-with-summary strategy.
func (c *CompletionClient) Summarize(ctx context.Context, messages []services.LLMMessage) (string, error) {
	transcript := TranscriptText(messages)
	if transcript == "" {
		return "", nil
	}
	return c.Complete(ctx,
		"Summarize the following phone conversation between a clinic assistant and a caller in one short paragraph. Keep every concrete fact the assistant still needs: patient identity, chosen exam, dates, times, outcomes.",
		transcript,
	)
}

// TranscriptText renders the conversational turns of a context as plain
// text, one "role: content" line per turn. System preambles and tool
// plumbing are skipped.
func TranscriptText(messages []services.LLMMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if msg.Content == "" {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

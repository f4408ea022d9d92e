package insight

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/pkg/logger"
)

// Narrator optionally rephrases the deterministic summary through an LLM.
// The pipeline works without it; callers fall back to the original summary
// on any error, so narration never gates a turn.
type Narrator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func NewNarrator(apiKey, model string, temperature float32, maxTokens, timeoutSec int) *Narrator {
	logger.Info("Insight narrator initialized", zap.String("model", model))

	return &Narrator{
		client:      openai.NewClient(apiKey),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     time.Duration(timeoutSec) * time.Second,
	}
}

func (n *Narrator) Narrate(ctx context.Context, question, summary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	systemPrompt := `You are a software-delivery analytics assistant. Rewrite the given factual summary as a short, friendly answer to the user's question.

Rules:
1. Keep every number exactly as given; never invent or adjust figures.
2. Keep statements about missing, undefined or truncated data.
3. Two sentences at most.`

	userPrompt := fmt.Sprintf("Question: %s\n\nFactual summary: %s", question, summary)

	resp, err := n.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: n.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			Temperature: n.temperature,
			MaxTokens:   n.maxTokens,
		},
	)

	if err != nil {
		return "", fmt.Errorf("failed to narrate insight: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty narration response")
	}

	logger.Debug("Insight narrated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

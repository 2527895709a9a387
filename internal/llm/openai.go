package llm

import (
	"context"
	"errors"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// Client is what the handoff summariser needs from a language model.
// Triage decisions never go through it.
type Client interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// OpenAIClient calls the OpenAI chat completion API for summaries.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient reads OPENAI_API_KEY and OPENAI_MODEL_SUMMARY.  It returns
// nil when no key is configured so callers can leave summaries disabled.
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil
	}
	model := os.Getenv("OPENAI_MODEL_SUMMARY")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}
}

// Summarize sends the prompt with a Vietnamese system message and returns the
// first choice.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Bạn là trợ lý ghi chú cho nhân viên tiếp đón bệnh viện. Trả lời bằng tiếng Việt."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

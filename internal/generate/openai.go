package generate

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// defaultModel is spelled out as a literal; the client library only
// grows named constants for models released before it was tagged.
const defaultModel = "gpt-4o-mini"

// OpenAIGenerator produces replies through the OpenAI chat completion
// API. One instance is shared by the dispatcher and the follow-up
// scheduler.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(apiKey, model string, timeout time.Duration) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAIGenerator{client: openai.NewClient(apiKey), model: model, timeout: timeout}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	system, user := BuildMessages(req)
	resp, err := g.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: 0.7,
		MaxTokens:   200,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return Clean(resp.Choices[0].Message.Content)
}

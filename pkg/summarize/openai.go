package summarize

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI summarizes conversations with an OpenAI chat model.
type OpenAI struct {
	client openai.Client
	model  openai.ChatModel
}

func NewOpenAI(apiKey string, model openai.ChatModel) *OpenAI {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *OpenAI) Summarize(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	prompt := fmt.Sprintf(summaryPrompt, renderTurns(turns))
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summarize: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

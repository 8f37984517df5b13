package provider

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI is a Provider backed by the OpenAI chat completions API.
// It also serves any OpenAI-compatible endpoint via a custom apiBase.
type OpenAI struct {
	model  string
	client *openai.Client
}

// NewOpenAI creates an OpenAI adapter. An empty apiKey falls back to
// OPENAI_API_KEY; an empty apiBase uses the public endpoint.
func NewOpenAI(model, apiKey, apiBase string) *OpenAI {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		cfg.BaseURL = apiBase
	}
	return &OpenAI{
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Model returns the model identifier.
func (o *OpenAI) Model() string {
	return o.model
}

// Generate calls the chat completions API.
func (o *OpenAI) Generate(ctx context.Context, messages []Message) (string, Usage, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("chat completion returned no choices")
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

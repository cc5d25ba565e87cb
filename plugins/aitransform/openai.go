package aitransform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChat captures the subset of the OpenAI SDK the provider uses. It is
// satisfied by *openai.ChatCompletionService so tests can pass a stub.
type OpenAIChat interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider generates transforms through the OpenAI Chat Completions
// API.
type OpenAIProvider struct {
	chat  OpenAIChat
	model string
}

// NewOpenAIProvider builds a provider from an OpenAI chat completions client.
func NewOpenAIProvider(chat OpenAIChat, defaultModel string) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai default model is required")
	}
	return &OpenAIProvider{chat: chat, model: defaultModel}, nil
}

// NewOpenAIProviderFromAPIKey builds a provider using the default OpenAI
// HTTP client.
func NewOpenAIProviderFromAPIKey(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIProvider(&client.Chat.Completions, defaultModel)
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Input != "" && req.Instructions != "" {
		messages = []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
			openai.UserMessage(req.Input),
		}
	} else {
		user := req.Input
		if user == "" {
			user = req.Instructions
		}
		messages = []openai.ChatCompletionMessageParamUnion{openai.UserMessage(user)}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenAIProvider)(nil)

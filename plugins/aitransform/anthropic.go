package aitransform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicMessages captures the subset of the Anthropic SDK the provider
// uses. It is satisfied by *sdk.MessageService so tests can pass a stub.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider generates transforms through the Anthropic Messages API.
type AnthropicProvider struct {
	msg   AnthropicMessages
	model string
}

// NewAnthropicProvider builds a provider from an Anthropic Messages client.
func NewAnthropicProvider(msg AnthropicMessages, defaultModel string) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic default model is required")
	}
	return &AnthropicProvider{msg: msg, model: defaultModel}, nil
}

// NewAnthropicProviderFromAPIKey builds a provider using the default
// Anthropic HTTP client.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, defaultModel)
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate implements Provider. The instructions become the system prompt
// when an input is present, and the user message otherwise.
func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	user := req.Input
	if user == "" {
		user = req.Instructions
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if req.Input != "" && req.Instructions != "" {
		params.System = []sdk.TextBlockParam{{Text: req.Instructions}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return reply.String(), nil
}

var _ Provider = (*AnthropicProvider)(nil)

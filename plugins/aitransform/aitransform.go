// Package aitransform implements the AI transform plugin. It sends each
// input item together with the configured prompt to a model provider and
// emits the provider's reply on the out port, one item per input. Replies
// that look like JSON documents are decoded so downstream expressions can
// address their fields.
//
// Providers (Anthropic, OpenAI, Bedrock) are wired at worker startup; nodes
// pick one through the provider parameter and fall back to the plugin's
// default.
package aitransform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/plugin"
)

// ID is the registry key of the AI transform plugin.
const ID = "aitransform"

// Ports.
const (
	PortIn  = "in"
	PortOut = "out"
)

// ErrRateLimited marks provider failures caused by throttling or transient
// upstream unavailability. Providers wrap their SDK errors with it so Execute
// classifies the invocation as retryable.
var ErrRateLimited = errors.New("model provider rate limited")

type (
	// GenerateRequest is one model call: the node's instructions, the item
	// being transformed rendered as text, and the sampling parameters.
	GenerateRequest struct {
		// Instructions is the node's configured prompt.
		Instructions string

		// Input is the item data rendered as text. Empty for pure generation
		// when the node has no inputs.
		Input string

		// Model overrides the provider's default model when non-empty.
		Model string

		// MaxTokens caps the completion length. Always positive.
		MaxTokens int

		// Temperature is the sampling temperature. Zero means provider
		// default.
		Temperature float64
	}

	// Provider generates a completion for one transform request. Rate limited
	// and transient upstream failures are reported wrapped in ErrRateLimited.
	Provider interface {
		// Name identifies the provider in node configuration.
		Name() string

		// Generate returns the model's reply text.
		Generate(ctx context.Context, req GenerateRequest) (string, error)
	}

	// Options configures the AI transform plugin.
	Options struct {
		// Providers are the model backends available to nodes. At least one
		// is required.
		Providers []Provider

		// DefaultProvider names the provider used when a node does not pick
		// one. Defaults to the first provider.
		DefaultProvider string

		// DefaultModel is passed to providers when a node does not pick a
		// model. Empty defers to each provider's own default.
		DefaultModel string

		// MaxTokens is the default completion cap. Defaults to 1024.
		MaxTokens int

		// Temperature is the default sampling temperature.
		Temperature float64
	}

	// Plugin is the AI transform plugin. Safe for concurrent invocations.
	Plugin struct {
		providers       map[string]Provider
		defaultProvider string
		defaultModel    string
		maxTokens       int
		temperature     float64
	}
)

var configSchema = json.RawMessage(`{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"provider": {"type": "string"},
		"model": {"type": "string"},
		"maxTokens": {"type": "integer", "minimum": 1},
		"temperature": {"type": "number", "minimum": 0}
	}
}`)

var inputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"in": {"type": "array"}
	}
}`)

var outputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"out": {"type": "array"}
	}
}`)

// New returns an AI transform plugin backed by the given providers.
func New(opts Options) (*Plugin, error) {
	if len(opts.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	providers := make(map[string]Provider, len(opts.Providers))
	for _, prov := range opts.Providers {
		name := prov.Name()
		if name == "" {
			return nil, errors.New("provider name is required")
		}
		if _, exists := providers[name]; exists {
			return nil, fmt.Errorf("provider %q registered twice", name)
		}
		providers[name] = prov
	}
	defaultProvider := opts.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = opts.Providers[0].Name()
	}
	if _, ok := providers[defaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultProvider)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Plugin{
		providers:       providers,
		defaultProvider: defaultProvider,
		defaultModel:    opts.DefaultModel,
		maxTokens:       maxTokens,
		temperature:     opts.Temperature,
	}, nil
}

// Definition implements plugin.Plugin.
func (p *Plugin) Definition() plugin.Definition {
	return plugin.Definition{
		ID:           ID,
		Name:         "AI Transform",
		Version:      "1.0.0",
		ConfigSchema: configSchema,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}
}

// Execute transforms every input item through the selected provider. With no
// inputs it runs the prompt once as pure generation.
func (p *Plugin) Execute(ctx context.Context, req plugin.Request) (*plugin.Output, error) {
	prompt, _ := req.Config["prompt"].(string)
	if prompt == "" {
		return nil, execerrors.New(execerrors.KindPluginFatal, "prompt is required")
	}
	providerName := stringConfig(req.Config, "provider", p.defaultProvider)
	provider, ok := p.providers[providerName]
	if !ok {
		return nil, execerrors.Newf(execerrors.KindPluginFatal, "provider %q is not configured", providerName)
	}

	generate := GenerateRequest{
		Instructions: prompt,
		Model:        stringConfig(req.Config, "model", p.defaultModel),
		MaxTokens:    intConfig(req.Config, "maxTokens", p.maxTokens),
		Temperature:  floatConfig(req.Config, "temperature", p.temperature),
	}

	inputs := req.Inputs[PortIn]
	if len(inputs) == 0 {
		text, err := provider.Generate(ctx, generate)
		if err != nil {
			return nil, classifyProviderError(providerName, err)
		}
		return &plugin.Output{Ports: map[string][]any{PortOut: {parseReply(text)}}}, nil
	}

	values := make([]any, 0, len(inputs))
	for _, item := range inputs {
		itemReq := generate
		itemReq.Input = renderInput(item.Data)
		text, err := provider.Generate(ctx, itemReq)
		if err != nil {
			return nil, classifyProviderError(providerName, err)
		}
		values = append(values, parseReply(text))
	}
	return &plugin.Output{Ports: map[string][]any{PortOut: values}}, nil
}

func classifyProviderError(provider string, err error) error {
	kind := execerrors.KindPluginFatal
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		kind = execerrors.KindPluginRetryable
	}
	return execerrors.Wrap(kind, fmt.Sprintf("provider %s", provider), err)
}

// renderInput serializes item data for the model: strings pass through,
// everything else is JSON encoded.
func renderInput(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(encoded)
}

// parseReply decodes replies that are JSON documents so downstream nodes can
// address their fields; plain text passes through unchanged.
func parseReply(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var value any
		if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
			return value
		}
	}
	return text
}

func stringConfig(config map[string]any, key, fallback string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func intConfig(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func floatConfig(config map[string]any, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

var _ plugin.Plugin = (*Plugin)(nil)

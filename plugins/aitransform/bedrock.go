package aitransform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// BedrockRuntime captures the subset of the AWS Bedrock runtime client the
// provider uses. It is satisfied by *bedrockruntime.Client so tests can pass
// a stub.
type BedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider generates transforms through the AWS Bedrock Converse API.
type BedrockProvider struct {
	runtime BedrockRuntime
	model   string
}

// NewBedrockProvider builds a provider from a Bedrock runtime client.
func NewBedrockProvider(runtime BedrockRuntime, defaultModel string) (*BedrockProvider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock default model is required")
	}
	return &BedrockProvider{runtime: runtime, model: defaultModel}, nil
}

// Name implements Provider.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Generate implements Provider.
func (p *BedrockProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	user := req.Input
	if user == "" {
		user = req.Instructions
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: user}},
		}},
	}
	if req.Input != "" && req.Instructions != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.Instructions},
		}
	}
	var cfg brtypes.InferenceConfiguration
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		if isBedrockThrottle(err) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("bedrock converse: %w", err)
	}

	message, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock converse returned no message")
	}
	var reply strings.Builder
	for _, block := range message.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			reply.WriteString(text.Value)
		}
	}
	return reply.String(), nil
}

// isBedrockThrottle reports whether err is a throttling or transient
// upstream failure.
func isBedrockThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusTooManyRequests || status >= 500
	}
	return false
}

var _ Provider = (*BedrockProvider)(nil)

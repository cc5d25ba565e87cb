package aitransform

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	out       *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.out, s.err
}

func converseReply(texts ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]brtypes.ContentBlock, 0, len(texts))
	for _, text := range texts {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			},
		},
	}
}

func TestBedrockGenerateBuildsConverseInput(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: converseReply("Hello", " world")}
	prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
	require.NoError(t, err)

	reply, err := prov.Generate(context.Background(), GenerateRequest{
		Instructions: "Summarize.",
		Input:        `{"a":1}`,
		Model:        "amazon.nova-pro",
		MaxTokens:    256,
		Temperature:  0.2,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello world", reply)

	input := stub.lastInput
	require.Equal(t, "amazon.nova-pro", aws.ToString(input.ModelId))
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	text, ok := input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	require.True(t, ok)
	require.Equal(t, `{"a":1}`, text.Value)
	require.Len(t, input.System, 1)
	system, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	require.Equal(t, "Summarize.", system.Value)
	require.NotNil(t, input.InferenceConfig)
	require.Equal(t, int32(256), aws.ToInt32(input.InferenceConfig.MaxTokens))
	require.Equal(t, float32(0.2), aws.ToFloat32(input.InferenceConfig.Temperature))
}

func TestBedrockPureGenerationOmitsSystemAndInference(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: converseReply("a poem")}
	prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = prov.Generate(context.Background(), GenerateRequest{Instructions: "Write a poem."})
	require.NoError(t, err)

	input := stub.lastInput
	require.Equal(t, "anthropic.claude-3", aws.ToString(input.ModelId))
	require.Empty(t, input.System)
	require.Nil(t, input.InferenceConfig)
	text, ok := input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	require.True(t, ok)
	require.Equal(t, "Write a poem.", text.Value)
}

func TestBedrockThrottleCodesAreRateLimited(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException"} {
		stub := &stubRuntime{err: &smithy.GenericAPIError{Code: code, Message: "slow down"}}
		prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
		require.NoError(t, err)

		_, err = prov.Generate(context.Background(), GenerateRequest{Instructions: "go"})
		require.ErrorIs(t, err, ErrRateLimited, "code %s", code)
	}
}

func TestBedrockHTTPThrottleIsRateLimited(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{err: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
		Err:      errors.New("service unavailable"),
	}}
	prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = prov.Generate(context.Background(), GenerateRequest{Instructions: "go"})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestBedrockValidationErrorIsNotRateLimited(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"}}
	prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = prov.Generate(context.Background(), GenerateRequest{Instructions: "go"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRateLimited)
	require.ErrorContains(t, err, "bedrock converse")
}

func TestBedrockMissingMessageIsError(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: &bedrockruntime.ConverseOutput{}}
	prov, err := NewBedrockProvider(stub, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = prov.Generate(context.Background(), GenerateRequest{Instructions: "go"})
	require.EqualError(t, err, "bedrock converse returned no message")
}

func TestNewBedrockProviderValidates(t *testing.T) {
	t.Parallel()

	_, err := NewBedrockProvider(nil, "anthropic.claude-3")
	require.Error(t, err)

	_, err = NewBedrockProvider(&stubRuntime{}, "")
	require.Error(t, err)
}

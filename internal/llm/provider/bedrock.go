package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

const bedrockDefaultModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// ConverseClient is the subset of *bedrockruntime.Client the adapter uses.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockConfig configures a BedrockProvider. Credentials come from the
// default AWS chain.
type BedrockConfig struct {
	Region string
	Retry  *RetryPolicy
}

// BedrockProvider implements Provider on the AWS Bedrock Converse API.
type BedrockProvider struct {
	runtime ConverseClient
	retry   RetryPolicy
}

// NewBedrockProvider loads the default AWS config and creates a runtime
// client.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	// RetryPolicy is the only retry loop.
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRetryMaxAttempts(1)}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	p := NewBedrockProviderFromClient(bedrockruntime.NewFromConfig(awsCfg))
	if cfg.Retry != nil {
		p.retry = *cfg.Retry
	}
	return p, nil
}

// NewBedrockProviderFromClient wraps an existing runtime client.
func NewBedrockProviderFromClient(runtime ConverseClient) *BedrockProvider {
	return &BedrockProvider{runtime: runtime, retry: DefaultRetryPolicy}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion creates a completion
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	input := buildConverseInput(req)
	out, err := withRetry(ctx, p.retry, "Bedrock", func(ctx context.Context) (*bedrockruntime.ConverseOutput, error) {
		out, err := p.runtime.Converse(ctx, input)
		if err != nil {
			return nil, wrapBedrockError(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return translateConverse(out)
}

// CreateStructured creates a completion and returns its text as Data. The
// Converse API has no schema-constrained mode for text output.
func (p *BedrockProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	resp, err := p.CreateCompletion(ctx, req.CompletionRequest)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse{
		Data:               json.RawMessage(strings.TrimSpace(resp.Content)),
		CompletionResponse: *resp,
	}, nil
}

func buildConverseInput(req CompletionRequest) *bedrockruntime.ConverseInput {
	model := req.Model
	if model == "" {
		model = bedrockDefaultModel
	}
	system, turns := systemAndTurns(req.Messages)

	msgs := make([]brtypes.Message, 0, len(turns))
	for _, m := range turns {
		role := brtypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: msgs,
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}

	var cfg brtypes.InferenceConfiguration
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}
	return input
}

func translateConverse(out *bedrockruntime.ConverseOutput) (*CompletionResponse, error) {
	if out == nil {
		return nil, NewProviderError("bedrock", ErrorCodeEmptyResponse, "response is nil", nil)
	}
	var b strings.Builder
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				b.WriteString(text.Value)
			}
		}
	}

	resp := &CompletionResponse{
		Content:      b.String(),
		FinishReason: string(out.StopReason),
		Raw:          out,
	}
	if u := out.Usage; u != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	if out.StopReason == brtypes.StopReasonContentFiltered || out.StopReason == brtypes.StopReasonGuardrailIntervened {
		return nil, NewProviderError("bedrock", ErrorCodeContentFiltered, "response blocked: "+string(out.StopReason), nil)
	}
	return resp, nil
}

func wrapBedrockError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var (
		status int
		code   = ErrorCodeUnknown
		msg    = err.Error()
		typ    string
	)
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
		code = statusCode(status)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		typ = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
		switch typ {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			code = ErrorCodeRateLimit
		case "ModelTimeoutException":
			code = ErrorCodeTimeout
		case "ResourceNotFoundException":
			code = ErrorCodeModelNotFound
		case "AccessDeniedException":
			code = ErrorCodeAuthentication
		case "ValidationException":
			code = ErrorCodeInvalidRequest
		case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
			code = ErrorCodeServerError
		}
	}

	return &ProviderError{
		Provider:      "bedrock",
		Code:          code,
		Message:       msg,
		Type:          typ,
		StatusCode:    status,
		IsRetryable:   isRetryableError(code),
		OriginalError: err,
	}
}

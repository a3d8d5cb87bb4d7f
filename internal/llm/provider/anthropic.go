package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel     = "claude-3-5-haiku-latest"
	anthropicDefaultMaxTokens = 1024
)

// MessagesClient is the subset of the Anthropic SDK used by the adapter. It
// is satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Retry   *RetryPolicy
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
// Structured requests rely on the response contract in the system prompt;
// the Messages API has no schema-constrained mode.
type AnthropicProvider struct {
	msg   MessagesClient
	retry RetryPolicy
}

// NewAnthropicProvider creates a provider backed by the Anthropic SDK.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by RetryPolicy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	p := NewAnthropicProviderFromClient(&client.Messages)
	if cfg.Retry != nil {
		p.retry = *cfg.Retry
	}
	return p, nil
}

// NewAnthropicProviderFromClient wraps an existing messages client.
func NewAnthropicProviderFromClient(msg MessagesClient) *AnthropicProvider {
	return &AnthropicProvider{msg: msg, retry: DefaultRetryPolicy}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// CreateCompletion creates a completion
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := withRetry(ctx, p.retry, "Anthropic", func(ctx context.Context) (*sdk.Message, error) {
		msg, err := p.msg.New(ctx, params)
		if err != nil {
			return nil, wrapAnthropicError(err)
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return translateAnthropic(msg)
}

// CreateStructured creates a completion and returns its text as Data.
func (p *AnthropicProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	resp, err := p.CreateCompletion(ctx, req.CompletionRequest)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse{
		Data:               json.RawMessage(strings.TrimSpace(resp.Content)),
		CompletionResponse: *resp,
	}, nil
}

func (p *AnthropicProvider) buildParams(req CompletionRequest) (sdk.MessageNewParams, error) {
	system, turns := systemAndTurns(req.Messages)

	msgs := make([]sdk.MessageParam, 0, len(turns))
	for _, m := range turns {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}

	model := req.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func translateAnthropic(msg *sdk.Message) (*CompletionResponse, error) {
	if msg == nil {
		return nil, NewProviderError("anthropic", ErrorCodeEmptyResponse, "response message is nil", nil)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &CompletionResponse{
		Content:      b.String(),
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		Raw: msg,
	}, nil
}

func wrapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := statusCode(apiErr.StatusCode)
		if apiErr.StatusCode == 529 {
			code = ErrorCodeServerError
		}
		return &ProviderError{
			Provider:      "anthropic",
			Code:          code,
			Message:       err.Error(),
			StatusCode:    apiErr.StatusCode,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return NewProviderError("anthropic", ErrorCodeUnknown, err.Error(), err)
}

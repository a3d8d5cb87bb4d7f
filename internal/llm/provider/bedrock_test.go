package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
)

type fakeConverse struct {
	inputs []*bedrockruntime.ConverseInput
	out    *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func converseOutput(text string, reason brtypes.StopReason) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		}},
		StopReason: reason,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(40),
			OutputTokens: aws.Int32(9),
			TotalTokens:  aws.Int32(49),
		},
	}
}

func TestBedrockProvider_Name(t *testing.T) {
	p := NewBedrockProviderFromClient(&fakeConverse{})
	if p.Name() != "bedrock" {
		t.Errorf("Name() = %q, want %q", p.Name(), "bedrock")
	}
}

func TestBedrockProvider_CreateCompletion(t *testing.T) {
	runtime := &fakeConverse{out: converseOutput("Nice work.", brtypes.StopReasonEndTurn)}
	p := NewBedrockProviderFromClient(runtime)

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Model: "amazon.nova-lite-v1:0",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a coach."},
			{Role: RoleUser, Content: "I ran 5k"},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
	if resp.Content != "Nice work." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage != (Usage{PromptTokens: 40, CompletionTokens: 9, TotalTokens: 49}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	in := runtime.inputs[0]
	if aws.ToString(in.ModelId) != "amazon.nova-lite-v1:0" {
		t.Errorf("ModelId = %q", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 {
		t.Errorf("len(System) = %d, want 1", len(in.System))
	}
	if len(in.Messages) != 1 || in.Messages[0].Role != brtypes.ConversationRoleUser {
		t.Errorf("Messages = %+v", in.Messages)
	}
	if in.InferenceConfig == nil || aws.ToInt32(in.InferenceConfig.MaxTokens) != 300 {
		t.Error("InferenceConfig.MaxTokens not set")
	}
}

func TestBuildConverseInput_Defaults(t *testing.T) {
	in := buildConverseInput(CompletionRequest{})
	if aws.ToString(in.ModelId) != bedrockDefaultModel {
		t.Errorf("ModelId = %q", aws.ToString(in.ModelId))
	}
	if len(in.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(in.Messages))
	}
	if in.InferenceConfig != nil || in.System != nil {
		t.Error("expected no inference config or system block")
	}
}

func TestBuildConverseInput_GreetingFirstStartsWithUser(t *testing.T) {
	in := buildConverseInput(CompletionRequest{Messages: []Message{
		{Role: RoleSystem, Content: "You coach Ada."},
		{Role: RoleAssistant, Content: "Hi Ada, what matters to you?"},
		{Role: RoleUser, Content: "Honesty."},
	}})
	if len(in.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(in.Messages))
	}
	if in.Messages[0].Role != brtypes.ConversationRoleUser {
		t.Errorf("first role = %s, want user", in.Messages[0].Role)
	}
	if in.Messages[1].Role != brtypes.ConversationRoleAssistant {
		t.Errorf("second role = %s, want assistant", in.Messages[1].Role)
	}
}

func TestBedrockProvider_ContentFiltered(t *testing.T) {
	p := NewBedrockProviderFromClient(&fakeConverse{out: converseOutput("", brtypes.StopReasonGuardrailIntervened)})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeContentFiltered {
		t.Errorf("error = %v, want content filtered", err)
	}
}

func TestBedrockProvider_ErrorHandling(t *testing.T) {
	tests := []struct {
		code     string
		wantCode string
	}{
		{code: "ThrottlingException", wantCode: ErrorCodeRateLimit},
		{code: "ModelTimeoutException", wantCode: ErrorCodeTimeout},
		{code: "ResourceNotFoundException", wantCode: ErrorCodeModelNotFound},
		{code: "AccessDeniedException", wantCode: ErrorCodeAuthentication},
		{code: "ValidationException", wantCode: ErrorCodeInvalidRequest},
		{code: "InternalServerException", wantCode: ErrorCodeServerError},
		{code: "SomethingElse", wantCode: ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			apiErr := &smithy.OperationError{
				ServiceID:     "Bedrock Runtime",
				OperationName: "Converse",
				Err:           &smithy.GenericAPIError{Code: tt.code, Message: "failed"},
			}
			p := NewBedrockProviderFromClient(&fakeConverse{err: apiErr})
			p.retry = NoRetry

			_, err := p.CreateCompletion(context.Background(), CompletionRequest{})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", pe.Code, tt.wantCode)
			}
			if pe.Message != "failed" {
				t.Errorf("Message = %q", pe.Message)
			}
		})
	}
}

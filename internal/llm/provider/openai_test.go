package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
)

type fakeChatClient struct {
	requests  []openai.ChatCompletionRequest
	responses []openai.ChatCompletionResponse
	errs      []error
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return openai.ChatCompletionResponse{}, nil
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
}

func TestOpenAIProvider_Name(t *testing.T) {
	p := NewOpenAIProviderFromClient(&fakeChatClient{})
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", p.Name(), "openai")
	}
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing api key")
	}
}

func TestOpenAIProvider_CreateCompletion(t *testing.T) {
	client := &fakeChatClient{responses: []openai.ChatCompletionResponse{chatResponse("Hello there")}}
	p := NewOpenAIProviderFromClient(client)

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a coach."},
			{Role: RoleUser, Content: "Hi"},
		},
		Temperature: 0.4,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d, want 20", resp.Usage.TotalTokens)
	}

	req := client.requests[0]
	if req.Model != openaiDefaultModel {
		t.Errorf("Model = %q, want default %q", req.Model, openaiDefaultModel)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	if req.MaxTokens != 256 || req.Temperature != float32(0.4) {
		t.Errorf("MaxTokens/Temperature = %d/%v", req.MaxTokens, req.Temperature)
	}
	if req.ResponseFormat != nil {
		t.Error("ResponseFormat should be unset for plain completions")
	}
}

func TestOpenAIProvider_CreateStructured(t *testing.T) {
	client := &fakeChatClient{responses: []openai.ChatCompletionResponse{chatResponse(`{"goal":"run"}`)}}
	p := NewOpenAIProviderFromClient(client)

	resp, err := p.CreateStructured(context.Background(), StructuredRequest{
		CompletionRequest: CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "plan"}}},
		SchemaName:        "goal setting",
		ResponseSchema:    []byte(`{"type":"object"}`),
		StrictSchema:      true,
	})
	if err != nil {
		t.Fatalf("CreateStructured() error = %v", err)
	}
	if string(resp.Data) != `{"goal":"run"}` {
		t.Errorf("Data = %s", resp.Data)
	}

	rf := client.requests[0].ResponseFormat
	if rf == nil || rf.Type != openai.ChatCompletionResponseFormatTypeJSONSchema {
		t.Fatalf("ResponseFormat = %+v, want json_schema", rf)
	}
	if rf.JSONSchema.Name != "goal_setting" {
		t.Errorf("schema name = %q, want goal_setting", rf.JSONSchema.Name)
	}
	if !rf.JSONSchema.Strict {
		t.Error("Strict = false, want true")
	}
}

func TestOpenAIProvider_CreateStructuredWithoutSchema(t *testing.T) {
	client := &fakeChatClient{responses: []openai.ChatCompletionResponse{chatResponse(`{}`)}}
	p := NewOpenAIProviderFromClient(client)

	if _, err := p.CreateStructured(context.Background(), StructuredRequest{}); err != nil {
		t.Fatalf("CreateStructured() error = %v", err)
	}
	rf := client.requests[0].ResponseFormat
	if rf == nil || rf.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("ResponseFormat = %+v, want json_object", rf)
	}
}

func TestOpenAIProvider_ErrorHandling(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		wantCalls int
	}{
		{
			name:      "rate limit is retried",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"},
			wantCode:  ErrorCodeRateLimit,
			wantCalls: 3,
		},
		{
			name:      "auth error is not retried",
			err:       &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"},
			wantCode:  ErrorCodeAuthentication,
			wantCalls: 1,
		},
		{
			name:      "insufficient quota",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Type: "insufficient_quota", Message: "no credit"},
			wantCode:  ErrorCodeQuotaExceeded,
			wantCalls: 1,
		},
		{
			name:      "request error",
			err:       &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
			wantCode:  ErrorCodeServerError,
			wantCalls: 3,
		},
		{
			name:      "transport error",
			err:       errors.New("connection reset"),
			wantCode:  ErrorCodeUnknown,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeChatClient{errs: []error{tt.err, tt.err, tt.err}}
			p := NewOpenAIProviderFromClient(client)
			p.retry = fastRetry

			_, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", pe.Code, tt.wantCode)
			}
			if len(client.requests) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(client.requests), tt.wantCalls)
			}
		})
	}
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	p := NewOpenAIProviderFromClient(&fakeChatClient{responses: []openai.ChatCompletionResponse{{}}})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeEmptyResponse {
		t.Errorf("error = %v, want empty response", err)
	}
}

func TestSanitizeSchemaName(t *testing.T) {
	tests := map[string]string{
		"goal_setting": "goal_setting",
		"weekly plan!": "weekly_plan_",
		"":             "response",
	}
	for in, want := range tests {
		if got := sanitizeSchemaName(in); got != want {
			t.Errorf("sanitizeSchemaName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := sanitizeSchemaName(strings.Repeat("a", 100)); len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
}

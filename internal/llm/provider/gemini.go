package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiClientTimeout = 30 * time.Second
)

// GenerateContentClient is the subset of genai.Models used by the adapter.
type GenerateContentClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiProvider. Set APIKey for the Gemini API,
// or Project (and Location) for the Vertex AI backend with Application
// Default Credentials.
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	Retry    *RetryPolicy
}

// GeminiProvider implements Provider for Google Gemini using the Gen AI SDK
type GeminiProvider struct {
	models GenerateContentClient
	retry  RetryPolicy
}

// NewGeminiProvider creates a provider on the Gemini API or Vertex AI.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{}
	switch {
	case cfg.APIKey != "":
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case cfg.Project != "":
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		if cc.Location == "" {
			cc.Location = "us-central1"
		}
		cc.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("gemini: api key or project is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gen AI client: %w", err)
	}
	if cc.Backend == genai.BackendVertexAI {
		log.Printf("[Gemini] Using Vertex AI backend (location=%s)", cc.Location)
	}

	p := NewGeminiProviderFromClient(client.Models)
	if cfg.Retry != nil {
		p.retry = *cfg.Retry
	}
	return p, nil
}

// NewGeminiProviderFromClient wraps an existing models client.
func NewGeminiProviderFromClient(models GenerateContentClient) *GeminiProvider {
	return &GeminiProvider{models: models, retry: DefaultRetryPolicy}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateCompletion creates a completion
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.generate(ctx, req, p.buildConfig(req))
}

// CreateStructured asks for application/json output constrained by the
// response schema.
func (p *GeminiProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	config := p.buildConfig(req.CompletionRequest)
	config.ResponseMIMEType = "application/json"
	if len(req.ResponseSchema) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(req.ResponseSchema, &doc); err != nil {
			return nil, NewProviderError("gemini", ErrorCodeInvalidRequest, "invalid response schema", err)
		}
		config.ResponseJsonSchema = doc
	}

	resp, err := p.generate(ctx, req.CompletionRequest, config)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse{
		Data:               json.RawMessage(resp.Content),
		CompletionResponse: *resp,
	}, nil
}

func (p *GeminiProvider) buildConfig(req CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	// 0 is a valid value for deterministic output
	config.Temperature = genai.Ptr(float32(req.Temperature))
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	return config
}

func (p *GeminiProvider) generate(ctx context.Context, req CompletionRequest, config *genai.GenerateContentConfig) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}
	contents, system := buildGeminiContents(req.Messages)
	if system != nil {
		config.SystemInstruction = system
	}

	resp, err := withRetry(ctx, p.retry, "Gemini", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := p.models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, wrapGeminiError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return parseGeminiResponse(resp)
}

// buildGeminiContents converts messages to Gen AI content format
func buildGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	systemText, turns := systemAndTurns(messages)

	var system *genai.Content
	if systemText != "" {
		system = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := m.Role
		if role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return contents, system
}

// parseGeminiResponse parses the Gen AI response into CompletionResponse
func parseGeminiResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeEmptyResponse, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			content.WriteString(part.Text)
		}
	}

	finishReason := string(candidate.FinishReason)
	switch finishReason {
	case "STOP", "":
		finishReason = "stop"
	case "SAFETY":
		return nil, NewProviderError("gemini", ErrorCodeContentFiltered, "response blocked by safety filters", nil)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage:        usage,
		Raw:          resp,
	}, nil
}

// wrapGeminiError converts Gen AI errors to ProviderError
func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code := statusCode(apiErr.Code)
		return &ProviderError{
			Provider:      "gemini",
			Code:          code,
			Message:       apiErr.Message,
			Type:          apiErr.Status,
			StatusCode:    apiErr.Code,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "credential"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "unavailable"):
		code = ErrorCodeServerError
	}
	return NewProviderError("gemini", code, err.Error(), err)
}

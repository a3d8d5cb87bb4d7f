package provider

import (
	"context"
	"encoding/json"
	"sync"
)

// MockProvider is a scripted Provider for tests. Responses and errors are
// consumed in call order across both methods; an Errors entry at the
// current index takes precedence over the response at that index.
type MockProvider struct {
	name string

	// Responses to return for each request
	Responses []*CompletionResponse
	Errors    []error

	// Hook, when set, runs before each call and may block or fail it.
	Hook func(ctx context.Context, call int) error

	// Track calls
	CompletionCalls []CompletionRequest
	StructuredCalls []StructuredRequest

	lastMessages []Message
	currentIndex int
	mu           sync.Mutex
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// AddResponse adds a completion response with the given content.
func (m *MockProvider) AddResponse(content string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	m.Errors = append(m.Errors, nil)
	return m
}

// AddError adds an error to return
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, nil)
	m.Errors = append(m.Errors, err)
	return m
}

// Calls returns the number of requests served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompletionCalls) + len(m.StructuredCalls)
}

// LastMessages returns the messages of the most recent request.
func (m *MockProvider) LastMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessages
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.CompletionCalls = append(m.CompletionCalls, request)
	m.lastMessages = request.Messages
	m.mu.Unlock()
	return m.next(ctx)
}

// CreateStructured implements Provider
func (m *MockProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	m.mu.Lock()
	m.StructuredCalls = append(m.StructuredCalls, request)
	m.lastMessages = request.Messages
	m.mu.Unlock()

	resp, err := m.next(ctx)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse{
		Data:               json.RawMessage(resp.Content),
		CompletionResponse: *resp,
	}, nil
}

func (m *MockProvider) next(ctx context.Context) (*CompletionResponse, error) {
	m.mu.Lock()
	idx := m.currentIndex
	m.currentIndex++
	hook := m.Hook
	var resp *CompletionResponse
	var err error
	if idx < len(m.Errors) {
		err = m.Errors[idx]
	}
	if idx < len(m.Responses) {
		resp = m.Responses[idx]
	}
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, idx); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	if resp != nil {
		c := *resp
		return &c, nil
	}

	// Default response
	return &CompletionResponse{
		Content:      "Mock response",
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// Reset resets the mock provider
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.Errors = nil
	m.CompletionCalls = nil
	m.StructuredCalls = nil
	m.lastMessages = nil
	m.currentIndex = 0
}

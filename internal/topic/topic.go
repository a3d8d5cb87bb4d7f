// Package topic defines coaching topics: their prompts, model choice,
// parameters and session limits.
package topic

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/coachflow/internal/llm/schema"
)

// PromptType names one of a topic's prompts.
type PromptType string

const (
	PromptSystem     PromptType = "system"
	PromptUser       PromptType = "user"
	PromptInitiation PromptType = "initiation"
	PromptResume     PromptType = "resume"
	PromptExtraction PromptType = "extraction"
)

// Common errors for topic lookups.
var (
	ErrTopicNotFound  = errors.New("topic not found")
	ErrPromptNotFound = errors.New("prompt not found")
)

// DefaultHistoryWindow is the number of past messages sent with each turn
// when a topic does not set one.
const DefaultHistoryWindow = 20

// Topic is the configuration of one coaching conversation type.
type Topic struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Active      bool   `yaml:"active"`

	// Model is a model code such as "openai:gpt-4o-mini".
	Model string `yaml:"model"`
	// ExtractionModel defaults to Model.
	ExtractionModel string  `yaml:"extraction_model,omitempty"`
	Temperature     float64 `yaml:"temperature,omitempty"`
	MaxTokens       int     `yaml:"max_tokens,omitempty"`

	RequiredParameters []string       `yaml:"required_parameters,omitempty"`
	ParameterDefaults  map[string]any `yaml:"parameter_defaults,omitempty"`

	MaxTurns           int `yaml:"max_turns"`
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`
	SessionTTLHours    int `yaml:"session_ttl_hours,omitempty"`
	HistoryWindow      int `yaml:"history_window,omitempty"`

	Prompts map[PromptType]string `yaml:"prompts"`

	// RawResponseSchema is the single-shot output schema; RawExtractionSchema
	// shapes the completion summary. Both are JSON Schema documents.
	RawResponseSchema   map[string]any `yaml:"response_schema,omitempty"`
	RawExtractionSchema map[string]any `yaml:"extraction_schema,omitempty"`

	responseSchema   *schema.Schema
	extractionSchema *schema.Schema
}

// Compile validates the topic and parses its schemas. Catalogs call it once
// on load.
func (t *Topic) Compile() error {
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	if t.Model == "" {
		return fmt.Errorf("topic %s: model is required", t.ID)
	}
	if t.MaxTurns < 0 || t.IdleTimeoutMinutes < 0 || t.SessionTTLHours < 0 {
		return fmt.Errorf("topic %s: limits must not be negative", t.ID)
	}
	var err error
	if t.responseSchema, err = parseSchema(t.RawResponseSchema, t.ID+"Response"); err != nil {
		return fmt.Errorf("topic %s: response_schema: %w", t.ID, err)
	}
	if t.extractionSchema, err = parseSchema(t.RawExtractionSchema, t.ID+"Extraction"); err != nil {
		return fmt.Errorf("topic %s: extraction_schema: %w", t.ID, err)
	}
	return nil
}

func parseSchema(raw map[string]any, title string) (*schema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	s, err := schema.FromMap(raw)
	if err != nil {
		return nil, err
	}
	if s.Title == "" {
		s.Title = title
	}
	return s, nil
}

// ResponseSchema returns the single-shot output schema, or nil.
func (t *Topic) ResponseSchema() *schema.Schema { return t.responseSchema }

// ExtractionSchema returns the completion schema, or nil.
func (t *Topic) ExtractionSchema() *schema.Schema { return t.extractionSchema }

// ExtractionModelCode returns the model used for completion summaries.
func (t *Topic) ExtractionModelCode() string {
	if t.ExtractionModel != "" {
		return t.ExtractionModel
	}
	return t.Model
}

// Window returns the history window to send with each turn.
func (t *Topic) Window() int {
	if t.HistoryWindow > 0 {
		return t.HistoryWindow
	}
	return DefaultHistoryWindow
}

// TopicStore looks up topics.
type TopicStore interface {
	// GetTopic returns ErrTopicNotFound for unknown ids.
	GetTopic(ctx context.Context, id string) (*Topic, error)
}

// PromptStore looks up a topic's prompt templates.
type PromptStore interface {
	// GetPrompt returns ErrPromptNotFound when the topic has no such prompt.
	GetPrompt(ctx context.Context, topicID string, pt PromptType) (string, error)
}

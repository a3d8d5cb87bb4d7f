package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aixgo-dev/coachflow/internal/llm/parser"
	"github.com/aixgo-dev/coachflow/internal/llm/prompt"
	"github.com/aixgo-dev/coachflow/internal/llm/provider"
	"github.com/aixgo-dev/coachflow/internal/llm/schema"
	"github.com/aixgo-dev/coachflow/internal/observability"
	"github.com/aixgo-dev/coachflow/internal/topic"
	metrics "github.com/aixgo-dev/coachflow/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

// ExecuteSingleShot renders a topic's prompts with params, asks the model
// for a JSON object matching target and parses the reply. No session is
// created. A nil target falls back to the topic's response schema.
//
// The caller's identity, if known, is passed as the "tenant_id" and
// "user_id" parameters.
func (e *Engine) ExecuteSingleShot(ctx context.Context, topicID string, params map[string]any, target *schema.Schema) (res *parser.Result, err error) {
	ctx, span := startSpan(ctx, "execute_single_shot", attribute.String("topic.id", topicID))
	defer func() { observability.EndSpan(span, err) }()

	t, err := e.activeTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	tenantID, _ := params["tenant_id"].(string)
	userID, _ := params["user_id"].(string)
	resolved, err := e.resolveParameters(ctx, t, tenantID, userID, params)
	if err != nil {
		return nil, err
	}

	if target == nil {
		target = t.ResponseSchema()
	}
	if target == nil {
		target = anyObject
	}

	tmpl, err := e.prompts.GetPrompt(ctx, t.ID, topic.PromptSystem)
	if err != nil {
		return nil, e.promptLoadError(t.ID, topic.PromptSystem, err)
	}
	system, closed, err := e.renderer.RenderWithContract(t.ID, string(topic.PromptSystem), tmpl, resolved, target)
	if err != nil {
		return nil, err
	}
	user, err := e.renderPrompt(ctx, t, topic.PromptUser, resolved)
	if err != nil {
		return nil, err
	}

	messages := []provider.Message{{Role: provider.RoleSystem, Content: system}}
	if user != "" {
		messages = append(messages, provider.Message{Role: provider.RoleUser, Content: user})
	}

	out, err := e.dispatch(ctx, tenantID, t, t.Model, messages, closed)
	if err != nil {
		return nil, err
	}
	res, err = e.parser.Parse(t.ID, out.Content, target)
	if err != nil {
		metrics.RecordParse(t.ID, "failed")
		return nil, err
	}
	metrics.RecordParse(t.ID, string(res.Strategy))
	span.SetAttributes(attribute.String("parse.strategy", string(res.Strategy)))
	return res, nil
}

func (e *Engine) promptLoadError(topicID string, pt topic.PromptType, err error) error {
	if errors.Is(err, topic.ErrPromptNotFound) {
		return &prompt.RenderError{TopicID: topicID, PromptType: string(pt), Reason: "prompt not configured"}
	}
	return fmt.Errorf("load %s prompt for topic %s: %w", pt, topicID, err)
}

// Execute runs ExecuteSingleShot with the schema generated from T and
// decodes the result into a T.
func Execute[T any](ctx context.Context, e *Engine, topicID string, params map[string]any) (*T, error) {
	res, err := e.ExecuteSingleShot(ctx, topicID, params, schema.For[T]())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return nil, fmt.Errorf("encode result for topic %s: %w", topicID, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &parser.SerializationError{TopicID: topicID, TargetType: fmt.Sprintf("%T", out), Reason: err.Error()}
	}
	return &out, nil
}

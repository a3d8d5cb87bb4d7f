// Package engine runs topic-driven coaching sessions: it resolves topic
// parameters, renders prompts, dispatches them to a model and persists the
// resulting session state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aixgo-dev/coachflow/internal/llm/cost"
	"github.com/aixgo-dev/coachflow/internal/llm/parser"
	"github.com/aixgo-dev/coachflow/internal/llm/prompt"
	"github.com/aixgo-dev/coachflow/internal/llm/provider"
	"github.com/aixgo-dev/coachflow/internal/llm/schema"
	"github.com/aixgo-dev/coachflow/internal/observability"
	"github.com/aixgo-dev/coachflow/internal/topic"
	metrics "github.com/aixgo-dev/coachflow/pkg/observability"
	"github.com/aixgo-dev/coachflow/pkg/security"
	"github.com/aixgo-dev/coachflow/pkg/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDispatchTimeout bounds each model call.
const DefaultDispatchTimeout = 60 * time.Second

// Engine is the orchestration pipeline. It holds no session state between
// calls: every operation loads the session, mutates it and saves it back
// with a conditional write.
type Engine struct {
	store      session.Store
	topics     topic.TopicStore
	prompts    topic.PromptStore
	enricher   topic.ParameterEnricher
	dispatcher *provider.Dispatcher
	parser     *parser.ResponseParser
	renderer   *prompt.Renderer
	costs      *cost.Calculator
	limiter    *security.RateLimiter
	clock      session.Clock

	dispatchTimeout time.Duration
}

// Option configures an Engine
type Option func(*Engine)

// WithEnricher sets the parameter enricher. Without one, supplied
// parameters pass through unchanged.
func WithEnricher(enricher topic.ParameterEnricher) Option {
	return func(e *Engine) {
		e.enricher = enricher
	}
}

// WithClock sets the clock used for new sessions and transitions
func WithClock(clock session.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithDispatchTimeout sets the per-call model deadline
func WithDispatchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dispatchTimeout = d
		}
	}
}

// WithRateLimiter limits model dispatches per tenant
func WithRateLimiter(limiter *security.RateLimiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

// WithCostCalculator sets the pricing used for turn metadata
func WithCostCalculator(calc *cost.Calculator) Option {
	return func(e *Engine) {
		if calc != nil {
			e.costs = calc
		}
	}
}

// WithParser replaces the response parser
func WithParser(p *parser.ResponseParser) Option {
	return func(e *Engine) {
		if p != nil {
			e.parser = p
		}
	}
}

// New creates an Engine.
func New(store session.Store, topics topic.TopicStore, prompts topic.PromptStore, dispatcher *provider.Dispatcher, opts ...Option) (*Engine, error) {
	if store == nil || topics == nil || prompts == nil || dispatcher == nil {
		return nil, errors.New("engine: store, topics, prompts and dispatcher are required")
	}
	e := &Engine{
		store:           store,
		topics:          topics,
		prompts:         prompts,
		dispatcher:      dispatcher,
		parser:          parser.NewResponseParser(),
		renderer:        prompt.NewRenderer(),
		costs:           cost.DefaultCalculator,
		clock:           session.SystemClock,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// lookupTopic returns the topic or TopicNotFoundError.
func (e *Engine) lookupTopic(ctx context.Context, topicID string) (*topic.Topic, error) {
	t, err := e.topics.GetTopic(ctx, topicID)
	if err != nil {
		if errors.Is(err, topic.ErrTopicNotFound) {
			return nil, &TopicNotFoundError{TopicID: topicID}
		}
		return nil, fmt.Errorf("lookup topic %s: %w", topicID, err)
	}
	return t, nil
}

// activeTopic is lookupTopic that also rejects inactive topics.
func (e *Engine) activeTopic(ctx context.Context, topicID string) (*topic.Topic, error) {
	t, err := e.lookupTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, &TopicNotActiveError{TopicID: topicID}
	}
	return t, nil
}

// resolveParameters enriches supplied parameters, merges them (supplied
// wins) and validates the topic's required names.
func (e *Engine) resolveParameters(ctx context.Context, t *topic.Topic, tenantID, userID string, supplied map[string]any) (map[string]any, error) {
	var enriched map[string]any
	if e.enricher != nil {
		res, err := e.enricher.Resolve(ctx, topic.EnrichRequest{
			Topic:    t,
			TenantID: tenantID,
			UserID:   userID,
			Supplied: supplied,
		})
		if err != nil {
			return nil, fmt.Errorf("enrich parameters for topic %s: %w", t.ID, err)
		}
		for _, w := range res.Warnings {
			log.Printf("[Engine] topic=%s enrich warning: %s", t.ID, w)
		}
		enriched = res.Parameters
	}
	params := topic.MergeParameters(enriched, supplied)

	if err := topic.ValidateParameters(t.RequiredParameters, params); err != nil {
		var missing *topic.MissingParametersError
		if errors.As(err, &missing) {
			return nil, &ParameterValidationError{TopicID: t.ID, Missing: missing.Missing, Err: err}
		}
		return nil, err
	}
	return params, nil
}

// renderPrompt loads and renders one of a topic's prompts. Prompts that are
// not configured render to "".
func (e *Engine) renderPrompt(ctx context.Context, t *topic.Topic, pt topic.PromptType, params map[string]any) (string, error) {
	tmpl, err := e.prompts.GetPrompt(ctx, t.ID, pt)
	if err != nil {
		if errors.Is(err, topic.ErrPromptNotFound) {
			return "", nil
		}
		return "", e.promptLoadError(t.ID, pt, err)
	}
	return e.renderer.RenderPrompt(t.ID, string(pt), tmpl, params)
}

// dispatchResult is one completed model call.
type dispatchResult struct {
	Content      string
	Provider     string
	Model        string
	FinishReason string
	Usage        provider.Usage
	CostUSD      float64
	Duration     time.Duration
}

// metadata is stored on the assistant message produced by the call.
func (r *dispatchResult) metadata() map[string]any {
	return map[string]any{
		"provider":          r.Provider,
		"model":             r.Model,
		"finish_reason":     r.FinishReason,
		"prompt_tokens":     r.Usage.PromptTokens,
		"completion_tokens": r.Usage.CompletionTokens,
		"total_tokens":      r.Usage.TotalTokens,
		"cost_usd":          r.CostUSD,
		"duration_ms":       r.Duration.Milliseconds(),
	}
}

// dispatch sends messages to the model named by modelCode under the
// dispatch deadline. A non-nil target requests structured output.
func (e *Engine) dispatch(ctx context.Context, tenantID string, t *topic.Topic, modelCode string, messages []provider.Message, target *schema.Schema) (*dispatchResult, error) {
	p, model, err := e.dispatcher.ResolveProvider(modelCode)
	if err != nil {
		return nil, &ProviderFailureError{Model: modelCode, Code: CodeProviderUnavailable, Err: err}
	}
	if e.limiter != nil && !e.limiter.Allow(tenantID) {
		metrics.RecordRateLimited()
		return nil, &ProviderFailureError{Provider: p.Name(), Model: model, Code: CodeRateLimited}
	}

	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()

	req := provider.CompletionRequest{
		Messages:    messages,
		Model:       model,
		Temperature: t.Temperature,
		MaxTokens:   t.MaxTokens,
	}

	start := time.Now()
	var resp *provider.CompletionResponse
	if target != nil {
		var sr *provider.StructuredResponse
		sr, err = p.CreateStructured(dctx, provider.StructuredRequest{
			CompletionRequest: req,
			SchemaName:        target.Name(),
			ResponseSchema:    target.JSON(),
		})
		if sr != nil {
			resp = &sr.CompletionResponse
		}
	} else {
		resp, err = p.CreateCompletion(dctx, req)
	}
	if err != nil {
		return nil, classifyDispatchError(ctx, p.Name(), model, err)
	}
	if resp == nil {
		return nil, &ProviderFailureError{Provider: p.Name(), Model: model, Code: provider.ErrorCodeEmptyResponse}
	}

	res := &dispatchResult{
		Content:      resp.Content,
		Provider:     p.Name(),
		Model:        model,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Duration:     time.Since(start),
	}
	res.CostUSD, _ = e.costs.USD(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return res, nil
}

// classifyDispatchError maps a provider error to ProviderTimeoutError or
// ProviderFailureError. ctx is the caller's context, not the dispatch one.
func classifyDispatchError(ctx context.Context, providerName, model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &ProviderFailureError{Provider: providerName, Model: model, Code: CodeCancelled, Err: err}
	}
	if provider.IsTimeout(err) {
		return &ProviderTimeoutError{Provider: providerName, Model: model, Err: err}
	}
	code := provider.ErrorCodeUnknown
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		code = pe.Code
	}
	return &ProviderFailureError{Provider: providerName, Model: model, Code: code, Err: err}
}

// load returns a session bound to the engine clock.
func (e *Engine) load(ctx context.Context, sessionID, tenantID string) (*session.Session, error) {
	s, err := e.store.GetByID(ctx, sessionID, tenantID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, &SessionNotFoundError{SessionID: sessionID}
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.SetClock(e.clock)
	return s, nil
}

// loadOwned is load plus the ownership check.
func (e *Engine) loadOwned(ctx context.Context, sessionID, tenantID, userID string) (*session.Session, error) {
	s, err := e.load(ctx, sessionID, tenantID)
	if err != nil {
		return nil, err
	}
	if s.UserID() != userID {
		return nil, &session.AccessDeniedError{SessionID: sessionID, OwnerID: s.UserID(), RequesterID: userID}
	}
	return s, nil
}

// mutate applies fn to s and saves it. If the save loses a version race the
// session is reloaded and fn replayed once; a second loss is returned as
// ConcurrentModificationError.
func (e *Engine) mutate(ctx context.Context, s *session.Session, op string, fn func(*session.Session) error) (*session.Session, error) {
	if err := fn(s); err != nil {
		return nil, err
	}
	err := e.store.Save(ctx, s)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, session.ErrVersionConflict) {
		return nil, fmt.Errorf("save session %s: %w", s.ID(), err)
	}

	metrics.RecordWriteConflict(op)
	log.Printf("[Engine] session=%s op=%s lost write race, replaying", s.ID(), op)

	fresh, err := e.load(ctx, s.ID(), s.TenantID())
	if err != nil {
		return nil, err
	}
	if err := fn(fresh); err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, fresh); err != nil {
		if errors.Is(err, session.ErrVersionConflict) {
			metrics.RecordWriteConflict(op)
			return nil, &ConcurrentModificationError{SessionID: s.ID()}
		}
		return nil, fmt.Errorf("save session %s: %w", s.ID(), err)
	}
	return fresh, nil
}

// anyObject accepts any JSON object. It backs single-shot calls and
// extractions for topics without a configured schema.
var anyObject = &schema.Schema{Title: "Result", Type: "object"}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

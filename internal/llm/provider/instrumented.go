package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/coachflow/internal/llm/cost"
	"github.com/aixgo-dev/coachflow/internal/observability"
	metrics "github.com/aixgo-dev/coachflow/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider with tracing, metrics and cost
// tracking.
type InstrumentedProvider struct {
	provider   Provider
	calculator *cost.Calculator
}

// NewInstrumentedProvider wraps a provider. A nil calculator uses
// cost.DefaultCalculator.
func NewInstrumentedProvider(provider Provider, calculator *cost.Calculator) *InstrumentedProvider {
	if calculator == nil {
		calculator = cost.DefaultCalculator
	}
	return &InstrumentedProvider{provider: provider, calculator: calculator}
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return NewInstrumentedProvider(provider, nil)
}

// UnwrapProvider returns the underlying provider if wrapped, otherwise returns the provider as-is
func UnwrapProvider(provider Provider) Provider {
	if instrumented, ok := provider.(*InstrumentedProvider); ok {
		return instrumented.provider
	}
	return provider
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// CreateCompletion creates a completion with instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	ctx, span := p.start(ctx, "completion", request)
	start := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	var usage *Usage
	if response != nil {
		usage = &response.Usage
	}
	p.finish(span, request.Model, start, usage, err)
	return response, err
}

// CreateStructured creates a structured response with instrumentation
func (p *InstrumentedProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	ctx, span := p.start(ctx, "structured", request.CompletionRequest)
	span.SetAttributes(attribute.Bool("llm.strict_schema", request.StrictSchema))
	start := time.Now()
	response, err := p.provider.CreateStructured(ctx, request)
	var usage *Usage
	if response != nil {
		usage = &response.Usage
	}
	p.finish(span, request.Model, start, usage, err)
	return response, err
}

// Cost estimates the USD cost of usage on model. It returns 0 for unpriced
// models.
func (p *InstrumentedProvider) Cost(model string, usage Usage) float64 {
	return estimateCost(p.calculator, model, usage)
}

func estimateCost(calc *cost.Calculator, model string, usage Usage) float64 {
	usd, _ := calc.USD(model, usage.PromptTokens, usage.CompletionTokens)
	return usd
}

func (p *InstrumentedProvider) start(ctx context.Context, kind string, request CompletionRequest) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, fmt.Sprintf("llm.%s.%s", p.provider.Name(), kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Float64("llm.temperature", request.Temperature),
			attribute.Int("llm.max_tokens", request.MaxTokens),
			attribute.Int("llm.messages_count", len(request.Messages)),
		),
	)
}

func (p *InstrumentedProvider) finish(span trace.Span, model string, start time.Time, usage *Usage, err error) {
	duration := time.Since(start)
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	metrics.RecordProviderRequest(p.provider.Name(), requestStatus(err), duration)

	if err == nil && usage != nil {
		usd := p.Cost(model, *usage)
		span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", usage.TotalTokens),
			attribute.Float64("llm.cost.total_usd", usd),
		)
		metrics.RecordProviderUsage(p.provider.Name(), usage.PromptTokens, usage.CompletionTokens, usd)
	}
	observability.EndSpan(span, err)
}

func requestStatus(err error) string {
	if err == nil {
		return "ok"
	}
	if IsTimeout(err) {
		return "timeout"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "error"
}

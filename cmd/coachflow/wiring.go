package main

import (
	"context"
	"fmt"
	"log"

	"github.com/aixgo-dev/coachflow/internal/engine"
	"github.com/aixgo-dev/coachflow/internal/llm/cost"
	"github.com/aixgo-dev/coachflow/internal/llm/provider"
	"github.com/aixgo-dev/coachflow/internal/observability"
	"github.com/aixgo-dev/coachflow/internal/topic"
	"github.com/aixgo-dev/coachflow/pkg/config"
	"github.com/aixgo-dev/coachflow/pkg/security"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

// app bundles the components a command needs.
type app struct {
	cfg        *config.Config
	store      session.Store
	catalog    *topic.Catalog
	dispatcher *provider.Dispatcher
	engine     *engine.Engine
	limiter    *security.RateLimiter
}

// newApp wires the store, catalog, providers and engine from cfg. Callers
// must Close the returned app.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := observability.Init(cfg.Observability.Tracing); err != nil {
		log.Printf("Warning: tracing disabled: %v", err)
	}

	catalog, err := topic.LoadCatalog(cfg.Topics)
	if err != nil {
		return nil, err
	}

	costs := cost.NewCalculator()
	for _, p := range cfg.Pricing {
		costs.AddPricing(&p)
	}

	dispatcher, err := buildDispatcher(ctx, cfg.Providers, costs)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(ctx, cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	opts := []engine.Option{
		engine.WithEnricher(topic.NewDefaultsEnricher()),
		engine.WithDispatchTimeout(cfg.Engine.DispatchTimeout),
		engine.WithCostCalculator(costs),
	}
	var limiter *security.RateLimiter
	if cfg.RateLimit.Enabled() {
		limiter = security.NewRateLimiterWithConfig(cfg.RateLimit)
		opts = append(opts, engine.WithRateLimiter(limiter))
	}

	eng, err := engine.New(store, catalog, catalog, dispatcher, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		store:      store,
		catalog:    catalog,
		dispatcher: dispatcher,
		engine:     eng,
		limiter:    limiter,
	}, nil
}

// activeTopics counts the catalog's active topics.
func (a *app) activeTopics() int {
	n := 0
	for _, t := range a.catalog.List() {
		if t.Active {
			n++
		}
	}
	return n
}

// Close releases the store and flushes traces.
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		log.Printf("Warning: failed to close session store: %v", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("Warning: failed to flush traces: %v", err)
	}
}

// buildDispatcher registers every provider that has credentials, each
// wrapped for metrics and tracing.
func buildDispatcher(ctx context.Context, cfg config.ProvidersConfig, costs *cost.Calculator) (*provider.Dispatcher, error) {
	retry := retryPolicy(cfg.Retry)
	d := provider.NewDispatcher()
	register := func(p provider.Provider) {
		d.Register(provider.NewInstrumentedProvider(p, costs))
		log.Printf("Registered provider %s", p.Name())
	}

	if cfg.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Retry:   retry,
		})
		if err != nil {
			return nil, err
		}
		register(p)
	}
	if cfg.Anthropic.APIKey != "" {
		p, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Retry:   retry,
		})
		if err != nil {
			return nil, err
		}
		register(p)
	}
	if cfg.Gemini.APIKey != "" || cfg.Gemini.Project != "" {
		p, err := provider.NewGeminiProvider(provider.GeminiConfig{
			APIKey:   cfg.Gemini.APIKey,
			Project:  cfg.Gemini.Project,
			Location: cfg.Gemini.Location,
			Retry:    retry,
		})
		if err != nil {
			return nil, err
		}
		register(p)
	}
	if cfg.Bedrock.Enabled {
		p, err := provider.NewBedrockProvider(ctx, provider.BedrockConfig{
			Region: cfg.Bedrock.Region,
			Retry:  retry,
		})
		if err != nil {
			return nil, err
		}
		register(p)
	}

	if len(d.Names()) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	if cfg.Fallback != "" {
		if !d.Has(cfg.Fallback) {
			return nil, fmt.Errorf("fallback provider %q is not configured", cfg.Fallback)
		}
		d.SetFallback(cfg.Fallback)
	}
	return d, nil
}

// retryPolicy overlays configured values on the default policy. Nil keeps
// each adapter's default.
func retryPolicy(cfg config.RetryConfig) *provider.RetryPolicy {
	if cfg.MaxAttempts == 0 && cfg.BaseDelay == 0 && cfg.MaxDelay == 0 {
		return nil
	}
	p := provider.DefaultRetryPolicy
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return &p
}

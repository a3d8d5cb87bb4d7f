// Package cost prices model calls from their token usage.
package cost

import (
	"sort"
	"strings"
	"sync"
)

// ModelPricing is the list price of a model family in USD per million
// tokens. Model matches a model id exactly or as its prefix.
type ModelPricing struct {
	Model       string  `yaml:"model"`
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// Calculator looks up prices by model id. It is safe for concurrent use.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
	// keys holds the pricing keys longest first, then lexical.
	keys []string
}

var defaultPricing = []ModelPricing{
	// OpenAI
	{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0},
	{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60},
	{Model: "gpt-4.1", InputPer1M: 2.0, OutputPer1M: 8.0},
	{Model: "gpt-4.1-mini", InputPer1M: 0.4, OutputPer1M: 1.6},
	{Model: "gpt-4.1-nano", InputPer1M: 0.1, OutputPer1M: 0.4},
	{Model: "gpt-4-turbo", InputPer1M: 10.0, OutputPer1M: 30.0},
	{Model: "gpt-3.5-turbo", InputPer1M: 0.5, OutputPer1M: 1.5},
	{Model: "o1-mini", InputPer1M: 3.0, OutputPer1M: 12.0},
	{Model: "o3-mini", InputPer1M: 1.1, OutputPer1M: 4.4},

	// Anthropic
	{Model: "claude-3-opus", InputPer1M: 15.0, OutputPer1M: 75.0},
	{Model: "claude-3-5-sonnet", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "claude-3-7-sonnet", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "claude-sonnet-4", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "claude-opus-4", InputPer1M: 15.0, OutputPer1M: 75.0},
	{Model: "claude-3-5-haiku", InputPer1M: 0.8, OutputPer1M: 4.0},
	{Model: "claude-3-haiku", InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google Gemini
	{Model: "gemini-1.5-pro", InputPer1M: 1.25, OutputPer1M: 5.0},
	{Model: "gemini-1.5-flash", InputPer1M: 0.075, OutputPer1M: 0.3},
	{Model: "gemini-2.0-flash", InputPer1M: 0.1, OutputPer1M: 0.4},
	{Model: "gemini-2.0-flash-lite", InputPer1M: 0.075, OutputPer1M: 0.3},
	{Model: "gemini-2.5-pro", InputPer1M: 1.25, OutputPer1M: 10.0},
	{Model: "gemini-2.5-flash", InputPer1M: 0.3, OutputPer1M: 2.5},

	// Bedrock-only families
	{Model: "amazon.nova-pro", InputPer1M: 0.8, OutputPer1M: 3.2},
	{Model: "amazon.nova-lite", InputPer1M: 0.06, OutputPer1M: 0.24},
	{Model: "amazon.nova-micro", InputPer1M: 0.035, OutputPer1M: 0.14},
	{Model: "meta.llama3-1-70b", InputPer1M: 0.72, OutputPer1M: 0.72},
}

// NewCalculator returns a calculator loaded with list prices for the model
// families the dispatcher supports.
func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing, len(defaultPricing))}
	for _, p := range defaultPricing {
		c.pricing[p.Model] = p
	}
	c.sortKeys()
	return c
}

// AddPricing adds or replaces the price for pricing.Model.
func (c *Calculator) AddPricing(pricing *ModelPricing) {
	if pricing == nil || pricing.Model == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[pricing.Model] = *pricing
	c.sortKeys()
}

func (c *Calculator) sortKeys() {
	keys := make([]string, 0, len(c.pricing))
	for k := range c.pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	c.keys = keys
}

// GetPricing returns the price for model. Provider qualifiers
// ("openai:gpt-4o") and Bedrock region prefixes ("us.anthropic.claude-...")
// are ignored; otherwise the longest matching prefix wins.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, candidate := range lookupNames(model) {
		if p, ok := c.match(candidate); ok {
			return p, true
		}
	}
	return ModelPricing{}, false
}

func (c *Calculator) match(model string) (ModelPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	for _, key := range c.keys {
		if strings.HasPrefix(model, key) {
			return c.pricing[key], true
		}
	}
	return ModelPricing{}, false
}

// USD prices one call. ok is false when model has no price.
func (c *Calculator) USD(model string, inputTokens, outputTokens int) (usd float64, ok bool) {
	p, ok := c.GetPricing(model)
	if !ok {
		return 0, false
	}
	if inputTokens > 0 {
		usd += float64(inputTokens) / 1_000_000 * p.InputPer1M
	}
	if outputTokens > 0 {
		usd += float64(outputTokens) / 1_000_000 * p.OutputPer1M
	}
	return usd, true
}

var qualifiers = []string{"openai:", "anthropic:", "gemini:", "bedrock:", "openai/", "anthropic/", "gemini/", "bedrock/"}

var bedrockRegions = []string{"us.", "eu.", "apac.", "global."}

// lookupNames returns the names to try for model, most specific first.
func lookupNames(model string) []string {
	for _, q := range qualifiers {
		model = strings.TrimPrefix(model, q)
	}
	for _, r := range bedrockRegions {
		model = strings.TrimPrefix(model, r)
	}
	names := []string{model}
	if vendor, rest, ok := strings.Cut(model, "."); ok && (vendor == "anthropic" || vendor == "mistral" || vendor == "cohere") {
		names = append(names, rest)
	}
	return names
}

// DefaultCalculator prices with the built-in list only.
var DefaultCalculator = NewCalculator()

package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Dispatcher maps topic model codes to registered providers.
//
// A model code is either qualified ("openai:gpt-4o-mini", "anthropic/claude-3-5-haiku-latest")
// or a bare model id whose provider is detected from its name ("gpt-4o",
// "claude-sonnet-4-5", "gemini-2.0-flash", "anthropic.claude-3-haiku-20240307-v1:0").
type Dispatcher struct {
	providers map[string]Provider
	fallback  string
	mu        sync.RWMutex
}

// NewDispatcher creates a dispatcher with the given providers.
func NewDispatcher(providers ...Provider) *Dispatcher {
	d := &Dispatcher{providers: make(map[string]Provider)}
	for _, p := range providers {
		d.Register(p)
	}
	return d
}

// Register registers a provider under its Name.
func (d *Dispatcher) Register(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
}

// SetFallback names the provider used when a bare model id matches no
// known family.
func (d *Dispatcher) SetFallback(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = name
}

// Has reports whether a provider is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.providers[name]
	return ok
}

// Names returns registered provider names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.providers))
	for name := range d.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveProvider returns the provider for modelCode and the model id to
// send to it.
func (d *Dispatcher) ResolveProvider(modelCode string) (Provider, string, error) {
	code := strings.TrimSpace(modelCode)
	if code == "" {
		return nil, "", fmt.Errorf("empty model code")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if i := strings.IndexAny(code, ":/"); i > 0 {
		if p, ok := d.providers[code[:i]]; ok {
			model := code[i+1:]
			if model == "" {
				return nil, "", fmt.Errorf("model code %q has no model", modelCode)
			}
			return p, model, nil
		}
		if knownProviders[code[:i]] {
			return nil, "", fmt.Errorf("provider '%s' not registered for model %q", code[:i], modelCode)
		}
	}

	name := DetectProvider(code)
	if name == "" {
		name = d.fallback
	}
	if name == "" {
		return nil, "", fmt.Errorf("no provider for model %q", modelCode)
	}
	p, ok := d.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("provider '%s' not registered for model %q", name, modelCode)
	}
	return p, code, nil
}

var knownProviders = map[string]bool{
	"openai": true, "anthropic": true, "gemini": true, "bedrock": true,
}

// bedrockVendors are the vendor prefixes of Bedrock model ids.
var bedrockVendors = []string{
	"anthropic.", "amazon.", "meta.", "mistral.", "cohere.", "ai21.",
	"us.", "eu.", "apac.", "global.",
}

// DetectProvider returns the provider family of a bare model id, or "" when
// unknown.
func DetectProvider(model string) string {
	m := strings.ToLower(model)
	for _, prefix := range bedrockVendors {
		if strings.HasPrefix(m, prefix) {
			return "bedrock"
		}
	}
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"), strings.HasPrefix(m, "chatgpt-"):
		return "openai"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	}
	return ""
}

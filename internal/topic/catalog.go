package topic

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxCatalogSize guards against loading oversized catalog files.
const maxCatalogSize = 1 << 20

// catalogFile is the YAML layout of a topic catalog.
type catalogFile struct {
	Topics []*Topic `yaml:"topics"`
}

// Catalog is an in-memory TopicStore and PromptStore, usually loaded from a
// YAML file:
//
//	topics:
//	  - id: goal-setting
//	    name: Goal setting
//	    active: true
//	    model: openai:gpt-4o-mini
//	    max_turns: 10
//	    idle_timeout_minutes: 30
//	    required_parameters: [goal]
//	    prompts:
//	      system: "You coach {{user_name}} on {{goal}}."
type Catalog struct {
	mu     sync.RWMutex
	path   string
	topics map[string]*Topic
}

// NewCatalog builds a catalog from topics, compiling each.
func NewCatalog(topics ...*Topic) (*Catalog, error) {
	c := &Catalog{}
	if err := c.set(topics); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCatalog builds a catalog from YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topic catalog: %w", err)
	}
	return NewCatalog(f.Topics...)
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := readCatalog(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

func readCatalog(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic catalog: %w", err)
	}
	if info.Size() > maxCatalogSize {
		return nil, fmt.Errorf("topic catalog too large: %d bytes (max %d)", info.Size(), maxCatalogSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read topic catalog: %w", err)
	}
	return data, nil
}

// Reload re-reads the file the catalog was loaded from. On error the
// current topics stay in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog was not loaded from a file")
	}
	data, err := readCatalog(c.path)
	if err != nil {
		return err
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse topic catalog: %w", err)
	}
	return c.set(f.Topics)
}

func (c *Catalog) set(topics []*Topic) error {
	m := make(map[string]*Topic, len(topics))
	for _, t := range topics {
		if t == nil {
			continue
		}
		if err := t.Compile(); err != nil {
			return err
		}
		if _, dup := m[t.ID]; dup {
			return fmt.Errorf("duplicate topic id %q", t.ID)
		}
		m[t.ID] = t
	}
	c.mu.Lock()
	c.topics = m
	c.mu.Unlock()
	return nil
}

// GetTopic implements TopicStore. The returned topic must not be modified.
func (c *Catalog) GetTopic(ctx context.Context, id string) (*Topic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.topics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, id)
	}
	return t, nil
}

// GetPrompt implements PromptStore.
func (c *Catalog) GetPrompt(ctx context.Context, topicID string, pt PromptType) (string, error) {
	t, err := c.GetTopic(ctx, topicID)
	if err != nil {
		return "", err
	}
	p, ok := t.Prompts[pt]
	if !ok || p == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrPromptNotFound, topicID, pt)
	}
	return p, nil
}

// List returns all topics sorted by id.
func (c *Catalog) List() []*Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Topic, 0, len(c.topics))
	for _, t := range c.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package prompt fills topic prompt templates and appends response contracts.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/aixgo-dev/coachflow/internal/llm/schema"
)

// RenderError is returned when a prompt cannot be produced. No partial
// prompt is ever returned alongside it.
type RenderError struct {
	TopicID    string
	PromptType string
	Reason     string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s prompt for topic %s: %s", e.PromptType, e.TopicID, e.Reason)
}

// Render substitutes {{name}} and {name} placeholders with values from
// params. Placeholders without a value are left as they are, so literal JSON
// in a template survives.
func Render(template string, params map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}

		name, end, ok := placeholderAt(template, i)
		if !ok {
			b.WriteByte(template[i])
			i++
			continue
		}
		v, found := params[name]
		if !found {
			b.WriteString(template[i:end])
			i = end
			continue
		}
		s, err := Stringify(v)
		if err != nil {
			return "", fmt.Errorf("parameter %q: %w", name, err)
		}
		b.WriteString(s)
		i = end
	}
	return b.String(), nil
}

// placeholderAt reports whether a placeholder starts at i and returns its
// name and the index just past it. {{ name }} is tried before {name}, so
// the single form never matches inside a double one.
func placeholderAt(s string, i int) (name string, end int, ok bool) {
	if strings.HasPrefix(s[i:], "{{") {
		closeIdx := strings.Index(s[i+2:], "}}")
		if closeIdx == -1 {
			return "", 0, false
		}
		name = strings.TrimSpace(s[i+2 : i+2+closeIdx])
		if !isIdentifier(name) {
			return "", 0, false
		}
		return name, i + 2 + closeIdx + 2, true
	}

	closeIdx := strings.IndexByte(s[i+1:], '}')
	if closeIdx == -1 {
		return "", 0, false
	}
	name = s[i+1 : i+1+closeIdx]
	if !isIdentifier(name) {
		return "", 0, false
	}
	return name, i + 1 + closeIdx + 1, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// Stringify converts a parameter value to prompt text. Lists are joined
// with ", " and objects are JSON-encoded.
func Stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []string:
		return strings.Join(t, ", "), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			s, err := Stringify(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ", "), nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(data), nil
}

// contractHeader introduces the schema appended to system prompts.
const contractHeader = "## Response format\n\n" +
	"Your response MUST be a valid JSON object that matches this schema:\n"

const contractFooter = "\nRespond ONLY with the JSON object. Do not add explanations before or after it."

// InjectResponseContract appends the JSON response instructions for target
// to systemPrompt. It also returns the closed variant of target for
// providers that support constrained decoding.
func InjectResponseContract(systemPrompt string, target *schema.Schema) (string, *schema.Schema, error) {
	if target == nil {
		return "", nil, errors.New("response schema is required")
	}
	closed := target.Closed()
	pretty, err := json.MarshalIndent(closed, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode response schema: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(systemPrompt, "\n"))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(contractHeader)
	b.WriteString("```json\n")
	b.Write(pretty)
	b.WriteString("\n```\n")
	b.WriteString(contractFooter)
	return b.String(), closed, nil
}

// Renderer renders topic prompts and reports failures as RenderError.
type Renderer struct{}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderPrompt renders one named prompt of a topic.
func (r *Renderer) RenderPrompt(topicID, promptType, template string, params map[string]any) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", &RenderError{TopicID: topicID, PromptType: promptType, Reason: "template is empty"}
	}
	out, err := Render(template, params)
	if err != nil {
		return "", &RenderError{TopicID: topicID, PromptType: promptType, Reason: err.Error()}
	}
	return out, nil
}

// RenderWithContract renders a system prompt and appends the response
// contract for target.
func (r *Renderer) RenderWithContract(topicID, promptType, template string, params map[string]any, target *schema.Schema) (string, *schema.Schema, error) {
	rendered, err := r.RenderPrompt(topicID, promptType, template, params)
	if err != nil {
		return "", nil, err
	}
	out, closed, err := InjectResponseContract(rendered, target)
	if err != nil {
		return "", nil, &RenderError{TopicID: topicID, PromptType: promptType, Reason: err.Error()}
	}
	return out, closed, nil
}

// Unresolved lists placeholder names left in a rendered prompt, sorted.
func Unresolved(rendered string) []string {
	seen := map[string]bool{}
	for i := 0; i < len(rendered); i++ {
		if rendered[i] != '{' {
			continue
		}
		if name, end, ok := placeholderAt(rendered, i); ok {
			seen[name] = true
			i = end - 1
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

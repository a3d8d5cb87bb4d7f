// Package parser turns free-text model output into structured results.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/aixgo-dev/coachflow/internal/llm/schema"
)

// Strategy names the parsing step that produced a result.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyFenced   Strategy = "fenced"
	StrategyCoercion Strategy = "coercion"
	// StrategyFallback marks raw text stored because nothing else worked.
	StrategyFallback Strategy = "fallback"
)

// maxExcerpt bounds how much raw output a SerializationError carries.
const maxExcerpt = 500

// Result is a parsed model response.
type Result struct {
	Data     any      `json:"data"`
	Strategy Strategy `json:"strategy"`
	Raw      string   `json:"-"`
	// Fallback is set when Data only wraps the raw text.
	Fallback bool `json:"fallback,omitempty"`
}

// Object returns Data as a JSON object, or nil if it is not one.
func (r *Result) Object() map[string]any {
	m, _ := r.Data.(map[string]any)
	return m
}

// SerializationError is returned when no strategy could produce a value that
// matches the target schema.
type SerializationError struct {
	TopicID    string
	TargetType string
	Reason     string
	Excerpt    string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("topic %s: cannot parse model output as %s: %s", e.TopicID, e.TargetType, e.Reason)
}

// ResponseParser applies the parsing strategies in a fixed order:
// direct decode, fenced or embedded JSON, then catch-all field coercion.
// The first strategy that yields a schema-valid value wins.
type ResponseParser struct {
	logf func(format string, args ...any)
}

// NewResponseParser creates a parser that logs strategy failures.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{logf: log.Printf}
}

var fencedBlockRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \\t]*\\r?\\n?(.*?)```")

// Parse parses raw against target. A nil target accepts any JSON object.
func (p *ResponseParser) Parse(topicID, raw string, target *schema.Schema) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, p.fail(topicID, raw, target, "empty response")
	}

	var reasons []string

	// 1. The whole response is JSON.
	v, err := decodeAndValidate(trimmed, target)
	if err == nil {
		return &Result{Data: v, Strategy: StrategyDirect, Raw: raw}, nil
	}
	p.logFailure(topicID, StrategyDirect, err)
	reasons = append(reasons, fmt.Sprintf("%s: %v", StrategyDirect, err))

	// 2. JSON inside a fenced block or embedded in prose.
	err = errors.New("no JSON candidate found")
	for _, candidate := range extractCandidates(trimmed) {
		v, err = decodeAndValidate(candidate, target)
		if err == nil {
			return &Result{Data: v, Strategy: StrategyFenced, Raw: raw}, nil
		}
	}
	p.logFailure(topicID, StrategyFenced, err)
	reasons = append(reasons, fmt.Sprintf("%s: %v", StrategyFenced, err))

	// 3. Free text into the schema's single catch-all field.
	if field, ok := target.CatchAllField(); ok {
		obj := map[string]any{field: trimmed}
		err = target.Validate(obj)
		if err == nil {
			return &Result{Data: obj, Strategy: StrategyCoercion, Raw: raw}, nil
		}
		p.logFailure(topicID, StrategyCoercion, err)
		reasons = append(reasons, fmt.Sprintf("%s: %v", StrategyCoercion, err))
	}

	return nil, p.fail(topicID, raw, target, strings.Join(reasons, "; "))
}

// Decode parses raw into a T using T's schema.
func Decode[T any](p *ResponseParser, topicID, raw string) (*T, Strategy, error) {
	target := schema.For[T]()
	res, err := p.Parse(topicID, raw, target)
	if err != nil {
		return nil, "", err
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return nil, "", p.fail(topicID, raw, target, err.Error())
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", p.fail(topicID, raw, target, err.Error())
	}
	return &out, res.Strategy, nil
}

func (p *ResponseParser) logFailure(topicID string, s Strategy, err error) {
	if p.logf != nil {
		p.logf("[Parser] topic=%s strategy=%s failed: %v", topicID, s, err)
	}
}

func (p *ResponseParser) fail(topicID, raw string, target *schema.Schema, reason string) error {
	return &SerializationError{
		TopicID:    topicID,
		TargetType: target.Name(),
		Reason:     reason,
		Excerpt:    excerpt(raw),
	}
}

func decodeAndValidate(text string, target *schema.Schema) (any, error) {
	if text == "" || (text[0] != '{' && text[0] != '[') {
		return nil, errors.New("not a JSON object or array")
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	if target == nil {
		if _, ok := v.(map[string]any); !ok {
			return nil, errors.New("expected a JSON object")
		}
		return v, nil
	}
	if err := target.Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// extractCandidates returns the first fenced block if there is one.
// Otherwise it returns the first balanced object span, then the first
// balanced array span.
func extractCandidates(text string) []string {
	var out []string
	add := func(c string) {
		if c == "" {
			return
		}
		for _, existing := range out {
			if existing == c {
				return
			}
		}
		out = append(out, c)
	}
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		add(strings.TrimSpace(m[1]))
		return out
	}
	add(balancedSpan(text, '{', '}'))
	add(balancedSpan(text, '[', ']'))
	return out
}

// balancedSpan finds the first balanced span opened by open, honouring
// string literals and escapes.
func balancedSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case open:
			if !inString {
				depth++
			}
		case close:
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

func excerpt(raw string) string {
	if len(raw) <= maxExcerpt {
		return raw
	}
	cut := maxExcerpt
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut]
}

// Package schema describes the shape of structured model output.
//
// A Schema is built once per Go type (or parsed once from topic
// configuration) and reused for three things: the response contract shown to
// the model, the closed schema handed to providers that support constrained
// decoding, and validation of parsed output.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema represents a JSON Schema.
// Schemas returned by For and FromType are shared; treat them as read-only
// and use Clone or Closed to derive variants.
type Schema struct {
	Title                string             `json:"title,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Format               string             `json:"format,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	Pattern              string             `json:"pattern,omitempty"`
	Default              any                `json:"default,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	OneOf                []*Schema          `json:"oneOf,omitempty"`
	AnyOf                []*Schema          `json:"anyOf,omitempty"`
	AllOf                []*Schema          `json:"allOf,omitempty"`
	Defs                 map[string]*Schema `json:"$defs,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

// CatchAllFields are property names that can absorb free text when a model
// ignores the JSON contract.
var CatchAllFields = []string{"response", "content", "text", "message", "answer", "output", "result"}

// Parse parses a JSON Schema from raw JSON, e.g. a topic's extraction schema.
func Parse(raw json.RawMessage) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// FromMap builds a schema from a decoded document, e.g. one read from YAML.
func FromMap(doc map[string]any) (*Schema, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the title, or "object" when untitled.
func (s *Schema) Name() string {
	if s == nil || s.Title == "" {
		return "object"
	}
	return s.Title
}

// JSON returns the compact encoding.
func (s *Schema) JSON() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		// Schema only holds JSON-native values.
		panic(fmt.Sprintf("schema: marshal: %v", err))
	}
	return data
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	c := *s
	c.Required = append([]string(nil), s.Required...)
	c.Enum = append([]any(nil), s.Enum...)
	c.Items = s.Items.Clone()
	c.Properties = cloneMap(s.Properties)
	c.Defs = cloneMap(s.Defs)
	c.OneOf = cloneList(s.OneOf)
	c.AnyOf = cloneList(s.AnyOf)
	c.AllOf = cloneList(s.AllOf)
	if s.AdditionalProperties != nil {
		v := *s.AdditionalProperties
		c.AdditionalProperties = &v
	}
	return &c
}

func cloneMap(m map[string]*Schema) map[string]*Schema {
	if m == nil {
		return nil
	}
	out := make(map[string]*Schema, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneList(l []*Schema) []*Schema {
	if l == nil {
		return nil
	}
	out := make([]*Schema, len(l))
	for i, v := range l {
		out[i] = v.Clone()
	}
	return out
}

// Closed returns a copy in which every object that declares properties
// rejects undeclared ones, through nested properties, $defs, array items and
// composition branches. Free-form objects (no declared properties) stay open.
func (s *Schema) Closed() *Schema {
	c := s.Clone()
	closeInPlace(c)
	return c
}

func closeInPlace(s *Schema) {
	if s == nil {
		return
	}
	if len(s.Properties) > 0 {
		f := false
		s.AdditionalProperties = &f
	}
	for _, p := range s.Properties {
		closeInPlace(p)
	}
	for _, d := range s.Defs {
		closeInPlace(d)
	}
	closeInPlace(s.Items)
	for _, l := range [][]*Schema{s.OneOf, s.AnyOf, s.AllOf} {
		for _, b := range l {
			closeInPlace(b)
		}
	}
}

// CatchAllField returns the single catch-all property of an object schema.
// It returns false when there is none or more than one.
func (s *Schema) CatchAllField() (string, bool) {
	if s == nil || len(s.Properties) == 0 {
		return "", false
	}
	found := ""
	for _, name := range CatchAllFields {
		p, ok := s.Properties[name]
		if !ok || p == nil {
			continue
		}
		if p.Type != "" && p.Type != "string" {
			continue
		}
		if found != "" {
			return "", false
		}
		found = name
	}
	return found, found != ""
}

// compiled is keyed by the schema's JSON so that equal schemas, such as
// the ones rebuilt on every catalog reload, share one entry.
var compiled sync.Map // string -> *jsonschema.Schema

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(v any) error {
	cs, err := s.compile()
	if err != nil {
		return err
	}
	return cs.Validate(v)
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	raw := s.JSON()
	key := string(raw)
	if cs, ok := compiled.Load(key); ok {
		return cs.(*jsonschema.Schema), nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	cs, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(key, cs)
	return actual.(*jsonschema.Schema), nil
}

var byType sync.Map // reflect.Type -> *Schema

// For returns the schema of T, built once per type.
func For[T any]() *Schema {
	return FromType(reflect.TypeFor[T]())
}

// FromType returns the schema of t, built once per type.
//
// Field names follow json tags. A field is required unless its tag has
// omitempty or it is a pointer. The description and enum tags add
// documentation and allowed values:
//
//	Mood string `json:"mood" description:"overall tone" enum:"positive,neutral,negative"`
func FromType(t reflect.Type) *Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if s, ok := byType.Load(t); ok {
		return s.(*Schema)
	}
	s := generate(t, map[reflect.Type]bool{})
	if t.Kind() == reflect.Struct && t.Name() != "" {
		s.Title = t.Name()
	}
	actual, _ := byType.LoadOrStore(t, s)
	return actual.(*Schema)
}

var timeType = reflect.TypeFor[time.Time]()

func generate(t reflect.Type, seen map[reflect.Type]bool) *Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == timeType {
		return &Schema{Type: "string", Format: "date-time"}
	}

	s := &Schema{}
	switch t.Kind() {
	case reflect.String:
		s.Type = "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s.Type = "integer"
	case reflect.Float32, reflect.Float64:
		s.Type = "number"
	case reflect.Bool:
		s.Type = "boolean"
	case reflect.Slice, reflect.Array:
		s.Type = "array"
		s.Items = generate(t.Elem(), seen)
	case reflect.Map:
		s.Type = "object"
	case reflect.Struct:
		s.Type = "object"
		if seen[t] {
			// Recursive type; leave the nested level free-form.
			return s
		}
		seen[t] = true
		defer delete(seen, t)

		s.Properties = make(map[string]*Schema)
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitempty, skip := jsonName(field)
			if skip {
				continue
			}

			prop := generate(field.Type, seen)
			if desc := field.Tag.Get("description"); desc != "" {
				prop.Description = desc
			}
			if enum := field.Tag.Get("enum"); enum != "" {
				for _, v := range strings.Split(enum, ",") {
					prop.Enum = append(prop.Enum, strings.TrimSpace(v))
				}
			}
			s.Properties[name] = prop

			if !omitempty && field.Type.Kind() != reflect.Pointer {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func jsonName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = f.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

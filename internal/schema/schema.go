// Package schema describes and validates the data carried by action calls,
// outputs, inputs and context arguments.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsreflect "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const compiledCacheSize = 256

var (
	compiled, _ = lru.New[string, *jsonschema.Schema](compiledCacheSize)
	printer     = message.NewPrinter(language.English)
)

// Schema is a JSON schema, or the identity text type that accepts any string
// unchanged. A nil *Schema accepts anything.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
	text     bool
}

// Text returns the identity string schema.
func Text() *Schema {
	return &Schema{raw: json.RawMessage(`{"type":"string"}`), text: true}
}

// JSON compiles a raw JSON schema document.
func JSON(raw string) (*Schema, error) {
	c, err := compile([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &Schema{raw: json.RawMessage(raw), compiled: c}, nil
}

// MustJSON is JSON for schemas known at init time.
func MustJSON(raw string) *Schema {
	s, err := JSON(raw)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return s
}

// Reflect derives a schema from the Go type T, following its json tags.
func Reflect[T any]() *Schema {
	r := &jsreflect.Reflector{Anonymous: true, DoNotReference: true, ExpandedStruct: true}
	raw, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		panic(fmt.Sprintf("schema: reflect %T: %v", *new(T), err))
	}
	return MustJSON(string(raw))
}

// IsText reports whether s is the identity string schema.
func (s *Schema) IsText() bool { return s != nil && s.text }

// Raw returns the schema document, for rendering into prompts.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

func (s *Schema) String() string { return string(s.Raw()) }

// Issue is one validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every issue found while validating a value.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		path := is.Path
		if path == "" {
			path = "/"
		}
		parts = append(parts, path+": "+is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks v against s. The value is normalized through JSON first,
// so Go structs and numeric types validate like their decoded form.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	if s.text {
		if _, ok := v.(string); !ok {
			return &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("expected string, got %T", v)}}}
		}
		return nil
	}
	inst, err := Normalize(v)
	if err != nil {
		return &ValidationError{Issues: []Issue{{Message: err.Error()}}}
	}
	if err := s.compiled.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			out := &ValidationError{}
			collect(ve, out)
			return out
		}
		return err
	}
	return nil
}

func collect(ve *jsonschema.ValidationError, out *ValidationError) {
	if len(ve.Causes) == 0 {
		path := ""
		if len(ve.InstanceLocation) > 0 {
			path = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		out.Issues = append(out.Issues, Issue{Path: path, Message: ve.ErrorKind.LocalizedString(printer)})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// Normalize converts v into the generic form produced by decoding JSON
// (maps, slices, json.Number, strings, bools, nil).
func Normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func compile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)
	if c, ok := compiled.Get(key); ok {
		return c, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	compiled.Add(key, sch)
	return sch, nil
}

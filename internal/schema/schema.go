// Package schema validates output_schema and tool parameter documents
// (JSON Schema draft-07, per the config format) against the values the
// gateway is about to send to or accept from a model.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema document, safe for concurrent use across
// many inference requests.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile parses and compiles a draft-07 schema document. name is used only
// to make validation errors legible (e.g. the function or tool it belongs to).
func Compile(name string, doc json.RawMessage) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)

	unmarshaled, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema %q: parse: %w", name, err)
	}

	resource := "schema://" + name
	if err := c.AddResource(resource, unmarshaled); err != nil {
		return nil, fmt.Errorf("schema %q: add resource: %w", name, err)
	}

	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("schema %q: compile: %w", name, err)
	}

	return &Schema{name: name, compiled: compiled}, nil
}

// Name returns the identifier this schema was compiled with.
func (s *Schema) Name() string { return s.name }

// Validate checks value (already decoded into Go types: map[string]interface{},
// []interface{}, string, float64, bool, nil) against the schema.
func (s *Schema) Validate(value interface{}) error {
	if err := s.compiled.Validate(value); err != nil {
		return &ValidationError{SchemaName: s.name, Cause: err}
	}
	return nil
}

// ValidateJSON decodes raw JSON and validates it in one step.
func (s *Schema) ValidateJSON(raw json.RawMessage) error {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("schema %q: invalid json: %w", s.name, err)
	}
	return s.Validate(value)
}

// ValidationError reports that a value failed schema validation. Nothing in
// the gateway outside this package's tests calls Validate, so nothing maps
// this error to an apierr kind.
type ValidationError struct {
	SchemaName string
	Cause      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %q: validation failed: %v", e.SchemaName, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

package workspacedoc

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSchema accepts any object whose well-known collections are arrays.
const DefaultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "orders":    {"type": "array"},
    "products":  {"type": "array"},
    "forecasts": {"type": "array"},
    "payments":  {"type": "array"}
  }
}`

const schemaResource = "relaystate://workspace.schema.json"

type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaText. An empty string selects DefaultSchema.
func NewValidator(schemaText string) (*Validator, error) {
	if strings.TrimSpace(schemaText) == "" {
		schemaText = DefaultSchema
	}
	raw, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return nil, fmt.Errorf("parse workspace schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, raw); err != nil {
		return nil, fmt.Errorf("add workspace schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile workspace schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func NewValidatorFromFile(path string) (*Validator, error) {
	if strings.TrimSpace(path) == "" {
		return NewValidator("")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewValidator(string(data))
}

// Validate reports ErrInvalidDocument when doc does not satisfy the schema.
// A nil validator accepts everything.
func (v *Validator) Validate(doc Document) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if doc == nil {
		return fmt.Errorf("%w: document is empty", ErrInvalidDocument)
	}
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

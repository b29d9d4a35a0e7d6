package wire

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema constrains the shape every inbound frame must satisfy
// before dispatch. It deliberately does not enumerate known types: an
// unknown type must reach the router's structured "unknown type" branch,
// not die here as a schema violation.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1, "maxLength": 64},
		"messageId": {"type": "string", "maxLength": 128}
	},
	"required": ["type"]
}`

// Validator checks inbound frames against the envelope schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded envelope schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(envelopeSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate parses raw and checks it against the envelope schema. It returns
// an error for non-JSON input, non-object frames, and head-field violations.
func (v *Validator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

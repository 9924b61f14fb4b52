// =============================================================================
// JSON SCHEMA VALIDATION - OPTIONAL PER-TOPIC VALUE CONTRACT
// =============================================================================
//
// A topic may carry a JSON Schema for record values. The leader validates
// every produced value before it is appended, so consumers never see a value
// that breaks the contract:
//
//   topic "orders" schema:
//   {
//     "type": "object",
//     "properties": {"id": {"type": "string"}, "qty": {"type": "integer"}},
//     "required": ["id"]
//   }
//
//   {"id":"o-1","qty":2}   accepted
//   {"qty":"two"}          ErrInvalidRecord: (root): id is required; qty: ...
//
// Followers never validate: they copy what the leader accepted.
//
// =============================================================================

package broker

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"logq/pkg/protocol"
)

// SchemaValidator checks record values against a compiled JSON Schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
	source string
}

// NewSchemaValidator compiles a schema document. An empty source returns a
// nil validator, which accepts everything.
func NewSchemaValidator(source string) (*SchemaValidator, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid value schema: %v", protocol.ErrInvalidRequest, err)
	}
	return &SchemaValidator{schema: schema, source: source}, nil
}

// Validate returns nil for a conforming value and a *ValidationError
// (matching protocol.ErrInvalidRecord) otherwise.
func (v *SchemaValidator) Validate(value []byte) error {
	if v == nil {
		return nil
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return &ValidationError{Errors: []string{"value is not valid JSON: " + err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{Errors: problems}
}

// Source returns the schema document.
func (v *SchemaValidator) Source() string {
	if v == nil {
		return ""
	}
	return v.source
}

// ValidationError lists every schema violation of one value.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", protocol.ErrInvalidRecord, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return protocol.ErrInvalidRecord
}

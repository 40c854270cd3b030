// Package schema checks the shape of documents returned by the reasoning
// agent and publishes the JSON Schema of the expected contract.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/lucasnoah/ciheal/internal/plan"
)

// Phase selects which contract a document must satisfy.
type Phase string

const (
	Planning  Phase = "planning"
	Execution Phase = "execution"
)

// SchemaError reports a document that does not match its phase contract.
type SchemaError struct {
	Phase   Phase
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s schema: %s: %s", e.Phase, e.Field, e.Message)
}

// Validate checks the minimal shape required for phase.
// Planning documents need an array "batches" (possibly empty). Execution
// documents need a boolean "valid".
func Validate(doc json.RawMessage, phase Phase) error {
	if !gjson.ValidBytes(doc) {
		return &SchemaError{Phase: phase, Field: "$", Message: "not valid JSON"}
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return &SchemaError{Phase: phase, Field: "$", Message: "must be an object"}
	}

	switch phase {
	case Planning:
		return requireField(root, phase, "batches", "array", func(r gjson.Result) bool { return r.IsArray() })
	case Execution:
		return requireField(root, phase, "valid", "boolean", func(r gjson.Result) bool { return r.IsBool() })
	default:
		return fmt.Errorf("unknown schema phase %q", phase)
	}
}

func requireField(root gjson.Result, phase Phase, field, kind string, ok func(gjson.Result) bool) error {
	v := root.Get(field)
	if !v.Exists() {
		return &SchemaError{Phase: phase, Field: field, Message: "is required"}
	}
	if !ok(v) {
		return &SchemaError{Phase: phase, Field: field, Message: fmt.Sprintf("must be %s, got %s", kind, v.Type)}
	}
	return nil
}

func reflector() *jsonschema.Reflector {
	kindType := reflect.TypeOf(plan.Kind(0))
	return &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t != kindType {
				return nil
			}
			enum := make([]any, 0, len(plan.KindNames()))
			for _, name := range plan.KindNames() {
				enum = append(enum, name)
			}
			return &jsonschema.Schema{Type: "string", Enum: enum}
		},
	}
}

// PlanSchema returns the JSON Schema of the planning contract.
func PlanSchema() ([]byte, error) {
	return reflectSchema(&plan.Document{})
}

// VerdictSchema returns the JSON Schema of the execution contract.
func VerdictSchema() ([]byte, error) {
	return reflectSchema(&plan.Verdict{})
}

func reflectSchema(v any) ([]byte, error) {
	s := reflector().Reflect(v)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

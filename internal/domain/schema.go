package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidateArguments checks args structurally against a tool's input schema.
// A nil or empty schema accepts anything. Failures map to ErrInvalidArguments
// and must be raised before any channel I/O.
func ValidateArguments(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return fmt.Errorf("%w: decode schema: %v", ErrInvalidArguments, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("%w: resolve schema: %v", ErrInvalidArguments, err)
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects for decoded documents.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: encode arguments: %v", ErrInvalidArguments, err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: decode arguments: %v", ErrInvalidArguments, err)
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

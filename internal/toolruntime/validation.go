package toolruntime

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidArguments is returned when a built-in tool's arguments fail
// schema validation before its handler ever runs.
var ErrInvalidArguments = fmt.Errorf("toolruntime: arguments failed schema validation")

// compileSchema compiles a ToolSpec.Schema document (already a plain
// map[string]any, as built-ins declare it) into a reusable validator.
//
// Grounded on goadesign-goa-ai's registry/service.go
// validatePayloadJSONAgainstSchema (NewCompiler + AddResource + Compile),
// adapted to compile once at registration time instead of per call.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("toolruntime: add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// validateArgs re-encodes args through encoding/json so map values match
// the decoded-JSON shape (float64 numbers, etc.) jsonschema expects, then
// validates against schema.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolruntime: encode arguments for validation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("toolruntime: decode arguments for validation: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateInput checks a tool call argument object against the tool's JSON
// Schema. A nil or empty schema accepts anything. Both the schema and the
// input pass through a JSON round trip first so Go-built values validate
// exactly like wire-decoded ones.
func ValidateInput(schema map[string]any, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	doc, err := normalize(schema)
	if err != nil {
		return fmt.Errorf("schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	payload, err := normalize(input)
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return compiled.Validate(payload)
}

func normalize(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package notify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// completionSchema constrains the data section of completion events.
const completionSchema = `{
  "type": "object",
  "required": ["requestId", "status", "outputCsvUrl", "processedItems", "totalItems"],
  "additionalProperties": false,
  "properties": {
    "requestId":      {"type": "string", "minLength": 1},
    "status":         {"type": "string", "enum": ["completed"]},
    "outputCsvUrl":   {"type": "string", "minLength": 1},
    "processedItems": {"type": "integer", "minimum": 0},
    "totalItems":     {"type": "integer", "minimum": 0}
  }
}`

var compiledCompletionSchema = mustCompile("completion.json", completionSchema)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// ValidateJSONAgainstSchema validates "data" against a compiled schema.
func ValidateJSONAgainstSchema(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

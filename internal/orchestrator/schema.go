package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "tenant_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "agent"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "agent": {"type": "string", "minLength": 1},
          "input_mapping": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "idempotent": {"type": "boolean"},
          "max_retries": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledDefinitionSchema = jsonschema.MustCompileString("definition.json", definitionSchema)

// ValidateDefinitionPayload checks a raw create request against the definition
// schema before anything is persisted.
func ValidateDefinitionPayload(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrValidation, err)
	}
	if err := compiledDefinitionSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

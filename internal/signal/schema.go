package signal

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const commandSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["command"],
  "additionalProperties": false,
  "properties": {
    "command":    {"type": "string", "minLength": 1, "pattern": "^[A-Za-z_-]+$"},
    "agent_id":   {"type": "string"},
    "reference":  {"type": "string"},
    "priority":   {"type": "string", "enum": ["", "high", "normal", "HIGH", "NORMAL"]},
    "state":      {"type": "string"},
    "request_id": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func commandSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal command schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("command.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("command.json")
	})
	return schema, schemaErr
}

// validateDocument checks raw against the command document schema.
func validateDocument(raw []byte) error {
	s, err := commandSchema()
	if err != nil {
		return err
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

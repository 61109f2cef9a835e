package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Document is the JSON Schema of a workflow document. It is sent to the
// language model as the response format and used to pre-check its output.
const Document = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Workflow",
  "type": "object",
  "required": ["name", "nodes", "edges", "triggers"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type", "action"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "action": {"type": "string"},
          "inputs": {"type": "object"},
          "outputs": {"type": "array", "items": {"type": "string"}},
          "authRef": {"type": "string"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["fromNodeId", "toNodeId"],
        "properties": {
          "fromNodeId": {"type": "string"},
          "fromPort": {"type": "string"},
          "toNodeId": {"type": "string"},
          "toPort": {"type": "string"}
        }
      }
    },
    "triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "config"],
        "properties": {
          "type": {"type": "string", "enum": ["webhook", "schedule"]},
          "config": {"type": "object"},
          "nodeId": {"type": "string"}
        }
      }
    },
    "env": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.NewCompiler().Compile([]byte(Document))
	})
	return compiled, compileErr
}

// CheckDocument validates decoded JSON against Document. It reports the
// shape problems of model output with richer messages than Parse, but it
// does not replace Parse: referential checks happen only there.
func CheckDocument(data []byte) error {
	s, err := documentSchema()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fail("", "document must be JSON: %v", err)
	}

	result := s.Validate(v)
	if !result.IsValid() {
		return fail("", "%s", result.Error())
	}
	return nil
}

package workflow

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchema is a structural gate, not a full n8n contract: it exists to
// reject files that would corrupt hashing or push payloads, while leaving
// node and connection internals to the remote service.
const workflowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "nodes", "connections"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "active": {"type": "boolean"},
    "nodes": {"type": "array"},
    "connections": {"type": "object"},
    "settings": {"type": "object"},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

var compileSchemaOnce = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workflow.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("workflow.schema.json")
})

// Validate checks raw file content against the workflow schema. A validation
// failure marks the file as skippable for the current cycle; it is never
// fatal to the watch loop.
func Validate(data []byte) error {
	schema, err := compileSchemaOnce()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

const schemaGenerationErrorTemplateConstant = "unable to generate pipeline schema: %w"

// DocumentSchema mirrors the on-disk layout of a pipeline file for schema generation.
type DocumentSchema struct {
	Version   string               `json:"version" jsonschema:"configuration format version"`
	Workflows map[string]any       `json:"workflows,omitempty" jsonschema:"workflows keyed by name; the version key holds the workflow schema version"`
	Jobs      map[string]JobSchema `json:"jobs" jsonschema:"jobs keyed by name"`
}

// JobSchema mirrors one job entry.
type JobSchema struct {
	Docker []DockerImage `json:"docker" jsonschema:"container images; the first image runs the steps"`
	Steps  []any         `json:"steps" jsonschema:"checkout, or a run step given as a command string or a mapping with name and command"`
}

// JSONSchema renders the JSON Schema of a pipeline document.
func JSONSchema() ([]byte, error) {
	schema, schemaError := jsonschema.For[DocumentSchema](nil)
	if schemaError != nil {
		return nil, fmt.Errorf(schemaGenerationErrorTemplateConstant, schemaError)
	}
	encoded, encodeError := json.MarshalIndent(schema, "", "  ")
	if encodeError != nil {
		return nil, fmt.Errorf(schemaGenerationErrorTemplateConstant, encodeError)
	}
	return append(encoded, '\n'), nil
}

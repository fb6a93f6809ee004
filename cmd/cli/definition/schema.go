package definition

import (
	"github.com/spf13/cobra"

	"github.com/tyemirov/ciflow/internal/pipeline"
)

const (
	schemaCommandUseConstant   = "schema"
	schemaCommandShortConstant = "Print the JSON Schema of the pipeline definition"
)

// SchemaCommandBuilder assembles the schema command.
type SchemaCommandBuilder struct{}

// Build constructs the schema command.
func (builder *SchemaCommandBuilder) Build() (*cobra.Command, error) {
	return &cobra.Command{
		Use:   schemaCommandUseConstant,
		Short: schemaCommandShortConstant,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			schema, schemaError := pipeline.JSONSchema()
			if schemaError != nil {
				return schemaError
			}
			_, writeError := command.OutOrStdout().Write(schema)
			return writeError
		},
	}, nil
}

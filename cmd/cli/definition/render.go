package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/validation"
)

const (
	renderCommandUseConstant          = "render"
	renderCommandShortConstant        = "Render the default pipeline definition"
	renderCommandLongConstant         = "render expands the default job template once per configured runtime variant and prints the resulting pipeline definition. The rendered definition is validated before it is written."
	renderOutputFlagNameConstant      = "output"
	renderOutputFlagShorthandConstant = "o"
	renderOutputFlagUsageConstant     = "Write the rendered definition to this file instead of standard output"
	renderDirectoryErrorTemplate      = "unable to create directory for %s: %w"
	renderWriteErrorTemplate          = "unable to write rendered pipeline %s: %w"
	renderDirectoryPermissionsConst   = 0o755
	renderFilePermissionsConstant     = 0o644
)

// RenderCommandBuilder assembles the render command.
type RenderCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the render command.
func (builder *RenderCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   renderCommandUseConstant,
		Short: renderCommandShortConstant,
		Long:  renderCommandLongConstant,
		Args:  cobra.NoArgs,
		RunE:  builder.run,
	}
	command.Flags().StringP(renderOutputFlagNameConstant, renderOutputFlagShorthandConstant, "", renderOutputFlagUsageConstant)
	return command, nil
}

func (builder *RenderCommandBuilder) run(command *cobra.Command, arguments []string) error {
	configuration := resolveConfiguration(builder.ConfigurationProvider)
	logger := resolveLogger(builder.LoggerProvider)

	rendered, renderError := pipeline.RenderDefault(configuration.Template.Settings, configuration.Template.Variants)
	if renderError != nil {
		return renderError
	}

	validator, validatorError := validation.NewValidator(configuration.Validation)
	if validatorError != nil {
		return fmt.Errorf(validatorConstructionErrorTemplate, validatorError)
	}
	if reportError := validator.Validate(rendered).Err(); reportError != nil {
		return reportError
	}

	content, marshalError := pipeline.Marshal(rendered)
	if marshalError != nil {
		return marshalError
	}
	fingerprint, fingerprintError := pipeline.Fingerprint(rendered)
	if fingerprintError != nil {
		return fingerprintError
	}

	outputPath, _ := command.Flags().GetString(renderOutputFlagNameConstant)
	outputPath = strings.TrimSpace(outputPath)
	if len(outputPath) == 0 {
		_, writeError := command.OutOrStdout().Write(content)
		return writeError
	}

	if directoryError := os.MkdirAll(filepath.Dir(outputPath), renderDirectoryPermissionsConst); directoryError != nil {
		return fmt.Errorf(renderDirectoryErrorTemplate, outputPath, directoryError)
	}
	if writeError := os.WriteFile(outputPath, content, renderFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(renderWriteErrorTemplate, outputPath, writeError)
	}

	logger.Info(
		"pipeline_rendered",
		zap.String("path", outputPath),
		zap.Int("jobs", len(rendered.Jobs)),
		zap.String("fingerprint", fingerprint),
	)
	return nil
}

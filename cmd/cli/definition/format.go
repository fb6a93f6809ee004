package definition

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/pipeline"
)

const (
	formatCommandUseConstant       = "fmt [pipeline]"
	formatCommandShortConstant     = "Rewrite a pipeline definition in canonical form"
	formatCommandLongConstant      = "fmt parses the pipeline definition and renders it in canonical form: version, workflows and jobs in declaration order, anchors expanded and comments removed. By default the canonical document is printed to standard output."
	formatWriteFlagNameConstant    = "write"
	formatWriteFlagUsageConstant   = "Rewrite the pipeline file in place"
	formatDiffFlagNameConstant     = "diff"
	formatDiffFlagUsageConstant    = "Print a unified diff between the file and its canonical form"
	formatCheckFlagNameConstant    = "check"
	formatCheckFlagUsageConstant   = "Fail when the file is not in canonical form"
	formatReadErrorTemplate        = "unable to read pipeline configuration %s: %w"
	formatWriteErrorTemplate       = "unable to write pipeline configuration %s: %w"
	formatNotCanonicalTemplate     = "%s: %w"
	canonicalDiffSuffixConstant    = " (canonical)"
	formatFilePermissionsConstant  = 0o644
	formatNotCanonicalMessageConst = "pipeline configuration is not in canonical form"
	formatUnchangedMessageConstant = "pipeline_already_canonical"
	formatRewrittenMessageConstant = "pipeline_rewritten"
	formatFingerprintFieldConstant = "fingerprint"
	formatPathFieldConstant        = "path"
)

// ErrNotCanonical indicates that fmt --check found a file that differs from its canonical rendering.
var ErrNotCanonical = errors.New(formatNotCanonicalMessageConst)

// FormatCommandBuilder assembles the fmt command.
type FormatCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the fmt command.
func (builder *FormatCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   formatCommandUseConstant,
		Short: formatCommandShortConstant,
		Long:  formatCommandLongConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}
	command.Flags().Bool(formatWriteFlagNameConstant, false, formatWriteFlagUsageConstant)
	command.Flags().Bool(formatDiffFlagNameConstant, false, formatDiffFlagUsageConstant)
	command.Flags().Bool(formatCheckFlagNameConstant, false, formatCheckFlagUsageConstant)
	command.MarkFlagsMutuallyExclusive(formatWriteFlagNameConstant, formatCheckFlagNameConstant)
	return command, nil
}

func (builder *FormatCommandBuilder) run(command *cobra.Command, arguments []string) error {
	configuration := resolveConfiguration(builder.ConfigurationProvider)
	logger := resolveLogger(builder.LoggerProvider)

	writeInPlace, _ := command.Flags().GetBool(formatWriteFlagNameConstant)
	showDiff, _ := command.Flags().GetBool(formatDiffFlagNameConstant)
	checkOnly, _ := command.Flags().GetBool(formatCheckFlagNameConstant)

	pipelinePath := resolvePipelinePath(command, arguments, configuration)
	original, readError := os.ReadFile(pipelinePath)
	if readError != nil {
		return fmt.Errorf(formatReadErrorTemplate, pipelinePath, readError)
	}

	pipelineConfiguration, parseError := pipeline.Parse(original)
	if parseError != nil {
		return parseError
	}
	canonical, marshalError := pipeline.Marshal(pipelineConfiguration)
	if marshalError != nil {
		return marshalError
	}
	fingerprint, fingerprintError := pipeline.Fingerprint(pipelineConfiguration)
	if fingerprintError != nil {
		return fingerprintError
	}

	changed := !bytes.Equal(original, canonical)
	output := command.OutOrStdout()

	if showDiff && changed {
		fmt.Fprint(output, unifiedDiff(pipelinePath, string(original), string(canonical)))
	}

	switch {
	case checkOnly:
		if changed {
			return fmt.Errorf(formatNotCanonicalTemplate, pipelinePath, ErrNotCanonical)
		}
		logger.Info(formatUnchangedMessageConstant, zap.String(formatPathFieldConstant, pipelinePath), zap.String(formatFingerprintFieldConstant, fingerprint))
		return nil
	case writeInPlace:
		if !changed {
			logger.Info(formatUnchangedMessageConstant, zap.String(formatPathFieldConstant, pipelinePath), zap.String(formatFingerprintFieldConstant, fingerprint))
			return nil
		}
		if writeError := os.WriteFile(pipelinePath, canonical, formatFilePermissionsConstant); writeError != nil {
			return fmt.Errorf(formatWriteErrorTemplate, pipelinePath, writeError)
		}
		logger.Info(formatRewrittenMessageConstant, zap.String(formatPathFieldConstant, pipelinePath), zap.String(formatFingerprintFieldConstant, fingerprint))
		return nil
	case showDiff:
		return nil
	default:
		_, writeError := output.Write(canonical)
		return writeError
	}
}

func unifiedDiff(path string, original string, canonical string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), original, canonical)
	return fmt.Sprint(gotextdiff.ToUnified(path, path+canonicalDiffSuffixConstant, original, edits))
}

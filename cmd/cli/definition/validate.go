package definition

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/validation"
)

const (
	validateCommandUseConstant         = "validate [pipeline]"
	validateCommandShortConstant       = "Validate a pipeline definition"
	validateCommandLongConstant        = "validate loads the pipeline definition, classifies every step into checkout, install, lint and test roles, and reports structural, ordering and activation issues. The command fails when any error-level issue is found."
	validateFormatFlagNameConstant     = "format"
	validateFormatFlagUsageConstant    = "Report format (table or yaml)"
	validateFormatTableConstant        = "table"
	validateFormatYAMLConstant         = "yaml"
	unsupportedReportFormatTemplate    = "unsupported report format %q"
	validatorConstructionErrorTemplate = "unable to build validator: %w"
	noIssuesMessageConstant            = "no issues found"
	stepRoleSeparatorConstant          = ", "
)

// ValidateCommandBuilder assembles the validate command.
type ValidateCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the validate command.
func (builder *ValidateCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   validateCommandUseConstant,
		Short: validateCommandShortConstant,
		Long:  validateCommandLongConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}
	command.Flags().String(validateFormatFlagNameConstant, validateFormatTableConstant, validateFormatFlagUsageConstant)
	return command, nil
}

func (builder *ValidateCommandBuilder) run(command *cobra.Command, arguments []string) error {
	configuration := resolveConfiguration(builder.ConfigurationProvider)
	logger := resolveLogger(builder.LoggerProvider)

	reportFormat, _ := command.Flags().GetString(validateFormatFlagNameConstant)
	reportFormat = strings.ToLower(strings.TrimSpace(reportFormat))
	if reportFormat != validateFormatTableConstant && reportFormat != validateFormatYAMLConstant {
		return fmt.Errorf(unsupportedReportFormatTemplate, reportFormat)
	}

	pipelinePath := resolvePipelinePath(command, arguments, configuration)
	pipelineConfiguration, loadError := pipeline.LoadConfiguration(pipelinePath)
	if loadError != nil {
		return loadError
	}

	validator, validatorError := validation.NewValidator(configuration.Validation)
	if validatorError != nil {
		return fmt.Errorf(validatorConstructionErrorTemplate, validatorError)
	}
	report := validator.Validate(pipelineConfiguration)

	logger.Info(
		"pipeline_validated",
		zap.String("path", pipelinePath),
		zap.Int("jobs", len(report.Jobs)),
		zap.Int("issues", len(report.Issues)),
		zap.Int("errors", report.ErrorCount()),
	)

	output := command.OutOrStdout()
	switch reportFormat {
	case validateFormatYAMLConstant:
		if renderError := writeReportYAML(output, pipelinePath, report); renderError != nil {
			return renderError
		}
	default:
		writeReportTables(output, report)
	}

	return report.Err()
}

type reportDocument struct {
	Path   string              `yaml:"path"`
	Valid  bool                `yaml:"valid"`
	Jobs   []jobReportDocument `yaml:"jobs"`
	Issues []issueDocument     `yaml:"issues"`
}

type jobReportDocument struct {
	Name  string   `yaml:"name"`
	Image string   `yaml:"image"`
	Roles []string `yaml:"roles"`
}

type issueDocument struct {
	Code     string `yaml:"code"`
	Severity string `yaml:"severity"`
	Location string `yaml:"location,omitempty"`
	Message  string `yaml:"message"`
}

func writeReportYAML(output io.Writer, pipelinePath string, report validation.Report) error {
	document := reportDocument{
		Path:   pipelinePath,
		Valid:  report.Valid(),
		Jobs:   make([]jobReportDocument, 0, len(report.Jobs)),
		Issues: make([]issueDocument, 0, len(report.Issues)),
	}
	for _, jobReport := range report.Jobs {
		document.Jobs = append(document.Jobs, jobReportDocument{
			Name:  jobReport.Name,
			Image: jobReport.Image,
			Roles: roleNames(jobReport.Roles()),
		})
	}
	for _, issue := range report.Issues {
		document.Issues = append(document.Issues, issueDocument{
			Code:     string(issue.Code),
			Severity: string(issue.Severity),
			Location: issue.Location(),
			Message:  issue.Message,
		})
	}

	encoder := yaml.NewEncoder(output)
	encoder.SetIndent(2)
	if encodeError := encoder.Encode(document); encodeError != nil {
		return encodeError
	}
	return encoder.Close()
}

func writeReportTables(output io.Writer, report validation.Report) {
	jobsTable := newTable(output)
	jobsTable.SetHeader([]string{"Job", "Image", "Steps"})
	for _, jobReport := range report.Jobs {
		jobsTable.Append([]string{jobReport.Name, jobReport.Image, strings.Join(roleNames(jobReport.Roles()), stepRoleSeparatorConstant)})
	}
	jobsTable.Render()

	if len(report.Issues) == 0 {
		fmt.Fprintln(output, noIssuesMessageConstant)
		return
	}

	issuesTable := newTable(output)
	issuesTable.SetHeader([]string{"Severity", "Code", "Location", "Message"})
	for _, issue := range report.Issues {
		issuesTable.Append([]string{string(issue.Severity), string(issue.Code), issue.Location(), issue.Message})
	}
	issuesTable.Render()
}

func newTable(output io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(output)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(true)
	return table
}

func roleNames(roles []validation.StepRole) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return names
}

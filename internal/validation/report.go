package validation

import (
	"fmt"
	"strings"
)

// Severity grades an issue.
type Severity string

// Supported severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueCode is a stable identifier for a validation finding.
type IssueCode string

// Issue codes reported by the validator.
const (
	IssueNoJobs                   IssueCode = "no_jobs"
	IssueNoWorkflows              IssueCode = "no_workflows"
	IssueWorkflowWithoutJobs      IssueCode = "workflow_without_jobs"
	IssueUnknownWorkflowJob       IssueCode = "unknown_workflow_job"
	IssueUnknownRequiredJob       IssueCode = "unknown_required_job"
	IssueWorkflowRequiresCycle    IssueCode = "workflow_requires_cycle"
	IssueDuplicateJob             IssueCode = "duplicate_job"
	IssueJobWithoutImage          IssueCode = "job_without_image"
	IssueJobWithoutSteps          IssueCode = "job_without_steps"
	IssueEmptyRunCommand          IssueCode = "empty_run_command"
	IssueStepOrder                IssueCode = "step_order"
	IssueMissingRole              IssueCode = "missing_role"
	IssueActivationMissing        IssueCode = "activation_missing"
	IssueActivationBeforeCreation IssueCode = "activation_before_creation"
	IssueInstallBeforeActivation  IssueCode = "install_before_activation"
	IssueActivationNotRepeated    IssueCode = "activation_not_repeated"
	IssueMissingArgument          IssueCode = "missing_argument"
)

const (
	noStepIndexConstant                  = -1
	invalidConfigurationTemplateConstant = "configuration invalid: %s"
	additionalIssuesTemplateConstant     = "%s (and %d more errors)"
)

// Issue is a single validation finding.
type Issue struct {
	Code      IssueCode
	Severity  Severity
	Workflow  string
	Job       string
	StepIndex int
	Message   string
}

// Location renders the workflow, job and step an issue refers to.
func (issue Issue) Location() string {
	segments := make([]string, 0, 3)
	if len(issue.Workflow) > 0 {
		segments = append(segments, "workflow "+issue.Workflow)
	}
	if len(issue.Job) > 0 {
		segments = append(segments, "job "+issue.Job)
	}
	if issue.StepIndex >= 0 {
		segments = append(segments, fmt.Sprintf("step %d", issue.StepIndex+1))
	}
	return strings.Join(segments, " ")
}

func (issue Issue) String() string {
	location := issue.Location()
	if len(location) == 0 {
		return fmt.Sprintf("%s: %s", issue.Code, issue.Message)
	}
	return fmt.Sprintf("%s: %s: %s", location, issue.Code, issue.Message)
}

// StepReport describes a classified step.
type StepReport struct {
	Index int
	Kind  string
	Name  string
	Role  StepRole
}

// JobReport describes one job record. Jobs are reported independently even when their steps match.
type JobReport struct {
	Name  string
	Image string
	Steps []StepReport
}

// Roles lists step roles in step order.
func (report JobReport) Roles() []StepRole {
	roles := make([]StepRole, 0, len(report.Steps))
	for _, step := range report.Steps {
		roles = append(roles, step.Role)
	}
	return roles
}

// Report aggregates the validator output.
type Report struct {
	Jobs   []JobReport
	Issues []Issue
}

// Valid reports whether the configuration has no error-level issues.
func (report Report) Valid() bool {
	return report.ErrorCount() == 0
}

// ErrorCount counts error-level issues.
func (report Report) ErrorCount() int {
	count := 0
	for _, issue := range report.Issues {
		if issue.Severity == SeverityError {
			count++
		}
	}
	return count
}

// IssuesWithCode filters issues by code.
func (report Report) IssuesWithCode(code IssueCode) []Issue {
	matches := make([]Issue, 0)
	for _, issue := range report.Issues {
		if issue.Code == code {
			matches = append(matches, issue)
		}
	}
	return matches
}

// Err returns an InvalidConfigurationError when error-level issues exist.
func (report Report) Err() error {
	errorsOnly := make([]Issue, 0, len(report.Issues))
	for _, issue := range report.Issues {
		if issue.Severity == SeverityError {
			errorsOnly = append(errorsOnly, issue)
		}
	}
	if len(errorsOnly) == 0 {
		return nil
	}
	return InvalidConfigurationError{Issues: errorsOnly}
}

// InvalidConfigurationError carries the error-level issues of a report.
type InvalidConfigurationError struct {
	Issues []Issue
}

// Error summarizes the first issue and counts the rest.
func (invalidError InvalidConfigurationError) Error() string {
	if len(invalidError.Issues) == 0 {
		return fmt.Sprintf(invalidConfigurationTemplateConstant, "unknown")
	}
	message := fmt.Sprintf(invalidConfigurationTemplateConstant, invalidError.Issues[0].String())
	if len(invalidError.Issues) > 1 {
		message = fmt.Sprintf(additionalIssuesTemplateConstant, message, len(invalidError.Issues)-1)
	}
	return message
}

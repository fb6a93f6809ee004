package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/ciflow/internal/pipeline"
)

// Validator checks pipeline configurations against a Policy.
type Validator struct {
	policy        Policy
	rules         []compiledRule
	expectedRoles []StepRole
}

// NewValidator compiles the policy rules.
func NewValidator(policy Policy) (*Validator, error) {
	rules, compileError := compileRules(policy.Roles)
	if compileError != nil {
		return nil, compileError
	}

	expectedRoles := make([]StepRole, 0, len(rules)+1)
	expectedRoles = append(expectedRoles, StepRoleCheckout)
	for _, rule := range rules {
		expectedRoles = append(expectedRoles, rule.rule.Role)
	}

	return &Validator{policy: policy, rules: rules, expectedRoles: expectedRoles}, nil
}

// ExpectedRoles lists the positional role order every job must follow.
func (validator *Validator) ExpectedRoles() []StepRole {
	roles := make([]StepRole, len(validator.expectedRoles))
	copy(roles, validator.expectedRoles)
	return roles
}

// ClassifyStep returns the role of a step. The first matching rule wins.
func (validator *Validator) ClassifyStep(step pipeline.Step) StepRole {
	if step.Kind == pipeline.StepKindCheckout {
		return StepRoleCheckout
	}
	for _, rule := range validator.rules {
		if rule.matches(step) {
			return rule.rule.Role
		}
	}
	return StepRoleUnknown
}

// Validate runs every configuration, workflow and job check.
func (validator *Validator) Validate(configuration pipeline.Configuration) Report {
	report := Report{Jobs: make([]JobReport, 0, len(configuration.Jobs))}

	if len(configuration.Jobs) == 0 {
		report.add(jobIssue(IssueNoJobs, SeverityError, "", "", "configuration declares no jobs"))
	}

	validator.validateWorkflows(configuration, &report)

	for _, job := range configuration.Jobs {
		report.Jobs = append(report.Jobs, validator.validateJob(job, &report))
	}

	return report
}

func (validator *Validator) validateWorkflows(configuration pipeline.Configuration, report *Report) {
	if len(configuration.Workflows) == 0 {
		if len(configuration.Jobs) > 0 {
			report.add(jobIssue(IssueNoWorkflows, SeverityWarning, "", "", "no workflows declared; every job runs independently"))
		}
		return
	}

	for _, workflow := range configuration.Workflows {
		if len(workflow.Jobs) == 0 {
			report.add(jobIssue(IssueWorkflowWithoutJobs, SeverityError, workflow.Name, "", "workflow lists no jobs"))
			continue
		}

		listed := make(map[string]struct{}, len(workflow.Jobs))
		graphValid := true
		for _, workflowJob := range workflow.Jobs {
			if _, duplicate := listed[workflowJob.Name]; duplicate {
				report.add(jobIssue(IssueDuplicateJob, SeverityError, workflow.Name, workflowJob.Name, "job listed multiple times"))
				graphValid = false
				continue
			}
			listed[workflowJob.Name] = struct{}{}
			if _, defined := configuration.JobByName(workflowJob.Name); !defined {
				report.add(jobIssue(IssueUnknownWorkflowJob, SeverityError, workflow.Name, workflowJob.Name, "job is not defined under jobs"))
			}
		}

		for _, workflowJob := range workflow.Jobs {
			for _, requirement := range workflowJob.Requires {
				if _, exists := listed[strings.TrimSpace(requirement)]; !exists {
					report.add(jobIssue(
						IssueUnknownRequiredJob,
						SeverityError,
						workflow.Name,
						workflowJob.Name,
						fmt.Sprintf("requires %q which the workflow does not list", requirement),
					))
					graphValid = false
				}
			}
		}

		if !graphValid {
			continue
		}
		if _, planError := pipeline.PlanJobStages(pipeline.NodesForWorkflow(workflow)); planError != nil {
			code := IssueWorkflowRequiresCycle
			if !errors.Is(planError, pipeline.ErrJobCycleDetected) {
				code = IssueUnknownRequiredJob
			}
			report.add(jobIssue(code, SeverityError, workflow.Name, "", planError.Error()))
		}
	}
}

func (validator *Validator) validateJob(job pipeline.Job, report *Report) JobReport {
	jobReport := JobReport{Name: job.Name, Image: job.Image(), Steps: make([]StepReport, 0, len(job.Steps))}

	if len(jobReport.Image) == 0 {
		report.add(jobIssue(IssueJobWithoutImage, SeverityError, "", job.Name, "job declares no container image"))
	}
	if len(job.Steps) == 0 {
		report.add(jobIssue(IssueJobWithoutSteps, SeverityError, "", job.Name, "job declares no steps"))
		return jobReport
	}

	for stepIndex, step := range job.Steps {
		role := validator.ClassifyStep(step)
		jobReport.Steps = append(jobReport.Steps, StepReport{Index: stepIndex, Kind: string(step.Kind), Name: step.DisplayName(), Role: role})

		if step.Kind == pipeline.StepKindRun && len(strings.TrimSpace(step.Command)) == 0 {
			report.add(stepIssue(IssueEmptyRunCommand, SeverityError, job.Name, stepIndex, "run step has no command"))
		}
	}

	validator.validateOrder(job.Name, jobReport, report)
	validator.validateArguments(job, jobReport, report)
	if validator.policy.RequireActivation {
		validator.validateActivation(job, jobReport, report)
	}

	return jobReport
}

func (validator *Validator) validateOrder(jobName string, jobReport JobReport, report *Report) {
	present := make(map[StepRole]struct{}, len(jobReport.Steps))
	for _, step := range jobReport.Steps {
		present[step.Role] = struct{}{}
	}
	for _, role := range validator.expectedRoles {
		if _, found := present[role]; !found {
			report.add(jobIssue(IssueMissingRole, SeverityError, "", jobName, fmt.Sprintf("no %s step", role)))
		}
	}

	for position, step := range jobReport.Steps {
		if position >= len(validator.expectedRoles) {
			report.add(stepIssue(IssueStepOrder, SeverityError, jobName, position, fmt.Sprintf("unexpected %s step after %s", step.Role, validator.expectedRoles[len(validator.expectedRoles)-1])))
			return
		}
		if expected := validator.expectedRoles[position]; step.Role != expected {
			report.add(stepIssue(IssueStepOrder, SeverityError, jobName, position, fmt.Sprintf("found %s step where %s is expected", step.Role, expected)))
			return
		}
	}
}

func (validator *Validator) validateArguments(job pipeline.Job, jobReport JobReport, report *Report) {
	for _, rule := range validator.rules {
		if len(rule.rule.RequiredArguments) == 0 {
			continue
		}
		for _, step := range jobReport.Steps {
			if step.Role != rule.rule.Role {
				continue
			}
			tokens := make(map[string]struct{})
			for _, token := range strings.Fields(job.Steps[step.Index].Command) {
				tokens[strings.TrimSuffix(token, "/")] = struct{}{}
			}
			for _, argument := range rule.rule.RequiredArguments {
				if _, found := tokens[strings.TrimSuffix(argument, "/")]; !found {
					report.add(stepIssue(IssueMissingArgument, SeverityWarning, job.Name, step.Index, fmt.Sprintf("%s step does not reference %s", step.Role, argument)))
				}
			}
		}
	}
}

func (validator *Validator) validateActivation(job pipeline.Job, jobReport JobReport, report *Report) {
	installIndex := noStepIndexConstant
	for _, step := range jobReport.Steps {
		if step.Role == StepRoleInstall {
			installIndex = step.Index
			break
		}
	}
	if installIndex == noStepIndexConstant {
		return
	}

	command := job.Steps[installIndex].Command
	activation, activated := DetectActivation(command)
	if !activated {
		report.add(stepIssue(IssueActivationMissing, SeverityError, job.Name, installIndex, "install step does not activate an isolated environment"))
		return
	}

	if creation, created := DetectCreation(command); created && creation.Line > activation.Line {
		report.add(stepIssue(IssueActivationBeforeCreation, SeverityError, job.Name, installIndex, fmt.Sprintf("environment %s is activated before it is created", activation.EnvironmentPath)))
	}

	for _, rule := range validator.rules {
		if rule.rule.Role != StepRoleInstall {
			continue
		}
		if installLine := rule.commandLine(command); installLine >= 0 && installLine < activation.Line {
			report.add(stepIssue(IssueInstallBeforeActivation, SeverityError, job.Name, installIndex, "packages are installed before the environment is activated"))
		}
	}

	// Every run step starts a fresh shell.
	for _, step := range jobReport.Steps {
		if step.Index <= installIndex || (step.Role != StepRoleLint && step.Role != StepRoleTest) {
			continue
		}
		if _, reactivated := DetectActivation(job.Steps[step.Index].Command); !reactivated {
			report.add(stepIssue(
				IssueActivationNotRepeated,
				SeverityWarning,
				job.Name,
				step.Index,
				fmt.Sprintf("%s step runs outside environment %s", step.Role, activation.EnvironmentPath),
			))
		}
	}
}

func (report *Report) add(issue Issue) {
	report.Issues = append(report.Issues, issue)
}

func jobIssue(code IssueCode, severity Severity, workflow string, job string, message string) Issue {
	return Issue{Code: code, Severity: severity, Workflow: workflow, Job: job, StepIndex: noStepIndexConstant, Message: message}
}

func stepIssue(code IssueCode, severity Severity, job string, stepIndex int, message string) Issue {
	return Issue{Code: code, Severity: severity, Job: job, StepIndex: stepIndex, Message: message}
}

package pipeline

import "strings"

const (
	// DefaultConfigurationPath is the conventional location of the pipeline definition.
	DefaultConfigurationPath = ".circleci/config.yml"

	versionKeyConstant   = "version"
	workflowsKeyConstant = "workflows"
	jobsKeyConstant      = "jobs"
	dockerKeyConstant    = "docker"
	stepsKeyConstant     = "steps"
	imageKeyConstant     = "image"
	requiresKeyConstant  = "requires"
	mergeKeyConstant     = "<<"
)

// Configuration is a parsed pipeline definition.
type Configuration struct {
	Version               string
	WorkflowSchemaVersion string
	Workflows             []Workflow
	Jobs                  []Job
}

// Workflow is a named collection of jobs. Jobs without requires edges are independent.
type Workflow struct {
	Name string
	Jobs []WorkflowJob
}

// WorkflowJob references a job from a workflow.
type WorkflowJob struct {
	Name     string
	Requires []string
}

// Job is an independently scheduled unit of work with its own container image.
type Job struct {
	Name   string
	Docker []DockerImage
	Steps  []Step
}

// DockerImage names the container image a job executes in.
type DockerImage struct {
	Image string `yaml:"image" json:"image" jsonschema:"container image reference"`
}

// JobByName returns the job with the provided name.
func (configuration Configuration) JobByName(name string) (Job, bool) {
	trimmedName := strings.TrimSpace(name)
	for _, job := range configuration.Jobs {
		if job.Name == trimmedName {
			return job, true
		}
	}
	return Job{}, false
}

// JobNames lists job names in declaration order.
func (configuration Configuration) JobNames() []string {
	names := make([]string, 0, len(configuration.Jobs))
	for _, job := range configuration.Jobs {
		names = append(names, job.Name)
	}
	return names
}

// WorkflowByName returns the workflow with the provided name.
func (configuration Configuration) WorkflowByName(name string) (Workflow, bool) {
	trimmedName := strings.TrimSpace(name)
	for _, workflow := range configuration.Workflows {
		if workflow.Name == trimmedName {
			return workflow, true
		}
	}
	return Workflow{}, false
}

// JobNames lists the referenced job names in workflow order.
func (workflow Workflow) JobNames() []string {
	names := make([]string, 0, len(workflow.Jobs))
	for _, job := range workflow.Jobs {
		names = append(names, job.Name)
	}
	return names
}

// Image returns the primary container image of the job.
func (job Job) Image() string {
	for _, image := range job.Docker {
		if trimmed := strings.TrimSpace(image.Image); len(trimmed) > 0 {
			return trimmed
		}
	}
	return ""
}

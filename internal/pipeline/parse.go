package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	configurationPathRequiredMessageConstant = "pipeline configuration path required"
	configurationReadErrorTemplateConstant   = "unable to read pipeline configuration %s: %w"
	configurationParseErrorTemplateConstant  = "unable to parse pipeline configuration: %w"
	emptyDocumentMessageConstant             = "pipeline configuration is empty"
	rootMappingMessageConstant               = "pipeline configuration must be a mapping"
	sectionMappingTemplateConstant           = "%s section must be a mapping (line %d)"
	jobDecodeErrorTemplateConstant           = "job %q: %w"
	jobStepErrorTemplateConstant             = "job %q step %d: %w"
	duplicateJobTemplateConstant             = "job %q defined multiple times"
	duplicateWorkflowTemplateConstant        = "workflow %q defined multiple times"
	workflowDecodeErrorTemplateConstant      = "workflow %q: %w"
	workflowJobShapeTemplateConstant         = "workflow %q job entry must be a name or a single-key mapping (line %d)"
	nullTagConstant                          = "!!null"
)

var (
	// ErrConfigurationPathRequired indicates that no configuration path was provided.
	ErrConfigurationPathRequired = errors.New(configurationPathRequiredMessageConstant)
	// ErrEmptyDocument indicates the configuration file has no content.
	ErrEmptyDocument = errors.New(emptyDocumentMessageConstant)
)

type jobDocument struct {
	Docker []DockerImage `yaml:"docker"`
	Steps  []yaml.Node   `yaml:"steps"`
}

type workflowDocument struct {
	Jobs []yaml.Node `yaml:"jobs"`
}

type workflowJobDocument struct {
	Requires []string `yaml:"requires"`
}

// LoadConfiguration reads and parses the pipeline definition at the provided path.
func LoadConfiguration(path string) (Configuration, error) {
	trimmedPath := strings.TrimSpace(path)
	if len(trimmedPath) == 0 {
		return Configuration{}, ErrConfigurationPathRequired
	}

	content, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return Configuration{}, fmt.Errorf(configurationReadErrorTemplateConstant, trimmedPath, readError)
	}

	return Parse(content)
}

// Parse decodes a pipeline definition, preserving job, workflow and step order.
func Parse(content []byte) (Configuration, error) {
	var document yaml.Node
	if unmarshalError := yaml.Unmarshal(content, &document); unmarshalError != nil {
		return Configuration{}, fmt.Errorf(configurationParseErrorTemplateConstant, unmarshalError)
	}
	if document.Kind == 0 || len(document.Content) == 0 {
		return Configuration{}, ErrEmptyDocument
	}

	root := resolveAlias(document.Content[0])
	if root.Kind != yaml.MappingNode {
		return Configuration{}, errors.New(rootMappingMessageConstant)
	}

	configuration := Configuration{}
	for pairIndex := 0; pairIndex+1 < len(root.Content); pairIndex += 2 {
		keyNode := root.Content[pairIndex]
		valueNode := resolveAlias(root.Content[pairIndex+1])

		switch keyNode.Value {
		case versionKeyConstant:
			configuration.Version = strings.TrimSpace(valueNode.Value)
		case workflowsKeyConstant:
			if parseError := parseWorkflows(valueNode, &configuration); parseError != nil {
				return Configuration{}, parseError
			}
		case jobsKeyConstant:
			jobs, parseError := parseJobs(valueNode)
			if parseError != nil {
				return Configuration{}, parseError
			}
			configuration.Jobs = jobs
		}
	}

	return configuration, nil
}

func parseJobs(node *yaml.Node) ([]Job, error) {
	if isNullNode(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf(sectionMappingTemplateConstant, jobsKeyConstant, node.Line)
	}

	jobs := make([]Job, 0, len(node.Content)/2)
	seenNames := make(map[string]struct{}, len(node.Content)/2)
	for pairIndex := 0; pairIndex+1 < len(node.Content); pairIndex += 2 {
		jobName := strings.TrimSpace(node.Content[pairIndex].Value)
		if jobName == mergeKeyConstant {
			continue
		}
		if _, exists := seenNames[jobName]; exists {
			return nil, fmt.Errorf(duplicateJobTemplateConstant, jobName)
		}
		seenNames[jobName] = struct{}{}

		decoded := jobDocument{}
		if decodeError := resolveAlias(node.Content[pairIndex+1]).Decode(&decoded); decodeError != nil {
			return nil, fmt.Errorf(jobDecodeErrorTemplateConstant, jobName, decodeError)
		}

		job := Job{Name: jobName, Docker: decoded.Docker, Steps: make([]Step, 0, len(decoded.Steps))}
		for stepIndex := range decoded.Steps {
			var step Step
			if stepError := step.UnmarshalYAML(&decoded.Steps[stepIndex]); stepError != nil {
				return nil, fmt.Errorf(jobStepErrorTemplateConstant, jobName, stepIndex+1, stepError)
			}
			job.Steps = append(job.Steps, step)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func parseWorkflows(node *yaml.Node, configuration *Configuration) error {
	if isNullNode(node) {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf(sectionMappingTemplateConstant, workflowsKeyConstant, node.Line)
	}

	seenNames := make(map[string]struct{}, len(node.Content)/2)
	for pairIndex := 0; pairIndex+1 < len(node.Content); pairIndex += 2 {
		workflowName := strings.TrimSpace(node.Content[pairIndex].Value)
		valueNode := resolveAlias(node.Content[pairIndex+1])

		if workflowName == versionKeyConstant {
			configuration.WorkflowSchemaVersion = strings.TrimSpace(valueNode.Value)
			continue
		}
		if workflowName == mergeKeyConstant {
			continue
		}
		if _, exists := seenNames[workflowName]; exists {
			return fmt.Errorf(duplicateWorkflowTemplateConstant, workflowName)
		}
		seenNames[workflowName] = struct{}{}

		decoded := workflowDocument{}
		if decodeError := valueNode.Decode(&decoded); decodeError != nil {
			return fmt.Errorf(workflowDecodeErrorTemplateConstant, workflowName, decodeError)
		}

		workflow := Workflow{Name: workflowName, Jobs: make([]WorkflowJob, 0, len(decoded.Jobs))}
		for jobIndex := range decoded.Jobs {
			workflowJob, jobError := parseWorkflowJob(workflowName, resolveAlias(&decoded.Jobs[jobIndex]))
			if jobError != nil {
				return jobError
			}
			workflow.Jobs = append(workflow.Jobs, workflowJob)
		}
		configuration.Workflows = append(configuration.Workflows, workflow)
	}

	return nil
}

func parseWorkflowJob(workflowName string, node *yaml.Node) (WorkflowJob, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return WorkflowJob{Name: strings.TrimSpace(node.Value)}, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return WorkflowJob{}, fmt.Errorf(workflowJobShapeTemplateConstant, workflowName, node.Line)
		}
		decoded := workflowJobDocument{}
		valueNode := resolveAlias(node.Content[1])
		if valueNode.Kind == yaml.MappingNode {
			if decodeError := valueNode.Decode(&decoded); decodeError != nil {
				return WorkflowJob{}, fmt.Errorf(workflowDecodeErrorTemplateConstant, workflowName, decodeError)
			}
		}
		return WorkflowJob{Name: strings.TrimSpace(node.Content[0].Value), Requires: decoded.Requires}, nil
	default:
		return WorkflowJob{}, fmt.Errorf(workflowJobShapeTemplateConstant, workflowName, node.Line)
	}
}

// isNullNode reports a key declared without a value, such as a bare "jobs:".
func isNullNode(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == nullTagConstant
}

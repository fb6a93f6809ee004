package pipeline

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	marshalIndentConstant                 = 2
	configurationEncodeErrorTemplateConst = "unable to encode pipeline configuration: %w"
	stepEncodeErrorTemplateConstant       = "job %q step %d: %w"
)

// Marshal renders the configuration in canonical form: version, workflows, jobs.
func Marshal(configuration Configuration) ([]byte, error) {
	root, buildError := configuration.node()
	if buildError != nil {
		return nil, buildError
	}

	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(marshalIndentConstant)
	if encodeError := encoder.Encode(root); encodeError != nil {
		return nil, fmt.Errorf(configurationEncodeErrorTemplateConst, encodeError)
	}
	if closeError := encoder.Close(); closeError != nil {
		return nil, fmt.Errorf(configurationEncodeErrorTemplateConst, closeError)
	}
	return buffer.Bytes(), nil
}

// Fingerprint returns the blake3 digest of the canonical rendering.
// Configurations that differ only in formatting, anchors or comments share a fingerprint.
func Fingerprint(configuration Configuration) (string, error) {
	canonical, marshalError := Marshal(configuration)
	if marshalError != nil {
		return "", marshalError
	}
	hasher := blake3.New()
	if _, writeError := hasher.Write(canonical); writeError != nil {
		return "", writeError
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// MarshalYAML allows the configuration to be embedded in other YAML documents.
func (configuration Configuration) MarshalYAML() (any, error) {
	return configuration.node()
}

func (configuration Configuration) node() (*yaml.Node, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	if len(configuration.Version) > 0 {
		root.Content = append(root.Content, scalarNode(versionKeyConstant), plainNode(configuration.Version))
	}

	if len(configuration.Workflows) > 0 || len(configuration.WorkflowSchemaVersion) > 0 {
		workflows := &yaml.Node{Kind: yaml.MappingNode}
		if len(configuration.WorkflowSchemaVersion) > 0 {
			workflows.Content = append(workflows.Content, scalarNode(versionKeyConstant), plainNode(configuration.WorkflowSchemaVersion))
		}
		for _, workflow := range configuration.Workflows {
			jobList := &yaml.Node{Kind: yaml.SequenceNode}
			for _, workflowJob := range workflow.Jobs {
				jobList.Content = append(jobList.Content, workflowJob.node())
			}
			workflows.Content = append(workflows.Content,
				scalarNode(workflow.Name),
				mappingNode(scalarNode(jobsKeyConstant), jobList),
			)
		}
		root.Content = append(root.Content, scalarNode(workflowsKeyConstant), workflows)
	}

	jobs := &yaml.Node{Kind: yaml.MappingNode}
	for _, job := range configuration.Jobs {
		jobNode, jobError := job.node()
		if jobError != nil {
			return nil, jobError
		}
		jobs.Content = append(jobs.Content, scalarNode(job.Name), jobNode)
	}
	root.Content = append(root.Content, scalarNode(jobsKeyConstant), jobs)

	return root, nil
}

func (workflowJob WorkflowJob) node() *yaml.Node {
	if len(workflowJob.Requires) == 0 {
		return scalarNode(workflowJob.Name)
	}
	requires := &yaml.Node{Kind: yaml.SequenceNode}
	for _, requirement := range workflowJob.Requires {
		requires.Content = append(requires.Content, scalarNode(requirement))
	}
	return mappingNode(
		scalarNode(workflowJob.Name),
		mappingNode(scalarNode(requiresKeyConstant), requires),
	)
}

func (job Job) node() (*yaml.Node, error) {
	jobNode := &yaml.Node{Kind: yaml.MappingNode}

	if len(job.Docker) > 0 {
		images := &yaml.Node{Kind: yaml.SequenceNode}
		for _, image := range job.Docker {
			images.Content = append(images.Content, mappingNode(scalarNode(imageKeyConstant), scalarNode(image.Image)))
		}
		jobNode.Content = append(jobNode.Content, scalarNode(dockerKeyConstant), images)
	}

	steps := &yaml.Node{Kind: yaml.SequenceNode}
	for stepIndex, step := range job.Steps {
		stepValue, stepError := step.MarshalYAML()
		if stepError != nil {
			return nil, fmt.Errorf(stepEncodeErrorTemplateConstant, job.Name, stepIndex+1, stepError)
		}
		steps.Content = append(steps.Content, stepValue.(*yaml.Node))
	}
	jobNode.Content = append(jobNode.Content, scalarNode(stepsKeyConstant), steps)

	return jobNode, nil
}

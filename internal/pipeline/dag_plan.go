package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJobCycleDetected indicates that workflow requires edges form a cycle.
var ErrJobCycleDetected = errors.New("workflow jobs contain cycle")

// JobNode represents a workflow job with dependency metadata.
type JobNode struct {
	Name     string
	Requires []string
}

// JobStage groups jobs that may execute in parallel.
type JobStage struct {
	Jobs []*JobNode
}

// Names lists the job names of the stage.
func (stage JobStage) Names() []string {
	names := make([]string, 0, len(stage.Jobs))
	for _, node := range stage.Jobs {
		if node == nil {
			continue
		}
		names = append(names, node.Name)
	}
	return names
}

// NodesForWorkflow converts workflow job references into plan nodes.
func NodesForWorkflow(workflow Workflow) []*JobNode {
	nodes := make([]*JobNode, 0, len(workflow.Jobs))
	for _, workflowJob := range workflow.Jobs {
		requires := make([]string, len(workflowJob.Requires))
		copy(requires, workflowJob.Requires)
		nodes = append(nodes, &JobNode{Name: workflowJob.Name, Requires: requires})
	}
	return nodes
}

// PlanJobStages layers jobs so that each stage only depends on earlier stages.
func PlanJobStages(nodes []*JobNode) ([]JobStage, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nameToNode := make(map[string]*JobNode, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))

	for nodeIndex := range nodes {
		node := nodes[nodeIndex]
		if node == nil {
			return nil, errors.New("workflow job node is nil")
		}

		name := strings.TrimSpace(node.Name)
		if len(name) == 0 {
			return nil, errors.New("workflow job missing name")
		}
		if _, exists := nameToNode[name]; exists {
			return nil, fmt.Errorf("workflow job %q listed multiple times", name)
		}
		node.Name = name

		nameToNode[name] = node
		inDegree[name] = 0

		sanitizedRequires := make([]string, 0, len(node.Requires))
		seenRequires := make(map[string]struct{}, len(node.Requires))
		for requirementIndex := range node.Requires {
			requirementName := strings.TrimSpace(node.Requires[requirementIndex])
			if len(requirementName) == 0 {
				continue
			}
			if requirementName == name {
				return nil, fmt.Errorf("workflow job %q cannot require itself", name)
			}
			if _, alreadyIncluded := seenRequires[requirementName]; alreadyIncluded {
				continue
			}
			seenRequires[requirementName] = struct{}{}
			sanitizedRequires = append(sanitizedRequires, requirementName)
		}
		node.Requires = sanitizedRequires
	}

	for _, node := range nodes {
		for _, requirementName := range node.Requires {
			if _, exists := nameToNode[requirementName]; !exists {
				return nil, fmt.Errorf("workflow job %q requires unknown job %q", node.Name, requirementName)
			}
			inDegree[node.Name]++
			adjacency[requirementName] = append(adjacency[requirementName], node.Name)
		}
	}

	ready := make([]string, 0)
	for _, node := range nodes {
		if inDegree[node.Name] == 0 {
			ready = append(ready, node.Name)
		}
	}

	stages := make([]JobStage, 0)
	processed := 0

	for len(ready) > 0 {
		stageNames := ready
		ready = nil

		stage := JobStage{Jobs: make([]*JobNode, 0, len(stageNames))}
		for _, name := range stageNames {
			stage.Jobs = append(stage.Jobs, nameToNode[name])
			processed++
		}
		stages = append(stages, stage)

		nextReadySet := make(map[string]struct{})
		for _, name := range stageNames {
			for _, dependent := range adjacency[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextReadySet[dependent] = struct{}{}
				}
			}
		}

		for _, node := range nodes {
			if _, available := nextReadySet[node.Name]; available {
				ready = append(ready, node.Name)
			}
		}
	}

	if processed != len(nodes) {
		return nil, ErrJobCycleDetected
	}

	return stages, nil
}

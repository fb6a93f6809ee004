package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepKind distinguishes built-in actions from shell scripts.
type StepKind string

// Supported step kinds.
const (
	StepKindCheckout StepKind = "checkout"
	StepKindRun      StepKind = "run"
)

const (
	stepNameKeyConstant             = "name"
	stepCommandKeyConstant          = "command"
	stepPathKeyConstant             = "path"
	unsupportedStepTemplateConstant = "unsupported step %q"
	stepShapeTemplateConstant       = "step must be a scalar or a single-key mapping (line %d)"
)

// Step is either a checkout action or a named run script.
type Step struct {
	Kind    StepKind
	Name    string
	Command string
	// Path is the optional checkout destination; the runner always checks out into the job workspace.
	Path string
}

// CheckoutStep constructs a checkout step.
func CheckoutStep() Step {
	return Step{Kind: StepKindCheckout}
}

// RunStep constructs a named run step.
func RunStep(name string, command string) Step {
	return Step{Kind: StepKindRun, Name: name, Command: command}
}

// DisplayName returns the name shown in reports and logs.
func (step Step) DisplayName() string {
	if trimmed := strings.TrimSpace(step.Name); len(trimmed) > 0 {
		return trimmed
	}
	if step.Kind == StepKindCheckout {
		return string(StepKindCheckout)
	}
	firstLine := strings.TrimSpace(strings.SplitN(strings.TrimSpace(step.Command), "\n", 2)[0])
	if len(firstLine) > 0 {
		return firstLine
	}
	return string(step.Kind)
}

type runStepDocument struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

type checkoutStepDocument struct {
	Path string `yaml:"path"`
}

// UnmarshalYAML accepts `checkout`, `{checkout: {...}}`, `{run: "..."}` and `{run: {name, command}}`.
func (step *Step) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	switch node.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(node.Value) != string(StepKindCheckout) {
			return fmt.Errorf(unsupportedStepTemplateConstant, node.Value)
		}
		*step = CheckoutStep()
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf(stepShapeTemplateConstant, node.Line)
		}
		keyNode := node.Content[0]
		valueNode := resolveAlias(node.Content[1])
		switch StepKind(keyNode.Value) {
		case StepKindCheckout:
			decoded := checkoutStepDocument{}
			if valueNode.Kind == yaml.MappingNode {
				if decodeError := valueNode.Decode(&decoded); decodeError != nil {
					return decodeError
				}
			}
			*step = Step{Kind: StepKindCheckout, Path: decoded.Path}
			return nil
		case StepKindRun:
			if valueNode.Kind == yaml.ScalarNode {
				*step = RunStep("", valueNode.Value)
				return nil
			}
			decoded := runStepDocument{}
			if decodeError := valueNode.Decode(&decoded); decodeError != nil {
				return decodeError
			}
			*step = RunStep(decoded.Name, decoded.Command)
			return nil
		default:
			return fmt.Errorf(unsupportedStepTemplateConstant, keyNode.Value)
		}
	default:
		return fmt.Errorf(stepShapeTemplateConstant, node.Line)
	}
}

// MarshalYAML emits the canonical form of the step.
func (step Step) MarshalYAML() (any, error) {
	switch step.Kind {
	case StepKindCheckout:
		if len(strings.TrimSpace(step.Path)) == 0 {
			return scalarNode(string(StepKindCheckout)), nil
		}
		return mappingNode(
			scalarNode(string(StepKindCheckout)),
			mappingNode(scalarNode(stepPathKeyConstant), scalarNode(step.Path)),
		), nil
	case StepKindRun:
		body := &yaml.Node{Kind: yaml.MappingNode}
		if len(step.Name) > 0 {
			body.Content = append(body.Content, scalarNode(stepNameKeyConstant), scalarNode(step.Name))
		}
		body.Content = append(body.Content, scalarNode(stepCommandKeyConstant), scalarNode(step.Command))
		return mappingNode(scalarNode(string(StepKindRun)), body), nil
	default:
		return nil, fmt.Errorf(unsupportedStepTemplateConstant, step.Kind)
	}
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// plainNode lets the encoder pick the implicit tag, so `2` stays a number.
func plainNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}

func mappingNode(content ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Content: content}
}

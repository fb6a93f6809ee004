package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tyemirov/ciflow/internal/pipeline"
)

// StepRole is the purpose a step plays in a job.
type StepRole string

// Known step roles.
const (
	StepRoleCheckout StepRole = "checkout"
	StepRoleInstall  StepRole = "install"
	StepRoleLint     StepRole = "lint"
	StepRoleTest     StepRole = "test"
	StepRoleUnknown  StepRole = "unknown"
)

const (
	rolePatternCompileErrorTemplateConstant = "role %s: invalid %s pattern: %w"
	roleMissingMatcherTemplateConstant      = "role %s: name_pattern or command_pattern required"
	roleDuplicateTemplateConstant           = "role %s declared multiple times"
	roleReservedTemplateConstant            = "role %s is reserved for checkout steps"
	roleNameRequiredMessageConstant         = "role rule missing role name"
)

// RoleRule classifies run steps into a role.
type RoleRule struct {
	Role              StepRole `mapstructure:"role"`
	NamePattern       string   `mapstructure:"name_pattern"`
	CommandPattern    string   `mapstructure:"command_pattern"`
	RequiredArguments []string `mapstructure:"required_arguments"`
}

// Policy describes the expected shape of every job.
// Jobs start with a checkout step followed by one step per rule, in rule order.
type Policy struct {
	Roles             []RoleRule `mapstructure:"roles"`
	RequireActivation bool       `mapstructure:"require_activation"`
}

// DefaultPolicy returns the checkout, install, lint, test policy.
func DefaultPolicy() Policy {
	return Policy{
		Roles: []RoleRule{
			{Role: StepRoleInstall, CommandPattern: `\bpip\s+install\b`},
			{Role: StepRoleLint, CommandPattern: `\bflake8\b`, RequiredArguments: []string{"src", "tests", "docs"}},
			{Role: StepRoleTest, CommandPattern: `\bpytest\b`, RequiredArguments: []string{"tests"}},
		},
		RequireActivation: true,
	}
}

type compiledRule struct {
	rule           RoleRule
	namePattern    *regexp.Regexp
	commandPattern *regexp.Regexp
}

func compileRules(rules []RoleRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seenRoles := make(map[StepRole]struct{}, len(rules))
	for _, rule := range rules {
		rule.Role = StepRole(strings.ToLower(strings.TrimSpace(string(rule.Role))))
		if len(rule.Role) == 0 {
			return nil, errors.New(roleNameRequiredMessageConstant)
		}
		if rule.Role == StepRoleCheckout {
			return nil, fmt.Errorf(roleReservedTemplateConstant, rule.Role)
		}
		if _, exists := seenRoles[rule.Role]; exists {
			return nil, fmt.Errorf(roleDuplicateTemplateConstant, rule.Role)
		}
		seenRoles[rule.Role] = struct{}{}

		entry := compiledRule{rule: rule}
		if pattern := strings.TrimSpace(rule.NamePattern); len(pattern) > 0 {
			compiledPattern, compileError := regexp.Compile(pattern)
			if compileError != nil {
				return nil, fmt.Errorf(rolePatternCompileErrorTemplateConstant, rule.Role, "name", compileError)
			}
			entry.namePattern = compiledPattern
		}
		if pattern := strings.TrimSpace(rule.CommandPattern); len(pattern) > 0 {
			compiledPattern, compileError := regexp.Compile(pattern)
			if compileError != nil {
				return nil, fmt.Errorf(rolePatternCompileErrorTemplateConstant, rule.Role, "command", compileError)
			}
			entry.commandPattern = compiledPattern
		}
		if entry.namePattern == nil && entry.commandPattern == nil {
			return nil, fmt.Errorf(roleMissingMatcherTemplateConstant, rule.Role)
		}
		compiled = append(compiled, entry)
	}
	return compiled, nil
}

func (rule compiledRule) matches(step pipeline.Step) bool {
	if rule.commandPattern != nil && rule.commandPattern.MatchString(step.Command) {
		return true
	}
	return rule.namePattern != nil && rule.namePattern.MatchString(step.Name)
}

// commandLine returns the first line index matched by the command pattern, or -1.
func (rule compiledRule) commandLine(command string) int {
	if rule.commandPattern == nil {
		return -1
	}
	for lineIndex, line := range strings.Split(command, "\n") {
		if rule.commandPattern.MatchString(line) {
			return lineIndex
		}
	}
	return -1
}

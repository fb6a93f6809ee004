package validation

import (
	"regexp"
	"strings"
)

var (
	activationPattern = regexp.MustCompile(`^\s*(?:\.|source)\s+["']?([^\s"']+)/bin/activate["']?`)
	creationPattern   = regexp.MustCompile(`(?:\bvirtualenv|-m\s+venv|-m\s+virtualenv)(?:\s+-\S+)*\s+["']?([^\s"'|;&]+)`)
)

// ActivationDetails locates an environment activation line inside a script.
type ActivationDetails struct {
	EnvironmentPath string
	Line            int
}

// DetectActivation finds the first `. <dir>/bin/activate` or `source <dir>/bin/activate` line.
func DetectActivation(command string) (ActivationDetails, bool) {
	for lineIndex, line := range strings.Split(command, "\n") {
		for _, statement := range splitStatements(line) {
			match := activationPattern.FindStringSubmatch(statement)
			if match == nil {
				continue
			}
			return ActivationDetails{EnvironmentPath: match[1], Line: lineIndex}, true
		}
	}
	return ActivationDetails{}, false
}

// DetectCreation finds the first line creating a virtual environment.
func DetectCreation(command string) (ActivationDetails, bool) {
	for lineIndex, line := range strings.Split(command, "\n") {
		match := creationPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		return ActivationDetails{EnvironmentPath: match[1], Line: lineIndex}, true
	}
	return ActivationDetails{}, false
}

func splitStatements(line string) []string {
	return strings.FieldsFunc(line, func(candidate rune) bool {
		return candidate == ';' || candidate == '&'
	})
}

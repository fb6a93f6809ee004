package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/workflow"
)

func TestExecutionContextSeedsEnvironment(testInstance *testing.T) {
	executionContext := workflow.NewExecutionContext("python3", "", "/workspace")
	require.Equal(testInstance, map[string]string{
		"CI":                       "true",
		"CIRCLECI":                 "true",
		"CIRCLE_JOB":               "python3",
		"CIRCLE_WORKING_DIRECTORY": "/workspace",
	}, executionContext.Environment)

	executionContext.RecordRevision("  ")
	require.Empty(testInstance, executionContext.Revision)
}

func TestExecutionContextActivation(testInstance *testing.T) {
	testCases := []struct {
		name                string
		completedCommand    string
		nextCommand         string
		expectedScript      string
		expectedVirtualEnv  string
		expectedEnvironment string
	}{
		{
			name:                "relative_environment",
			completedCommand:    "python -m venv venv\n. venv/bin/activate\npip install -e .",
			nextCommand:         "pytest tests",
			expectedScript:      ". venv/bin/activate\npytest tests",
			expectedVirtualEnv:  "/workspace/venv",
			expectedEnvironment: "venv",
		},
		{
			name:                "absolute_environment",
			completedCommand:    "source /opt/env/bin/activate && pip install -r requirements.txt",
			nextCommand:         "flake8 src tests docs",
			expectedScript:      ". /opt/env/bin/activate\nflake8 src tests docs",
			expectedVirtualEnv:  "/opt/env",
			expectedEnvironment: "/opt/env",
		},
		{
			name:                "step_activates_itself",
			completedCommand:    ". venv/bin/activate",
			nextCommand:         ". other/bin/activate\npytest tests",
			expectedScript:      ". other/bin/activate\npytest tests",
			expectedVirtualEnv:  "/workspace/venv",
			expectedEnvironment: "venv",
		},
		{
			name:             "no_activation",
			completedCommand: "pip install -e .",
			nextCommand:      "pytest tests",
			expectedScript:   "pytest tests",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			executionContext := workflow.NewExecutionContext("python3", "run-1", "/workspace")
			executionContext.ObserveCompletedStep(pipeline.Step{Kind: pipeline.StepKindRun, Command: testCase.completedCommand})

			invocation := executionContext.Invocation(pipeline.Step{Kind: pipeline.StepKindRun, Name: "Next", Command: testCase.nextCommand})
			require.Equal(testInstance, testCase.expectedScript, invocation.Script)
			require.Equal(testInstance, testCase.expectedEnvironment, executionContext.ActivatedEnvironment)
			require.Equal(testInstance, "python3: Next", invocation.Label)
			require.Equal(testInstance, "/workspace", invocation.WorkingDirectory)
			require.Equal(testInstance, "run-1", invocation.Environment["CIRCLE_WORKFLOW_ID"])
			require.NotContains(testInstance, invocation.Environment, "PATH")
			if len(testCase.expectedVirtualEnv) == 0 {
				require.NotContains(testInstance, invocation.Environment, "VIRTUAL_ENV")
			} else {
				require.Equal(testInstance, testCase.expectedVirtualEnv, invocation.Environment["VIRTUAL_ENV"])
			}
		})
	}
}

func TestExecutionContextIgnoresCheckoutSteps(testInstance *testing.T) {
	executionContext := workflow.NewExecutionContext("python3", "", "/workspace")
	executionContext.ObserveCompletedStep(pipeline.Step{Kind: pipeline.StepKindCheckout, Command: ". venv/bin/activate"})
	require.Empty(testInstance, executionContext.ActivatedEnvironment)
}

func TestExecutionContextInvocationCopiesEnvironment(testInstance *testing.T) {
	executionContext := workflow.NewExecutionContext("python3", "", "/workspace")
	invocation := executionContext.Invocation(pipeline.Step{Kind: pipeline.StepKindRun, Command: "pytest tests"})
	invocation.Environment["CI"] = "false"
	require.Equal(testInstance, "true", executionContext.Environment["CI"])
}

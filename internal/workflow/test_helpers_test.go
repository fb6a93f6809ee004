package workflow_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/validation"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	testWorkspaceConstant = "/workspace"
	testRevisionConstant  = "0123456789abcdef0123456789abcdef01234567"
	testRepositoryURL     = "https://example.com/project.git"
	testPipelineTemplate  = `version: 2
workflows:
  version: 2
  build:
    jobs:
%s
jobs:
  python2:
    docker:
      - image: circleci/python:2.7
    steps: &steps
      - checkout
      - run:
          name: Install dependencies
          command: |
            python -m venv venv
            . venv/bin/activate
            pip install -e .
      - run:
          name: Run linter
          command: flake8 src tests docs
      - run:
          name: Run tests
          command: pytest tests
  python3:
    docker:
      - image: circleci/python:3.7
    steps: *steps
`
	independentWorkflowJobs = "      - python2\n      - python3"
	dependentWorkflowJobs   = "      - python2\n      - python3:\n          requires:\n            - python2"
)

type executeFunction func(executionContext context.Context, job string, invocation workflow.StepInvocation) (execshell.ExecutionResult, error)

type recordedInvocation struct {
	job        string
	invocation workflow.StepInvocation
}

type fakeSessionFactory struct {
	mutex       sync.Mutex
	openError   error
	execute     executeFunction
	opened      []workflow.JobSpec
	closed      []string
	invocations []recordedInvocation
}

func (factory *fakeSessionFactory) Open(executionContext context.Context, job workflow.JobSpec) (workflow.Session, error) {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	if factory.openError != nil {
		return nil, factory.openError
	}
	factory.opened = append(factory.opened, job)
	return &fakeSession{factory: factory, job: job.Name}, nil
}

func (factory *fakeSessionFactory) closedJobs() []string {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	return append([]string{}, factory.closed...)
}

func (factory *fakeSessionFactory) invocationsFor(job string) []workflow.StepInvocation {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	invocations := make([]workflow.StepInvocation, 0)
	for _, recorded := range factory.invocations {
		if recorded.job == job {
			invocations = append(invocations, recorded.invocation)
		}
	}
	return invocations
}

type fakeSession struct {
	factory *fakeSessionFactory
	job     string
}

func (session *fakeSession) Workspace() string {
	return testWorkspaceConstant
}

func (session *fakeSession) HostWorkspace() string {
	return "/tmp/ciflow-" + session.job
}

func (session *fakeSession) Execute(executionContext context.Context, invocation workflow.StepInvocation) (execshell.ExecutionResult, error) {
	session.factory.mutex.Lock()
	session.factory.invocations = append(session.factory.invocations, recordedInvocation{job: session.job, invocation: invocation})
	execute := session.factory.execute
	session.factory.mutex.Unlock()

	if execute == nil {
		return execshell.ExecutionResult{CombinedOutput: "ok\n"}, nil
	}
	return execute(executionContext, session.job, invocation)
}

func (session *fakeSession) Close(executionContext context.Context) error {
	session.factory.mutex.Lock()
	defer session.factory.mutex.Unlock()
	session.factory.closed = append(session.factory.closed, session.job)
	return nil
}

type fakeCheckout struct {
	mutex        sync.Mutex
	checkoutErr  error
	onCheckout   func()
	destinations []string
	requests     []workflow.CheckoutRequest
}

func (checkout *fakeCheckout) Checkout(executionContext context.Context, destination string, request workflow.CheckoutRequest) (workflow.CheckoutResult, error) {
	checkout.mutex.Lock()
	defer checkout.mutex.Unlock()
	checkout.destinations = append(checkout.destinations, destination)
	checkout.requests = append(checkout.requests, request)
	if checkout.onCheckout != nil {
		checkout.onCheckout()
	}
	if checkout.checkoutErr != nil {
		return workflow.CheckoutResult{Output: "fatal: repository not found\n"}, checkout.checkoutErr
	}
	return workflow.CheckoutResult{Revision: testRevisionConstant, Output: "cloned\n"}, nil
}

func loadTestConfiguration(testInstance *testing.T, workflowJobs string) pipeline.Configuration {
	testInstance.Helper()
	configuration, parseError := pipeline.Parse([]byte(strings.Replace(testPipelineTemplate, "%s", workflowJobs, 1)))
	require.NoError(testInstance, parseError)
	return configuration
}

func newTestClassifier(testInstance *testing.T) *validation.Validator {
	testInstance.Helper()
	validator, validatorError := validation.NewValidator(validation.DefaultPolicy())
	require.NoError(testInstance, validatorError)
	return validator
}

func failingCommand(fragment string, exitCode int) executeFunction {
	return func(executionContext context.Context, job string, invocation workflow.StepInvocation) (execshell.ExecutionResult, error) {
		if strings.Contains(invocation.Script, fragment) {
			return execshell.ExecutionResult{ExitCode: exitCode, CombinedOutput: "failure output\n"}, nil
		}
		return execshell.ExecutionResult{CombinedOutput: "ok\n"}, nil
	}
}

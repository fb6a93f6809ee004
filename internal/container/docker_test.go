package container_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/jonboulle/clockwork"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/container"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	testImageConstant       = "circleci/python:3.7"
	testContainerIDConstant = "container-1"
	testExecIDConstant      = "exec-1"
)

type imageNotFoundError struct{}

func (imageNotFoundError) Error() string {
	return "No such image: " + testImageConstant
}

func (imageNotFoundError) NotFound() {}

type fakeDockerAPI struct {
	mutex sync.Mutex

	pullStream      string
	pullError       error
	createErrors    []error
	startError      error
	execStdout      string
	execStderr      string
	blockExecStream bool
	runningInspects int
	exitCode        int

	pulls           []string
	createdConfigs  []*dockercontainer.Config
	createdHosts    []*dockercontainer.HostConfig
	execOptions     []dockercontainer.ExecOptions
	startedExecs    []string
	removedIDs      []string
	removeOptions   []dockercontainer.RemoveOptions
	inspectRequests int
}

func (api *fakeDockerAPI) ImagePull(executionContext context.Context, reference string, options image.PullOptions) (io.ReadCloser, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.pulls = append(api.pulls, reference)
	if api.pullError != nil {
		return nil, api.pullError
	}
	return io.NopCloser(strings.NewReader(api.pullStream)), nil
}

func (api *fakeDockerAPI) ContainerCreate(executionContext context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.createdConfigs = append(api.createdConfigs, config)
	api.createdHosts = append(api.createdHosts, hostConfig)
	if len(api.createErrors) > 0 {
		createError := api.createErrors[0]
		api.createErrors = api.createErrors[1:]
		if createError != nil {
			return dockercontainer.CreateResponse{}, createError
		}
	}
	return dockercontainer.CreateResponse{ID: testContainerIDConstant}, nil
}

func (api *fakeDockerAPI) ContainerStart(executionContext context.Context, containerID string, options dockercontainer.StartOptions) error {
	return api.startError
}

func (api *fakeDockerAPI) ContainerExecCreate(executionContext context.Context, containerID string, options dockercontainer.ExecOptions) (dockercontainer.ExecCreateResponse, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.execOptions = append(api.execOptions, options)
	return dockercontainer.ExecCreateResponse{ID: testExecIDConstant}, nil
}

func (api *fakeDockerAPI) ContainerExecStart(executionContext context.Context, execID string, options dockercontainer.ExecStartOptions) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.startedExecs = append(api.startedExecs, execID)
	return nil
}

func (api *fakeDockerAPI) ContainerExecAttach(executionContext context.Context, execID string, options dockercontainer.ExecAttachOptions) (types.HijackedResponse, error) {
	clientConnection, serverConnection := net.Pipe()
	if api.blockExecStream {
		return types.HijackedResponse{Conn: clientConnection, Reader: bufio.NewReader(clientConnection)}, nil
	}
	_ = serverConnection.Close()

	var frames bytes.Buffer
	if len(api.execStdout) > 0 {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte(api.execStdout))
	}
	if len(api.execStderr) > 0 {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte(api.execStderr))
	}
	return types.HijackedResponse{Conn: clientConnection, Reader: bufio.NewReader(&frames)}, nil
}

func (api *fakeDockerAPI) ContainerExecInspect(executionContext context.Context, execID string) (dockercontainer.ExecInspect, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.inspectRequests++
	if api.inspectRequests <= api.runningInspects {
		return dockercontainer.ExecInspect{ExecID: execID, Running: true}, nil
	}
	return dockercontainer.ExecInspect{ExecID: execID, ExitCode: api.exitCode}, nil
}

func (api *fakeDockerAPI) ContainerRemove(executionContext context.Context, containerID string, options dockercontainer.RemoveOptions) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.removedIDs = append(api.removedIDs, containerID)
	api.removeOptions = append(api.removeOptions, options)
	return nil
}

func newDockerFactory(testInstance *testing.T, dockerAPI *fakeDockerAPI, pullPolicy container.PullPolicy) *container.DockerSessionFactory {
	testInstance.Helper()
	factory, factoryError := container.NewDockerSessionFactory(dockerAPI, container.DockerOptions{
		PullPolicy:      pullPolicy,
		WorkspaceRoot:   testInstance.TempDir(),
		InspectInterval: time.Millisecond,
	}, zap.NewNop(), clockwork.NewRealClock())
	require.NoError(testInstance, factoryError)
	return factory
}

func TestDockerSessionLifecycle(testInstance *testing.T) {
	dockerAPI := &fakeDockerAPI{execStdout: "collected 3 items\n", execStderr: "warning\n", runningInspects: 2, exitCode: 1}
	factory := newDockerFactory(testInstance, dockerAPI, container.PullPolicyNever)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant, RunIdentifier: "run-1"})
	require.NoError(testInstance, openError)
	require.Equal(testInstance, "/workspace", session.Workspace())
	require.Empty(testInstance, dockerAPI.pulls)

	require.Len(testInstance, dockerAPI.createdConfigs, 1)
	createdConfig := dockerAPI.createdConfigs[0]
	require.Equal(testInstance, testImageConstant, createdConfig.Image)
	require.Equal(testInstance, "/workspace", createdConfig.WorkingDir)
	require.Equal(testInstance, map[string]string{"io.ciflow.run": "run-1", "io.ciflow.job": "python3"}, createdConfig.Labels)
	require.Equal(testInstance, []string{session.HostWorkspace() + ":/workspace"}, dockerAPI.createdHosts[0].Binds)

	result, executeError := session.Execute(context.Background(), workflow.StepInvocation{
		Script:      "pytest tests",
		Environment: map[string]string{"VIRTUAL_ENV": "/workspace/venv", "CI": "true"},
	})
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, 1, result.ExitCode)
	require.Equal(testInstance, "collected 3 items\n", result.StandardOutput)
	require.Equal(testInstance, "warning\n", result.StandardError)
	require.Equal(testInstance, "collected 3 items\nwarning\n", result.CombinedOutput)
	require.Equal(testInstance, 3, dockerAPI.inspectRequests)

	require.Len(testInstance, dockerAPI.execOptions, 1)
	execOptions := dockerAPI.execOptions[0]
	require.Equal(testInstance, []string{"/bin/bash", "-eo", "pipefail", "-c", "pytest tests"}, []string(execOptions.Cmd))
	require.Equal(testInstance, []string{"CI=true", "HOME=/tmp", "VIRTUAL_ENV=/workspace/venv"}, execOptions.Env)
	require.Equal(testInstance, fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), execOptions.User)
	require.Equal(testInstance, execOptions.User, createdConfig.User)
	require.Equal(testInstance, "/workspace", execOptions.WorkingDir)
	require.True(testInstance, execOptions.AttachStdout)
	require.True(testInstance, execOptions.AttachStderr)

	require.NoError(testInstance, session.Close(context.Background()))
	require.Equal(testInstance, []string{testContainerIDConstant}, dockerAPI.removedIDs)
	require.True(testInstance, dockerAPI.removeOptions[0].Force)
	_, statError := os.Stat(session.HostWorkspace())
	require.True(testInstance, os.IsNotExist(statError))
}

func TestDockerSessionPullPolicies(testInstance *testing.T) {
	testCases := []struct {
		name          string
		pullPolicy    container.PullPolicy
		createErrors  []error
		expectedPulls int
		expectError   bool
	}{
		{
			name:          "always_pulls_once_per_image",
			pullPolicy:    container.PullPolicyAlways,
			expectedPulls: 1,
		},
		{
			name:          "missing_pulls_after_not_found",
			pullPolicy:    container.PullPolicyMissing,
			createErrors:  []error{imageNotFoundError{}},
			expectedPulls: 1,
		},
		{
			name:          "missing_skips_pull_for_present_image",
			pullPolicy:    container.PullPolicyMissing,
			expectedPulls: 0,
		},
		{
			name:          "never_reports_missing_image",
			pullPolicy:    container.PullPolicyNever,
			createErrors:  []error{imageNotFoundError{}},
			expectedPulls: 0,
			expectError:   true,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dockerAPI := &fakeDockerAPI{pullStream: `{"status":"Pulling from circleci/python"}` + "\n", createErrors: testCase.createErrors}
			factory := newDockerFactory(testInstance, dockerAPI, testCase.pullPolicy)

			session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
			if testCase.expectError {
				require.Error(testInstance, openError)
				require.Len(testInstance, dockerAPI.pulls, testCase.expectedPulls)
				return
			}
			require.NoError(testInstance, openError)
			require.NoError(testInstance, session.Close(context.Background()))

			if testCase.pullPolicy == container.PullPolicyAlways {
				second, secondError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
				require.NoError(testInstance, secondError)
				require.NoError(testInstance, second.Close(context.Background()))
			}
			require.Len(testInstance, dockerAPI.pulls, testCase.expectedPulls)
		})
	}
}

func TestDockerSessionReportsPullErrors(testInstance *testing.T) {
	testCases := []struct {
		name      string
		dockerAPI *fakeDockerAPI
	}{
		{name: "request_failure", dockerAPI: &fakeDockerAPI{pullError: errors.New("registry unreachable")}},
		{name: "stream_failure", dockerAPI: &fakeDockerAPI{pullStream: `{"errorDetail":{"message":"denied"},"error":"denied"}` + "\n"}},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			factory := newDockerFactory(testInstance, testCase.dockerAPI, container.PullPolicyAlways)
			_, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
			require.ErrorContains(testInstance, openError, "unable to pull image "+testImageConstant)
			require.Empty(testInstance, testCase.dockerAPI.createdConfigs)
		})
	}
}

func TestDockerSessionCleansUpWhenStartFails(testInstance *testing.T) {
	dockerAPI := &fakeDockerAPI{startError: errors.New("port already allocated")}
	factory := newDockerFactory(testInstance, dockerAPI, container.PullPolicyNever)

	_, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
	require.ErrorContains(testInstance, openError, "unable to start container for job python3")
	require.Equal(testInstance, []string{testContainerIDConstant}, dockerAPI.removedIDs)
}

func TestDockerSessionRequiresImage(testInstance *testing.T) {
	factory := newDockerFactory(testInstance, &fakeDockerAPI{}, container.PullPolicyNever)
	_, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3"})
	require.ErrorContains(testInstance, openError, "does not declare a docker image")
}

func TestDockerSessionExecuteHonorsCancellation(testInstance *testing.T) {
	dockerAPI := &fakeDockerAPI{blockExecStream: true}
	factory := newDockerFactory(testInstance, dockerAPI, container.PullPolicyNever)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
	require.NoError(testInstance, openError)
	defer session.Close(context.Background())

	executionContext, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, executeError := session.Execute(executionContext, workflow.StepInvocation{Script: "sleep 60"})
	require.ErrorIs(testInstance, executeError, context.DeadlineExceeded)
	require.Equal(testInstance, -1, result.ExitCode)
}

func TestParsePullPolicy(testInstance *testing.T) {
	policy, policyError := container.ParsePullPolicy("")
	require.NoError(testInstance, policyError)
	require.Equal(testInstance, container.PullPolicyMissing, policy)

	policy, policyError = container.ParsePullPolicy(" Always ")
	require.NoError(testInstance, policyError)
	require.Equal(testInstance, container.PullPolicyAlways, policy)

	_, policyError = container.ParsePullPolicy("sometimes")
	require.Error(testInstance, policyError)

	_, factoryError := container.NewDockerSessionFactory(nil, container.DockerOptions{}, nil, nil)
	require.ErrorIs(testInstance, factoryError, container.ErrDockerAPIMissing)
}

func TestDockerSessionUserSelection(testInstance *testing.T) {
	testCases := []struct {
		name         string
		user         string
		expectedUser string
		expectHome   bool
	}{
		{name: "host_user_by_default", user: "", expectedUser: fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), expectHome: true},
		{name: "explicit_user", user: "1000:1000", expectedUser: "1000:1000", expectHome: true},
		{name: "image_user", user: container.ImageUser, expectedUser: "", expectHome: false},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dockerAPI := &fakeDockerAPI{}
			factory, factoryError := container.NewDockerSessionFactory(dockerAPI, container.DockerOptions{
				PullPolicy:      container.PullPolicyNever,
				User:            testCase.user,
				WorkspaceRoot:   testInstance.TempDir(),
				InspectInterval: time.Millisecond,
			}, zap.NewNop(), clockwork.NewRealClock())
			require.NoError(testInstance, factoryError)

			session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
			require.NoError(testInstance, openError)
			defer session.Close(context.Background())

			_, executeError := session.Execute(context.Background(), workflow.StepInvocation{Script: "pip install -e ."})
			require.NoError(testInstance, executeError)

			require.Equal(testInstance, testCase.expectedUser, dockerAPI.createdConfigs[0].User)
			require.Equal(testInstance, testCase.expectedUser, dockerAPI.execOptions[0].User)
			if testCase.expectHome {
				require.Contains(testInstance, dockerAPI.execOptions[0].Env, "HOME=/tmp")
			} else {
				require.Empty(testInstance, dockerAPI.execOptions[0].Env)
			}
		})
	}
}

func TestDockerSessionCloseClearsWorkspaceAsRoot(testInstance *testing.T) {
	testCases := []struct {
		name            string
		keepWorkspaces  bool
		expectedCommand []string
		workspaceExists bool
	}{
		{
			name:            "discarded_workspace",
			expectedCommand: []string{"find", "/workspace", "-mindepth", "1", "-delete"},
		},
		{
			name:            "kept_workspace_returned_to_host_user",
			keepWorkspaces:  true,
			expectedCommand: []string{"chown", "-R", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), "/workspace"},
			workspaceExists: true,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dockerAPI := &fakeDockerAPI{}
			factory, factoryError := container.NewDockerSessionFactory(dockerAPI, container.DockerOptions{
				PullPolicy:      container.PullPolicyNever,
				WorkspaceRoot:   testInstance.TempDir(),
				KeepWorkspaces:  testCase.keepWorkspaces,
				InspectInterval: time.Millisecond,
			}, zap.NewNop(), clockwork.NewRealClock())
			require.NoError(testInstance, factoryError)

			session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3", Image: testImageConstant})
			require.NoError(testInstance, openError)
			require.NoError(testInstance, session.Close(context.Background()))

			require.Len(testInstance, dockerAPI.execOptions, 1)
			cleanup := dockerAPI.execOptions[0]
			require.Equal(testInstance, "0:0", cleanup.User)
			require.Equal(testInstance, testCase.expectedCommand, []string(cleanup.Cmd))
			require.Equal(testInstance, []string{testExecIDConstant}, dockerAPI.startedExecs)
			require.Equal(testInstance, []string{testContainerIDConstant}, dockerAPI.removedIDs)

			_, statError := os.Stat(session.HostWorkspace())
			require.Equal(testInstance, testCase.workspaceExists, statError == nil)
		})
	}
}

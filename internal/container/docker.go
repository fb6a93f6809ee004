package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/jonboulle/clockwork"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/workflow"
)

// PullPolicy decides when images are pulled before a job starts.
type PullPolicy string

// Supported pull policies.
const (
	PullPolicyAlways  PullPolicy = "always"
	PullPolicyMissing PullPolicy = "missing"
	PullPolicyNever   PullPolicy = "never"
)

// ImageUser keeps the user declared by the job image instead of the host user.
const ImageUser = "image"

const (
	containerWorkspaceConstant       = "/workspace"
	runLabelConstant                 = "io.ciflow.run"
	jobLabelConstant                 = "io.ciflow.job"
	defaultInspectIntervalConstant   = 100 * time.Millisecond
	workspacePermissionsConstant     = 0o777
	cleanupTimeoutConstant           = 2 * time.Minute
	rootUserConstant                 = "0:0"
	hostUserTemplateConstant         = "%d:%d"
	homeVariableConstant             = "HOME"
	scratchHomeConstant              = "/tmp"
	dockerAPIMissingMessage          = "docker sessions require a docker client"
	unsupportedPullPolicyTemplate    = "unsupported pull policy %q"
	imageMissingTemplate             = "job %s does not declare a docker image"
	imagePullErrorTemplate           = "unable to pull image %s: %w"
	containerCreateErrorTemplate     = "unable to create container for job %s: %w"
	containerStartErrorTemplate      = "unable to start container for job %s: %w"
	containerRemoveErrorTemplate     = "unable to remove container %s: %w"
	execCreateErrorTemplate          = "container exec create: %w"
	execAttachErrorTemplate          = "container exec attach: %w"
	execInspectErrorTemplate         = "container exec inspect: %w"
	execStreamErrorTemplate          = "container exec stream: %w"
	workspacePermissionErrorTemplate = "unable to share workspace %s: %w"
	dockerClientErrorTemplate        = "unable to create docker client: %w"
	workspaceCleanupExitTemplate     = "workspace cleanup exited with code %d"
)

// ErrDockerAPIMissing indicates the docker backend was built without a client.
var ErrDockerAPIMissing = errors.New(dockerAPIMissingMessage)

// DockerAPI is the subset of the docker engine client used by docker sessions.
type DockerAPI interface {
	ImagePull(executionContext context.Context, reference string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(executionContext context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(executionContext context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerExecCreate(executionContext context.Context, containerID string, options dockercontainer.ExecOptions) (dockercontainer.ExecCreateResponse, error)
	ContainerExecStart(executionContext context.Context, execID string, options dockercontainer.ExecStartOptions) error
	ContainerExecAttach(executionContext context.Context, execID string, options dockercontainer.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(executionContext context.Context, execID string) (dockercontainer.ExecInspect, error)
	ContainerRemove(executionContext context.Context, containerID string, options dockercontainer.RemoveOptions) error
}

// NewDockerClient connects to the engine named by host, or to the one described by the DOCKER_* environment.
func NewDockerClient(host string) (*client.Client, error) {
	options := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if trimmedHost := strings.TrimSpace(host); len(trimmedHost) > 0 {
		options = append(options, client.WithHost(trimmedHost))
	}
	dockerClient, clientError := client.NewClientWithOpts(options...)
	if clientError != nil {
		return nil, fmt.Errorf(dockerClientErrorTemplate, clientError)
	}
	return dockerClient, nil
}

// ParsePullPolicy validates a configured pull policy. An empty value selects PullPolicyMissing.
func ParsePullPolicy(value string) (PullPolicy, error) {
	switch PullPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PullPolicyMissing:
		return PullPolicyMissing, nil
	case PullPolicyAlways:
		return PullPolicyAlways, nil
	case PullPolicyNever:
		return PullPolicyNever, nil
	default:
		return "", fmt.Errorf(unsupportedPullPolicyTemplate, value)
	}
}

// DockerOptions configures docker sessions.
// User is the uid:gid steps run as. An empty User selects the host user so files written
// into the bind-mounted workspace stay owned by whoever runs ciflow; ImageUser keeps the image's user.
type DockerOptions struct {
	PullPolicy      PullPolicy
	User            string
	WorkspaceRoot   string
	Shell           []string
	KeepWorkspaces  bool
	OutputWriter    io.Writer
	InspectInterval time.Duration
}

// DockerSessionFactory runs every job inside a fresh container of the job image.
// The host workspace is bind mounted at /workspace so sources checked out on the host are visible to steps.
type DockerSessionFactory struct {
	dockerAPI DockerAPI
	options   DockerOptions
	logger    *zap.Logger
	clock     clockwork.Clock

	pullGroup   singleflight.Group
	pulledMutex sync.Mutex
	pulled      map[string]struct{}
}

// NewDockerSessionFactory constructs a DockerSessionFactory.
func NewDockerSessionFactory(dockerAPI DockerAPI, options DockerOptions, logger *zap.Logger, clock clockwork.Clock) (*DockerSessionFactory, error) {
	if dockerAPI == nil {
		return nil, ErrDockerAPIMissing
	}
	pullPolicy, policyError := ParsePullPolicy(string(options.PullPolicy))
	if policyError != nil {
		return nil, policyError
	}
	options.PullPolicy = pullPolicy
	if len(options.Shell) == 0 {
		options.Shell = execshell.DefaultScriptShell
	}
	if options.InspectInterval <= 0 {
		options.InspectInterval = defaultInspectIntervalConstant
	}
	options.User = resolveUser(options.User)
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DockerSessionFactory{
		dockerAPI: dockerAPI,
		options:   options,
		logger:    logger,
		clock:     clock,
		pulled:    make(map[string]struct{}),
	}, nil
}

// Open prepares the image, creates the workspace and starts an idle container for the job.
func (factory *DockerSessionFactory) Open(executionContext context.Context, job workflow.JobSpec) (workflow.Session, error) {
	imageReference := strings.TrimSpace(job.Image)
	if len(imageReference) == 0 {
		return nil, fmt.Errorf(imageMissingTemplate, job.Name)
	}

	if factory.options.PullPolicy == PullPolicyAlways {
		if pullError := factory.pullImage(executionContext, imageReference); pullError != nil {
			return nil, pullError
		}
	}

	workspace, workspaceError := createWorkspace(factory.options.WorkspaceRoot, job.Name)
	if workspaceError != nil {
		return nil, workspaceError
	}
	if chmodError := os.Chmod(workspace, workspacePermissionsConstant); chmodError != nil {
		_ = removeWorkspace(workspace)
		return nil, fmt.Errorf(workspacePermissionErrorTemplate, workspace, chmodError)
	}

	containerID, createError := factory.createContainer(executionContext, job, imageReference, workspace)
	if createError != nil {
		_ = removeWorkspace(workspace)
		return nil, createError
	}

	session := &dockerSession{factory: factory, job: job, containerID: containerID, hostWorkspace: workspace}
	if startError := factory.dockerAPI.ContainerStart(executionContext, containerID, dockercontainer.StartOptions{}); startError != nil {
		_ = session.Close(context.WithoutCancel(executionContext))
		return nil, fmt.Errorf(containerStartErrorTemplate, job.Name, startError)
	}

	factory.logger.Debug(
		"docker_session_opened",
		zap.String("job", job.Name),
		zap.String("image", imageReference),
		zap.String("container_id", containerID),
		zap.String("workspace", workspace),
	)
	return session, nil
}

func (factory *DockerSessionFactory) createContainer(executionContext context.Context, job workflow.JobSpec, imageReference string, workspace string) (string, error) {
	configuration := &dockercontainer.Config{
		Image:      imageReference,
		Entrypoint: []string{"tail"},
		Cmd:        []string{"-f", "/dev/null"},
		WorkingDir: containerWorkspaceConstant,
		User:       factory.options.User,
		Labels: map[string]string{
			runLabelConstant: job.RunIdentifier,
			jobLabelConstant: job.Name,
		},
	}
	hostConfiguration := &dockercontainer.HostConfig{
		Binds: []string{workspace + ":" + containerWorkspaceConstant},
	}

	response, createError := factory.dockerAPI.ContainerCreate(executionContext, configuration, hostConfiguration, nil, nil, "")
	if createError != nil && factory.options.PullPolicy == PullPolicyMissing && client.IsErrNotFound(createError) {
		if pullError := factory.pullImage(executionContext, imageReference); pullError != nil {
			return "", pullError
		}
		response, createError = factory.dockerAPI.ContainerCreate(executionContext, configuration, hostConfiguration, nil, nil, "")
	}
	if createError != nil {
		return "", fmt.Errorf(containerCreateErrorTemplate, job.Name, createError)
	}
	for _, warning := range response.Warnings {
		factory.logger.Warn("docker_container_warning", zap.String("job", job.Name), zap.String("warning", warning))
	}
	return response.ID, nil
}

// pullImage pulls each image at most once per factory; concurrent jobs share the pull.
func (factory *DockerSessionFactory) pullImage(executionContext context.Context, imageReference string) error {
	factory.pulledMutex.Lock()
	_, alreadyPulled := factory.pulled[imageReference]
	factory.pulledMutex.Unlock()
	if alreadyPulled {
		return nil
	}

	_, pullError, _ := factory.pullGroup.Do(imageReference, func() (any, error) {
		factory.logger.Info("docker_image_pull", zap.String("image", imageReference))
		progress, requestError := factory.dockerAPI.ImagePull(executionContext, imageReference, image.PullOptions{})
		if requestError != nil {
			return nil, requestError
		}
		defer progress.Close()
		if streamError := jsonmessage.DisplayJSONMessagesStream(progress, io.Discard, 0, false, nil); streamError != nil {
			return nil, streamError
		}
		factory.pulledMutex.Lock()
		factory.pulled[imageReference] = struct{}{}
		factory.pulledMutex.Unlock()
		return nil, nil
	})
	if pullError != nil {
		return fmt.Errorf(imagePullErrorTemplate, imageReference, pullError)
	}
	return nil
}

type dockerSession struct {
	factory       *DockerSessionFactory
	job           workflow.JobSpec
	containerID   string
	hostWorkspace string
}

func (session *dockerSession) Workspace() string {
	return containerWorkspaceConstant
}

func (session *dockerSession) HostWorkspace() string {
	return session.hostWorkspace
}

// Execute runs the invocation through docker exec. Cancelling executionContext closes the attached stream.
func (session *dockerSession) Execute(executionContext context.Context, invocation workflow.StepInvocation) (execshell.ExecutionResult, error) {
	dockerAPI := session.factory.dockerAPI
	command := append(append([]string{}, session.factory.options.Shell...), invocation.Script)

	workingDirectory := invocation.WorkingDirectory
	if len(workingDirectory) == 0 {
		workingDirectory = containerWorkspaceConstant
	}

	environment := invocation.Environment
	if len(session.factory.options.User) > 0 {
		if _, homeDeclared := environment[homeVariableConstant]; !homeDeclared {
			environment = make(map[string]string, len(invocation.Environment)+1)
			for key, value := range invocation.Environment {
				environment[key] = value
			}
			environment[homeVariableConstant] = scratchHomeConstant
		}
	}

	created, createError := dockerAPI.ContainerExecCreate(executionContext, session.containerID, dockercontainer.ExecOptions{
		User:         session.factory.options.User,
		Cmd:          command,
		Env:          environmentList(environment),
		WorkingDir:   workingDirectory,
		AttachStdout: true,
		AttachStderr: true,
	})
	if createError != nil {
		return execshell.ExecutionResult{}, fmt.Errorf(execCreateErrorTemplate, createError)
	}

	hijacked, attachError := dockerAPI.ContainerExecAttach(executionContext, created.ID, dockercontainer.ExecAttachOptions{})
	if attachError != nil {
		return execshell.ExecutionResult{}, fmt.Errorf(execAttachErrorTemplate, attachError)
	}
	defer hijacked.Close()
	stopClosing := context.AfterFunc(executionContext, hijacked.Close)
	defer stopClosing()

	var standardOutput, standardError, combined bytes.Buffer
	combinedDestination := io.Writer(&combined)
	if session.factory.options.OutputWriter != nil {
		combinedDestination = io.MultiWriter(&combined, session.factory.options.OutputWriter)
	}
	_, copyError := stdcopy.StdCopy(
		io.MultiWriter(&standardOutput, combinedDestination),
		io.MultiWriter(&standardError, combinedDestination),
		hijacked.Reader,
	)

	result := execshell.ExecutionResult{
		StandardOutput: standardOutput.String(),
		StandardError:  standardError.String(),
		CombinedOutput: combined.String(),
	}
	if contextError := executionContext.Err(); contextError != nil {
		result.ExitCode = -1
		return result, contextError
	}
	if copyError != nil {
		return result, fmt.Errorf(execStreamErrorTemplate, copyError)
	}

	for {
		inspected, inspectError := dockerAPI.ContainerExecInspect(executionContext, created.ID)
		if inspectError != nil {
			return result, fmt.Errorf(execInspectErrorTemplate, inspectError)
		}
		if !inspected.Running {
			result.ExitCode = inspected.ExitCode
			return result, nil
		}
		select {
		case <-executionContext.Done():
			result.ExitCode = -1
			return result, executionContext.Err()
		case <-session.factory.clock.After(session.factory.options.InspectInterval):
		}
	}
}

// Close clears the workspace from inside the container, then force-removes the container and the host workspace.
// Kept workspaces are handed back to the host user instead of being cleared.
func (session *dockerSession) Close(executionContext context.Context) error {
	if cleanupError := session.cleanWorkspace(executionContext); cleanupError != nil {
		session.factory.logger.Warn(
			"docker_workspace_cleanup_failed",
			zap.String("job", session.job.Name),
			zap.String("container_id", session.containerID),
			zap.Error(cleanupError),
		)
	}

	var closeErrors []error
	removeError := session.factory.dockerAPI.ContainerRemove(executionContext, session.containerID, dockercontainer.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if removeError != nil {
		closeErrors = append(closeErrors, fmt.Errorf(containerRemoveErrorTemplate, session.containerID, removeError))
	}
	if session.factory.options.KeepWorkspaces {
		session.factory.logger.Info("workspace_kept", zap.String("job", session.job.Name), zap.String("workspace", session.hostWorkspace))
	} else if workspaceError := removeWorkspace(session.hostWorkspace); workspaceError != nil {
		closeErrors = append(closeErrors, workspaceError)
	}
	return errors.Join(closeErrors...)
}

func environmentList(environment map[string]string) []string {
	keys := make([]string, 0, len(environment))
	for key := range environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key+"="+environment[key])
	}
	return entries
}

// cleanWorkspace runs as root inside the container so files created by any container user are reachable.
func (session *dockerSession) cleanWorkspace(executionContext context.Context) error {
	command := []string{"find", containerWorkspaceConstant, "-mindepth", "1", "-delete"}
	if session.factory.options.KeepWorkspaces {
		hostUser := resolveUser("")
		if len(hostUser) == 0 {
			return nil
		}
		command = []string{"chown", "-R", hostUser, containerWorkspaceConstant}
	}

	cleanupContext, cancel := context.WithTimeout(executionContext, cleanupTimeoutConstant)
	defer cancel()

	dockerAPI := session.factory.dockerAPI
	created, createError := dockerAPI.ContainerExecCreate(cleanupContext, session.containerID, dockercontainer.ExecOptions{
		User: rootUserConstant,
		Cmd:  command,
	})
	if createError != nil {
		return fmt.Errorf(execCreateErrorTemplate, createError)
	}
	if startError := dockerAPI.ContainerExecStart(cleanupContext, created.ID, dockercontainer.ExecStartOptions{Detach: true}); startError != nil {
		return startError
	}

	for {
		inspected, inspectError := dockerAPI.ContainerExecInspect(cleanupContext, created.ID)
		if inspectError != nil {
			return fmt.Errorf(execInspectErrorTemplate, inspectError)
		}
		if !inspected.Running {
			if inspected.ExitCode != 0 {
				return fmt.Errorf(workspaceCleanupExitTemplate, inspected.ExitCode)
			}
			return nil
		}
		select {
		case <-cleanupContext.Done():
			return cleanupContext.Err()
		case <-session.factory.clock.After(session.factory.options.InspectInterval):
		}
	}
}

func resolveUser(configured string) string {
	trimmed := strings.TrimSpace(configured)
	switch {
	case trimmed == ImageUser:
		return ""
	case len(trimmed) > 0:
		return trimmed
	}
	userIdentifier := os.Getuid()
	if userIdentifier < 0 {
		return ""
	}
	return fmt.Sprintf(hostUserTemplateConstant, userIdentifier, os.Getgid())
}

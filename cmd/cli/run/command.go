package run

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/container"
	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/gitrepo"
	"github.com/tyemirov/ciflow/internal/logstore"
	"github.com/tyemirov/ciflow/internal/metrics"
	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/utils"
	flagutils "github.com/tyemirov/ciflow/internal/utils/flags"
	"github.com/tyemirov/ciflow/internal/validation"
	"github.com/tyemirov/ciflow/internal/workflow"
	"github.com/tyemirov/ciflow/pkg/taskrunner"
)

const (
	commandUseConstant                 = "run [pipeline]"
	commandShortConstant               = "Run the jobs of a pipeline workflow"
	commandLongConstant                = "run validates the pipeline definition, then runs every job of the selected workflow in its own isolated session. Each job checks out the repository, installs dependencies into an isolated environment, and runs the lint and test steps. Independent jobs run concurrently and a failed job never stops the others."
	jobFlagNameConstant                = "job"
	jobFlagUsageConstant               = "Run only the named job (repeatable)"
	backendFlagNameConstant            = "backend"
	backendFlagUsageConstant           = "Session backend (local or docker)"
	workersFlagNameConstant            = "workers"
	workersFlagUsageConstant           = "Maximum number of jobs running at once (0 uses the CPU count)"
	repositoryFlagNameConstant         = "repository"
	repositoryFlagUsageConstant        = "Repository cloned by checkout steps (defaults to the repository enclosing the pipeline)"
	revisionFlagNameConstant           = "revision"
	revisionFlagUsageConstant          = "Revision checked out by checkout steps"
	logDirectoryFlagNameConstant       = "log-dir"
	logDirectoryFlagUsageConstant      = "Directory receiving one log file per step"
	metricsFileFlagNameConstant        = "metrics-file"
	metricsFileFlagUsageConstant       = "Write run metrics in Prometheus text format to this file"
	stepTimeoutFlagNameConstant        = "step-timeout"
	stepTimeoutFlagUsageConstant       = "Maximum duration of a single step (0 disables the limit)"
	keepWorkspacesFlagNameConstant     = "keep-workspaces"
	keepWorkspacesFlagUsageConstant    = "Leave job workspaces on disk after the run"
	pullPolicyFlagNameConstant         = "pull-policy"
	pullPolicyFlagUsageConstant        = "Docker image pull policy (always, missing or never)"
	streamFlagNameConstant             = "stream"
	streamFlagUsageConstant            = "Stream step output to standard error while jobs run"
	unsupportedBackendTemplate         = "unsupported backend %q"
	validatorConstructionErrorTemplate = "unable to build validator: %w"
	localSourceRequiredTemplate        = "no repository configured and %w"
	dockerClientCloseMessage           = "docker_client_close_failed"
	metricsWriteFailedMessage          = "metrics_textfile_failed"
	uncommittedChangesMessage          = "uncommitted_changes_not_included"
)

// CommandBuilder assembles the run command.
type CommandBuilder struct {
	LoggerProvider               LoggerProvider
	HumanReadableLoggingProvider func() bool
	ConfigurationProvider        func() CommandConfiguration
	Dependencies                 Dependencies
}

// Build constructs the run command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   commandUseConstant,
		Short: commandShortConstant,
		Long:  commandLongConstant,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.run,
	}

	flagutils.BindPipelineFlags(command, flagutils.PipelineFlagValues{}, flagutils.PipelineFlagDefinition{Enabled: true})
	command.Flags().StringSlice(jobFlagNameConstant, nil, jobFlagUsageConstant)
	command.Flags().String(backendFlagNameConstant, BackendDocker, backendFlagUsageConstant)
	command.Flags().Int(workersFlagNameConstant, 0, workersFlagUsageConstant)
	command.Flags().String(repositoryFlagNameConstant, "", repositoryFlagUsageConstant)
	command.Flags().String(revisionFlagNameConstant, "", revisionFlagUsageConstant)
	command.Flags().String(logDirectoryFlagNameConstant, "", logDirectoryFlagUsageConstant)
	command.Flags().String(metricsFileFlagNameConstant, "", metricsFileFlagUsageConstant)
	command.Flags().Duration(stepTimeoutFlagNameConstant, 0, stepTimeoutFlagUsageConstant)
	command.Flags().Bool(keepWorkspacesFlagNameConstant, false, keepWorkspacesFlagUsageConstant)
	command.Flags().String(pullPolicyFlagNameConstant, string(container.PullPolicyMissing), pullPolicyFlagUsageConstant)
	command.Flags().Bool(streamFlagNameConstant, false, streamFlagUsageConstant)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	logger := resolveLogger(builder.LoggerProvider)
	humanReadable := builder.HumanReadableLoggingProvider != nil && builder.HumanReadableLoggingProvider()
	configuration := builder.resolveConfiguration(command, arguments)

	pipelineConfiguration, loadError := pipeline.LoadConfiguration(configuration.PipelinePath)
	if loadError != nil {
		return loadError
	}

	validator, validatorError := validation.NewValidator(configuration.Validation)
	if validatorError != nil {
		return fmt.Errorf(validatorConstructionErrorTemplate, validatorError)
	}
	report := validator.Validate(pipelineConfiguration)
	for _, issue := range report.Issues {
		if issue.Severity == validation.SeverityWarning {
			logger.Warn("pipeline_validation_warning", zap.String("issue", issue.String()))
		}
	}
	if reportError := report.Err(); reportError != nil {
		return reportError
	}

	runIdentifier := builder.runIdentifier()
	executionContext := utils.NewCommandContextAccessor().WithRunContext(command.Context(), utils.RunContext{
		RunIdentifier: runIdentifier,
		Backend:       configuration.Backend,
	})

	var streamWriter io.Writer
	if streamOutput, _, _ := flagutils.BoolFlag(command, streamFlagNameConstant); streamOutput {
		streamWriter = utils.NewFlushingWriter(command.ErrOrStderr())
	}

	shellExecutor, executorError := execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner(streamWriter), humanReadable)
	if executorError != nil {
		return executorError
	}
	gitExecutor := builder.Dependencies.GitExecutor
	if gitExecutor == nil {
		gitExecutor = shellExecutor
	}

	source, sourceError := resolveSource(executionContext, gitExecutor, command, configuration.PipelinePath, logger)
	if sourceError != nil {
		return sourceError
	}

	clock := builder.Dependencies.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	sessions, closeSessions, sessionError := builder.sessionFactory(configuration, shellExecutor, streamWriter, logger, clock)
	if sessionError != nil {
		return sessionError
	}
	defer func() {
		if closeError := closeSessions(); closeError != nil {
			logger.Warn(dockerClientCloseMessage, zap.Error(closeError))
		}
	}()

	checkout := builder.Dependencies.Checkout
	if checkout == nil {
		checkout = workflow.NewGitCheckout(gitExecutor)
	}

	recorder := metrics.NewRecorder()
	executor := taskrunner.Resolve(builder.Dependencies.ExecutorFactory, pipelineConfiguration, workflow.Dependencies{
		Logger:                logger,
		Sessions:              sessions,
		Checkout:              checkout,
		Classifier:            validator,
		LogStore:              logstore.NewStore(configuration.LogDirectory, runIdentifier),
		Metrics:               recorder,
		Clock:                 clock,
		RunIdentifierProvider: func() string { return runIdentifier },
	}, taskrunner.Options{SummaryWriter: command.ErrOrStderr()})

	jobNames, _, _ := flagutils.StringSliceFlag(command, jobFlagNameConstant)
	outcome, runError := executor.Execute(executionContext, workflow.RuntimeOptions{
		Workflow:      configuration.Workflow,
		Jobs:          jobNames,
		Workers:       configuration.Workers,
		Repository:    source.Repository,
		Revision:      source.Revision,
		StepTimeout:   configuration.StepTimeout,
		RunIdentifier: runIdentifier,
	})

	if len(outcome.JobOutcomes) > 0 {
		workflow.WriteSummary(command.OutOrStdout(), outcome)
	}

	if metricsFile := strings.TrimSpace(configuration.MetricsFile); len(metricsFile) > 0 {
		if metricsError := recorder.WriteTextfile(metricsFile); metricsError != nil {
			logger.Warn(metricsWriteFailedMessage, zap.String("path", metricsFile), zap.Error(metricsError))
		}
	}

	return runError
}

// resolveConfiguration layers explicitly changed flags over configured values.
func (builder *CommandBuilder) resolveConfiguration(command *cobra.Command, arguments []string) CommandConfiguration {
	configuration := CommandConfiguration{Backend: BackendDocker, Validation: validation.DefaultPolicy()}
	if builder.ConfigurationProvider != nil {
		configuration = builder.ConfigurationProvider()
	}

	pipelineContext := flagutils.ResolvePipelineContext(command, arguments)
	if len(pipelineContext.Path) > 0 {
		configuration.PipelinePath = pipelineContext.Path
	}
	if len(strings.TrimSpace(configuration.PipelinePath)) == 0 {
		configuration.PipelinePath = pipeline.DefaultConfigurationPath
	}
	if len(pipelineContext.Workflow) > 0 {
		configuration.Workflow = pipelineContext.Workflow
	}

	if value, changed, _ := flagutils.StringFlag(command, backendFlagNameConstant); changed || len(strings.TrimSpace(configuration.Backend)) == 0 {
		configuration.Backend = value
	}
	if value, changed, _ := flagutils.IntFlag(command, workersFlagNameConstant); changed {
		configuration.Workers = value
	}
	if value, changed, _ := flagutils.StringFlag(command, logDirectoryFlagNameConstant); changed {
		configuration.LogDirectory = value
	}
	if value, changed, _ := flagutils.StringFlag(command, metricsFileFlagNameConstant); changed {
		configuration.MetricsFile = value
	}
	if value, changed, _ := flagutils.DurationFlag(command, stepTimeoutFlagNameConstant); changed {
		configuration.StepTimeout = value
	}
	if value, changed, _ := flagutils.BoolFlag(command, keepWorkspacesFlagNameConstant); changed {
		configuration.KeepWorkspaces = value
	}
	if value, changed, _ := flagutils.StringFlag(command, pullPolicyFlagNameConstant); changed {
		configuration.Docker.PullPolicy = value
	}

	configuration.Backend = strings.ToLower(strings.TrimSpace(configuration.Backend))
	return configuration
}

func (builder *CommandBuilder) runIdentifier() string {
	if builder.Dependencies.RunIdentifier != nil {
		if identifier := strings.TrimSpace(builder.Dependencies.RunIdentifier()); len(identifier) > 0 {
			return identifier
		}
	}
	return uuid.NewString()
}

// sessionFactory builds the backend named by the configuration and a function releasing its resources.
func (builder *CommandBuilder) sessionFactory(configuration CommandConfiguration, shellExecutor *execshell.ShellExecutor, streamWriter io.Writer, logger *zap.Logger, clock clockwork.Clock) (workflow.SessionFactory, func() error, error) {
	noClose := func() error { return nil }
	if builder.Dependencies.SessionFactory != nil {
		return builder.Dependencies.SessionFactory, noClose, nil
	}

	switch configuration.Backend {
	case BackendLocal:
		factory, factoryError := container.NewLocalSessionFactory(shellExecutor, container.LocalOptions{
			WorkspaceRoot:  configuration.WorkspaceRoot,
			Shell:          configuration.Shell,
			KeepWorkspaces: configuration.KeepWorkspaces,
		}, logger)
		if factoryError != nil {
			return nil, noClose, factoryError
		}
		return factory, noClose, nil
	case BackendDocker:
		pullPolicy, policyError := container.ParsePullPolicy(configuration.Docker.PullPolicy)
		if policyError != nil {
			return nil, noClose, policyError
		}
		dockerClient, clientError := container.NewDockerClient(configuration.Docker.Host)
		if clientError != nil {
			return nil, noClose, clientError
		}
		factory, factoryError := container.NewDockerSessionFactory(dockerClient, container.DockerOptions{
			PullPolicy:     pullPolicy,
			User:           configuration.Docker.User,
			WorkspaceRoot:  configuration.WorkspaceRoot,
			Shell:          configuration.Shell,
			KeepWorkspaces: configuration.KeepWorkspaces,
			OutputWriter:   streamWriter,
		}, logger, clock)
		if factoryError != nil {
			_ = dockerClient.Close()
			return nil, noClose, factoryError
		}
		return factory, dockerClient.Close, nil
	default:
		return nil, noClose, fmt.Errorf(unsupportedBackendTemplate, configuration.Backend)
	}
}

// resolveSource picks the repository and revision cloned by checkout steps.
// Without an explicit repository the repository enclosing the pipeline file and its HEAD are used.
func resolveSource(executionContext context.Context, gitExecutor workflow.GitExecutor, command *cobra.Command, pipelinePath string, logger *zap.Logger) (workflow.CheckoutRequest, error) {
	repository, _, _ := flagutils.StringFlag(command, repositoryFlagNameConstant)
	revision, _, _ := flagutils.StringFlag(command, revisionFlagNameConstant)
	request := workflow.CheckoutRequest{
		Repository: strings.TrimSpace(repository),
		Revision:   strings.TrimSpace(revision),
	}
	if len(request.Repository) > 0 {
		return request, nil
	}

	repositoryManager, managerError := gitrepo.NewRepositoryManager(gitExecutor)
	if managerError != nil {
		return workflow.CheckoutRequest{}, managerError
	}

	pipelineDirectory := filepath.Dir(pipelinePath)
	if absoluteDirectory, absoluteError := filepath.Abs(pipelineDirectory); absoluteError == nil {
		pipelineDirectory = absoluteDirectory
	}
	localSource, detectError := repositoryManager.DetectLocalSource(executionContext, pipelineDirectory)
	if detectError != nil {
		return workflow.CheckoutRequest{}, fmt.Errorf(localSourceRequiredTemplate, detectError)
	}
	if !localSource.Clean() && len(request.Revision) == 0 {
		logger.Warn(uncommittedChangesMessage,
			zap.String("repository", localSource.Repository),
			zap.String("branch", localSource.Branch),
			zap.Int("pending_changes", len(localSource.PendingChanges)))
	}

	detected := workflow.CheckoutRequest{Repository: localSource.Repository, Revision: localSource.Revision}
	if len(request.Revision) > 0 {
		detected.Revision = request.Revision
	}
	return detected, nil
}

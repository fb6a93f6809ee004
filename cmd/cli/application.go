// Package cli wires the ciflow command hierarchy.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/cmd/cli/definition"
	"github.com/tyemirov/ciflow/cmd/cli/run"
	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/utils"
	"github.com/tyemirov/ciflow/internal/version"
)

const (
	applicationNameConstant                                          = "ciflow"
	applicationShortDescriptionConstant                              = "Validate and run CircleCI-style Python pipelines locally"
	applicationLongDescriptionConstant                               = "ciflow validates pipeline definitions that run checkout, install, lint and test steps across several Python runtimes, and runs their jobs in isolated local or docker sessions."
	configFileFlagNameConstant                                       = "config"
	configFileFlagUsageConstant                                      = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant                                         = "log-level"
	logLevelFlagUsageConstant                                        = "Override the configured log level."
	logFormatFlagNameConstant                                        = "log-format"
	logFormatFlagUsageConstant                                       = "Override the configured log format (structured or console)."
	configurationInitializationFlagNameConstant                      = "init"
	configurationInitializationFlagUsageConstant                     = "Write the embedded default configuration to local (./config.yaml) or user ($HOME/.ciflow/config.yaml) scope."
	configurationInitializationDefaultScopeConstant                  = "local"
	configurationInitializationForceFlagNameConstant                 = "force"
	configurationInitializationForceFlagUsageConstant                = "Overwrite an existing configuration file when initializing."
	configurationInitializationScopeLocalConstant                    = "local"
	configurationInitializationScopeUserConstant                     = "user"
	configurationInitializationUnsupportedScopeTemplateConstant      = "unsupported initialization scope %q"
	configurationInitializationWorkingDirectoryErrorTemplateConstant = "unable to determine working directory: %w"
	configurationInitializationHomeDirectoryErrorTemplateConstant    = "unable to determine user home directory: %w"
	configurationInitializationContentUnavailableErrorConstant       = "embedded configuration content is unavailable"
	configurationInitializationDirectoryErrorTemplateConstant        = "unable to ensure configuration directory %s: %w"
	configurationInitializationExistingFileTemplateConstant          = "configuration file already exists at %s (use --force to overwrite)"
	configurationInitializationExistingDirectoryTemplateConstant     = "configuration path %s is a directory"
	configurationInitializationWriteErrorTemplateConstant            = "unable to write configuration file %s: %w"
	configurationInitializationSuccessMessageConstant                = "configuration file created"
	commonLogLevelConfigKeyConstant                                  = "common.log_level"
	commonLogFormatConfigKeyConstant                                 = "common.log_format"
	environmentPrefixConstant                                        = "CIFLOW"
	configurationNameConstant                                        = "config"
	configurationTypeConstant                                        = "yaml"
	configurationFileNameConstant                                    = configurationNameConstant + "." + configurationTypeConstant
	configurationDirectoryPermissionConstant                         = 0o755
	configurationFilePermissionConstant                              = 0o600
	configurationInitializedMessageConstant                          = "configuration initialized"
	configurationLogLevelFieldConstant                               = "log_level"
	configurationLogFormatFieldConstant                              = "log_format"
	configurationFileFieldConstant                                   = "config_file"
	xdgConfigHomeEnvironmentVariableConstant                         = "XDG_CONFIG_HOME"
	configurationLoadErrorTemplateConstant                           = "unable to load configuration: %w"
	loggerCreationErrorTemplateConstant                              = "unable to create logger: %w"
	loggerSyncErrorTemplateConstant                                  = "unable to flush logger: %w"
	configurationInitializedConsoleTemplateConstant                  = "%s | log level=%s | log format=%s | config file=%s"
	defaultConfigurationSearchPathConstant                           = "."
	userConfigurationDirectoryNameConstant                           = ".ciflow"
	configurationSearchPathEnvironmentVariableConstant               = "CIFLOW_CONFIG_SEARCH_PATH"
	versionFlagNameConstant                                          = "version"
	versionFlagUsageConstant                                         = "Print the application version and exit"
	versionOutputTemplateConstant                                    = "ciflow version: %s\n"
	versionCommandUseNameConstant                                    = "version"
	versionCommandShortDescriptionConstant                           = "Print the ciflow version"
	versionCommandLongDescriptionConstant                            = "version prints the current ciflow release identifier."
)

type loggerOutputsFactory interface {
	CreateLoggerOutputs(logLevel utils.LogLevel, logFormat utils.LogFormat) (utils.LoggerOutputs, error)
}

type configurationInitializationPlan struct {
	DirectoryPath string
	FilePath      string
}

// Application wires configuration, logging and the command hierarchy.
type Application struct {
	rootCommand                       *cobra.Command
	configurationLoader               *utils.ConfigurationLoader
	loggerFactory                     loggerOutputsFactory
	logger                            *zap.Logger
	consoleLogger                     *zap.Logger
	configuration                     ApplicationConfiguration
	configurationMetadata             utils.LoadedConfiguration
	configurationFilePath             string
	logLevelFlagValue                 string
	logFormatFlagValue                string
	commandContextAccessor            utils.CommandContextAccessor
	configurationInitializationScope  string
	configurationInitializationForced bool
	versionFlag                       bool
	versionResolver                   func(context.Context) string
	exitFunction                      func(int)
}

// NewApplication assembles a fully wired CLI application instance.
func NewApplication() *Application {
	application := &Application{
		loggerFactory:          utils.NewLoggerFactory(),
		logger:                 zap.NewNop(),
		consoleLogger:          zap.NewNop(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
	}
	application.versionResolver = application.resolveVersion
	application.exitFunction = os.Exit

	application.configurationLoader = utils.NewConfigurationLoader(
		configurationNameConstant,
		configurationTypeConstant,
		environmentPrefixConstant,
		application.resolveConfigurationSearchPaths(),
	)

	embeddedConfigurationData, embeddedConfigurationType := EmbeddedDefaultConfiguration()
	application.configurationLoader.SetEmbeddedConfiguration(embeddedConfigurationData, embeddedConfigurationType)

	cobraCommand := &cobra.Command{
		Use:           applicationNameConstant,
		Short:         applicationShortDescriptionConstant,
		Long:          applicationLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			if initializationError := application.initializeConfiguration(command); initializationError != nil {
				return initializationError
			}

			if application.versionFlag {
				application.printVersion(command.Context(), command.OutOrStdout())
				application.exitFunction(0)
			}

			return nil
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return application.runRootCommand(command, arguments)
		},
	}

	cobraCommand.SetContext(context.Background())
	cobraCommand.PersistentFlags().StringVar(&application.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logLevelFlagValue, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logFormatFlagValue, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(
		&application.configurationInitializationScope,
		configurationInitializationFlagNameConstant,
		configurationInitializationDefaultScopeConstant,
		configurationInitializationFlagUsageConstant,
	)
	cobraCommand.PersistentFlags().BoolVar(
		&application.configurationInitializationForced,
		configurationInitializationForceFlagNameConstant,
		false,
		configurationInitializationForceFlagUsageConstant,
	)
	cobraCommand.PersistentFlags().BoolVar(&application.versionFlag, versionFlagNameConstant, false, versionFlagUsageConstant)

	definitionLoggerProvider := func() *zap.Logger { return application.logger }
	commandBuilders := []interface {
		Build() (*cobra.Command, error)
	}{
		&definition.ValidateCommandBuilder{
			LoggerProvider:        definitionLoggerProvider,
			ConfigurationProvider: application.definitionConfiguration,
		},
		&definition.FormatCommandBuilder{
			LoggerProvider:        definitionLoggerProvider,
			ConfigurationProvider: application.definitionConfiguration,
		},
		&definition.RenderCommandBuilder{
			LoggerProvider:        definitionLoggerProvider,
			ConfigurationProvider: application.definitionConfiguration,
		},
		&definition.SchemaCommandBuilder{},
		&run.CommandBuilder{
			LoggerProvider:               func() *zap.Logger { return application.logger },
			HumanReadableLoggingProvider: application.humanReadableLoggingEnabled,
			ConfigurationProvider:        application.runConfiguration,
		},
	}
	for _, builder := range commandBuilders {
		if subcommand, buildError := builder.Build(); buildError == nil {
			cobraCommand.AddCommand(subcommand)
		}
	}

	cobraCommand.AddCommand(&cobra.Command{
		Use:   versionCommandUseNameConstant,
		Short: versionCommandShortDescriptionConstant,
		Long:  versionCommandLongDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			application.printVersion(command.Context(), command.OutOrStdout())
			return nil
		},
	})

	application.rootCommand = cobraCommand

	return application
}

// Execute runs the configured Cobra command hierarchy and ensures logger flushing.
func (application *Application) Execute() error {
	return application.ExecuteArguments(os.Args[1:])
}

// ExecuteArguments runs the command hierarchy with explicit arguments.
func (application *Application) ExecuteArguments(arguments []string) error {
	return application.ExecuteContext(context.Background(), arguments)
}

// ExecuteContext runs the command hierarchy under executionContext; cancelling it stops running jobs.
func (application *Application) ExecuteContext(executionContext context.Context, arguments []string) error {
	application.rootCommand.SetArgs(normalizeInitializationScopeArguments(arguments))

	executionError := application.rootCommand.ExecuteContext(executionContext)
	if syncError := application.flushLogger(); syncError != nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// SetOutput redirects command output.
func (application *Application) SetOutput(writer io.Writer) {
	application.rootCommand.SetOut(writer)
	application.rootCommand.SetErr(writer)
}

// Execute builds a fresh application instance and executes the root command hierarchy.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext builds a fresh application instance and executes it under executionContext.
func ExecuteContext(executionContext context.Context) error {
	return NewApplication().ExecuteContext(executionContext, os.Args[1:])
}

// normalizeInitializationScopeArguments lets --init appear without a scope value.
func normalizeInitializationScopeArguments(arguments []string) []string {
	if len(arguments) == 0 {
		return nil
	}

	normalizedArguments := make([]string, 0, len(arguments))
	flagPrefix := "--" + configurationInitializationFlagNameConstant

	for index := 0; index < len(arguments); index++ {
		currentArgument := arguments[index]

		if strings.HasPrefix(currentArgument, flagPrefix+"=") {
			if value := strings.TrimSpace(strings.TrimPrefix(currentArgument, flagPrefix+"=")); len(value) == 0 {
				normalizedArguments = append(normalizedArguments, fmt.Sprintf("%s=%s", flagPrefix, configurationInitializationDefaultScopeConstant))
				continue
			}
			normalizedArguments = append(normalizedArguments, currentArgument)
			continue
		}

		if currentArgument == flagPrefix {
			nextIndex := index + 1
			if nextIndex >= len(arguments) || strings.HasPrefix(arguments[nextIndex], "-") {
				normalizedArguments = append(normalizedArguments, fmt.Sprintf("%s=%s", flagPrefix, configurationInitializationDefaultScopeConstant))
				continue
			}
		}

		normalizedArguments = append(normalizedArguments, currentArgument)
	}

	return normalizedArguments
}

func (application *Application) resolveConfigurationSearchPaths() []string {
	overrideValue := strings.TrimSpace(os.Getenv(configurationSearchPathEnvironmentVariableConstant))
	if len(overrideValue) == 0 {
		return append([]string{defaultConfigurationSearchPathConstant}, resolveUserConfigurationDirectoryPaths()...)
	}

	overridePaths := strings.FieldsFunc(overrideValue, func(candidate rune) bool {
		return candidate == os.PathListSeparator
	})

	cleanedPaths := make([]string, 0, len(overridePaths))
	for _, pathCandidate := range overridePaths {
		if trimmedCandidate := strings.TrimSpace(pathCandidate); len(trimmedCandidate) > 0 {
			cleanedPaths = append(cleanedPaths, trimmedCandidate)
		}
	}

	if len(cleanedPaths) == 0 {
		return []string{defaultConfigurationSearchPathConstant}
	}

	return cleanedPaths
}

func resolveUserConfigurationDirectoryPaths() []string {
	userConfigurationDirectoryPaths := make([]string, 0, 3)

	appendConfigurationDirectory := func(baseDirectoryPath string) {
		trimmedBaseDirectoryPath := strings.TrimSpace(baseDirectoryPath)
		if len(trimmedBaseDirectoryPath) == 0 {
			return
		}

		candidateDirectoryPath := filepath.Join(trimmedBaseDirectoryPath, userConfigurationDirectoryNameConstant)
		for _, existingDirectoryPath := range userConfigurationDirectoryPaths {
			if existingDirectoryPath == candidateDirectoryPath {
				return
			}
		}

		userConfigurationDirectoryPaths = append(userConfigurationDirectoryPaths, candidateDirectoryPath)
	}

	appendConfigurationDirectory(os.Getenv(xdgConfigHomeEnvironmentVariableConstant))

	if userConfigurationBaseDirectoryPath, userConfigurationDirectoryError := os.UserConfigDir(); userConfigurationDirectoryError == nil {
		appendConfigurationDirectory(userConfigurationBaseDirectoryPath)
	}

	if userHomeDirectoryPath, userHomeDirectoryError := os.UserHomeDir(); userHomeDirectoryError == nil {
		appendConfigurationDirectory(userHomeDirectoryPath)
	}

	return userConfigurationDirectoryPaths
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:  string(utils.LogLevelError),
		commonLogFormatConfigKeyConstant: string(utils.LogFormatStructured),
	}

	application.configuration = ApplicationConfiguration{}
	loadedConfiguration, loadError := application.configurationLoader.LoadConfiguration(application.configurationFilePath, defaultValues, &application.configuration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}
	application.configurationMetadata = loadedConfiguration

	if application.persistentFlagChanged(command, logLevelFlagNameConstant) {
		application.configuration.Common.LogLevel = application.logLevelFlagValue
	}
	if application.persistentFlagChanged(command, logFormatFlagNameConstant) {
		application.configuration.Common.LogFormat = application.logFormatFlagValue
	}

	loggerOutputs, loggerCreationError := application.loggerFactory.CreateLoggerOutputs(
		utils.LogLevel(application.configuration.Common.LogLevel),
		utils.LogFormat(application.configuration.Common.LogFormat),
	)
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerCreationError)
	}

	application.logger = loggerOutputs.DiagnosticLogger
	if application.logger == nil {
		application.logger = zap.NewNop()
	}
	application.consoleLogger = loggerOutputs.ConsoleLogger
	if application.consoleLogger == nil {
		application.consoleLogger = zap.NewNop()
	}

	application.logConfigurationInitialization()

	if command != nil {
		updatedContext := application.commandContextAccessor.WithConfigurationFilePath(command.Context(), application.configurationMetadata.ConfigFileUsed)
		updatedContext = application.commandContextAccessor.WithLogLevel(updatedContext, application.configuration.Common.LogLevel)
		updatedContext = application.commandContextAccessor.WithPipelineContext(updatedContext, utils.PipelineContext{
			Path:     application.configuration.Pipeline.Path,
			Workflow: application.configuration.Pipeline.Workflow,
		})

		command.SetContext(updatedContext)
		if rootCommand := command.Root(); rootCommand != nil {
			rootCommand.SetContext(updatedContext)
		}
	}

	return nil
}

// ConfigFileUsed returns the configuration file path used during initialization.
func (application *Application) ConfigFileUsed() string {
	return application.configurationMetadata.ConfigFileUsed
}

func (application *Application) humanReadableLoggingEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(application.configuration.Common.LogFormat), string(utils.LogFormatConsole))
}

func (application *Application) logConfigurationInitialization() {
	if !strings.EqualFold(strings.TrimSpace(application.configuration.Common.LogLevel), string(utils.LogLevelDebug)) {
		return
	}

	if application.humanReadableLoggingEnabled() {
		application.consoleLogger.Debug(fmt.Sprintf(
			configurationInitializedConsoleTemplateConstant,
			configurationInitializedMessageConstant,
			application.configuration.Common.LogLevel,
			application.configuration.Common.LogFormat,
			application.configurationMetadata.ConfigFileUsed,
		))
		return
	}

	application.logger.Debug(
		configurationInitializedMessageConstant,
		zap.String(configurationLogLevelFieldConstant, application.configuration.Common.LogLevel),
		zap.String(configurationLogFormatFieldConstant, application.configuration.Common.LogFormat),
		zap.String(configurationFileFieldConstant, application.configurationMetadata.ConfigFileUsed),
	)
}

func (application *Application) resolveVersion(executionContext context.Context) string {
	dependencies := version.Dependencies{}
	if gitExecutor, executorError := execshell.NewShellExecutor(application.logger, execshell.NewOSCommandRunner(nil), application.humanReadableLoggingEnabled()); executorError == nil {
		dependencies.GitExecutor = gitExecutor
	}
	return strings.TrimSpace(version.NewDetector(dependencies).Version(executionContext))
}

func (application *Application) printVersion(executionContext context.Context, writer io.Writer) {
	fmt.Fprintf(writer, versionOutputTemplateConstant, application.versionResolver(executionContext))
}

func (application *Application) handleConfigurationInitialization(command *cobra.Command) (bool, error) {
	if !application.persistentFlagChanged(command, configurationInitializationFlagNameConstant) {
		return false, nil
	}

	initializationPlan, planError := resolveConfigurationInitializationPlan(application.configurationInitializationScope)
	if planError != nil {
		return true, planError
	}

	configurationContent, _ := EmbeddedDefaultConfiguration()
	if len(configurationContent) == 0 {
		return true, errors.New(configurationInitializationContentUnavailableErrorConstant)
	}

	if writeError := application.writeConfigurationFile(initializationPlan, configurationContent); writeError != nil {
		return true, writeError
	}

	application.logger.Info(configurationInitializationSuccessMessageConstant, zap.String(configurationFileFieldConstant, initializationPlan.FilePath))
	return true, nil
}

func resolveConfigurationInitializationPlan(initializationScope string) (configurationInitializationPlan, error) {
	switch strings.ToLower(strings.TrimSpace(initializationScope)) {
	case "", configurationInitializationScopeLocalConstant:
		workingDirectoryPath, workingDirectoryError := os.Getwd()
		if workingDirectoryError != nil {
			return configurationInitializationPlan{}, fmt.Errorf(configurationInitializationWorkingDirectoryErrorTemplateConstant, workingDirectoryError)
		}
		return configurationInitializationPlan{
			DirectoryPath: workingDirectoryPath,
			FilePath:      filepath.Join(workingDirectoryPath, configurationFileNameConstant),
		}, nil
	case configurationInitializationScopeUserConstant:
		userHomeDirectoryPath, userHomeDirectoryError := os.UserHomeDir()
		if userHomeDirectoryError != nil {
			return configurationInitializationPlan{}, fmt.Errorf(configurationInitializationHomeDirectoryErrorTemplateConstant, userHomeDirectoryError)
		}
		configurationDirectoryPath := filepath.Join(userHomeDirectoryPath, userConfigurationDirectoryNameConstant)
		return configurationInitializationPlan{
			DirectoryPath: configurationDirectoryPath,
			FilePath:      filepath.Join(configurationDirectoryPath, configurationFileNameConstant),
		}, nil
	default:
		return configurationInitializationPlan{}, fmt.Errorf(configurationInitializationUnsupportedScopeTemplateConstant, strings.TrimSpace(initializationScope))
	}
}

func (application *Application) writeConfigurationFile(initializationPlan configurationInitializationPlan, configurationContent []byte) error {
	if createError := os.MkdirAll(initializationPlan.DirectoryPath, configurationDirectoryPermissionConstant); createError != nil {
		return fmt.Errorf(configurationInitializationDirectoryErrorTemplateConstant, initializationPlan.DirectoryPath, createError)
	}

	fileInfo, fileStatError := os.Stat(initializationPlan.FilePath)
	switch {
	case fileStatError == nil:
		if fileInfo.IsDir() {
			return fmt.Errorf(configurationInitializationExistingDirectoryTemplateConstant, initializationPlan.FilePath)
		}
		if !application.configurationInitializationForced {
			return fmt.Errorf(configurationInitializationExistingFileTemplateConstant, initializationPlan.FilePath)
		}
	case errors.Is(fileStatError, os.ErrNotExist):
	default:
		return fmt.Errorf(configurationInitializationWriteErrorTemplateConstant, initializationPlan.FilePath, fileStatError)
	}

	if writeError := os.WriteFile(initializationPlan.FilePath, configurationContent, configurationFilePermissionConstant); writeError != nil {
		return fmt.Errorf(configurationInitializationWriteErrorTemplateConstant, initializationPlan.FilePath, writeError)
	}
	return nil
}

func (application *Application) runRootCommand(command *cobra.Command, arguments []string) error {
	initializationHandled, initializationError := application.handleConfigurationInitialization(command)
	if initializationError != nil {
		return initializationError
	}
	if initializationHandled {
		return nil
	}
	return command.Help()
}

func (application *Application) flushLogger() error {
	if syncError := syncLoggerInstance(application.logger); syncError != nil {
		return syncError
	}
	return syncLoggerInstance(application.consoleLogger)
}

func syncLoggerInstance(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}

	syncError := logger.Sync()
	switch {
	case syncError == nil:
		return nil
	case errors.Is(syncError, syscall.ENOTSUP):
		return nil
	case errors.Is(syncError, syscall.EINVAL):
		return nil
	case errors.Is(syncError, syscall.EBADF):
		return nil
	case errors.Is(syncError, syscall.ENOTTY):
		return nil
	default:
		return syncError
	}
}

func (application *Application) persistentFlagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}

	flagSetsToInspect := []*pflag.FlagSet{
		command.PersistentFlags(),
		command.InheritedFlags(),
	}
	if rootCommand := command.Root(); rootCommand != nil {
		flagSetsToInspect = append(flagSetsToInspect, rootCommand.PersistentFlags())
	}

	for _, flagSet := range flagSetsToInspect {
		if flagSet != nil && flagSet.Changed(flagName) {
			return true
		}
	}
	return false
}

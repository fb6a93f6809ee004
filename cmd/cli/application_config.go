package cli

import (
	"time"

	"github.com/tyemirov/ciflow/cmd/cli/definition"
	"github.com/tyemirov/ciflow/cmd/cli/run"
	"github.com/tyemirov/ciflow/internal/validation"
)

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common     ApplicationCommonConfiguration   `mapstructure:"common"`
	Pipeline   ApplicationPipelineConfiguration `mapstructure:"pipeline"`
	Runner     ApplicationRunnerConfiguration   `mapstructure:"runner"`
	Validation validation.Policy                `mapstructure:"validation"`
	Template   definition.TemplateConfiguration `mapstructure:"template"`
}

// ApplicationCommonConfiguration stores logging defaults shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// ApplicationPipelineConfiguration locates the pipeline definition.
type ApplicationPipelineConfiguration struct {
	Path     string `mapstructure:"path"`
	Workflow string `mapstructure:"workflow"`
}

// ApplicationRunnerConfiguration stores run defaults.
type ApplicationRunnerConfiguration struct {
	Backend        string                  `mapstructure:"backend"`
	Workers        int                     `mapstructure:"workers"`
	WorkspaceRoot  string                  `mapstructure:"workspace_root"`
	KeepWorkspaces bool                    `mapstructure:"keep_workspaces"`
	LogDirectory   string                  `mapstructure:"log_directory"`
	MetricsFile    string                  `mapstructure:"metrics_file"`
	StepTimeout    time.Duration           `mapstructure:"step_timeout"`
	Shell          []string                `mapstructure:"shell"`
	Docker         run.DockerConfiguration `mapstructure:"docker"`
}

func (application *Application) definitionConfiguration() definition.CommandConfiguration {
	return definition.CommandConfiguration{
		PipelinePath: application.configuration.Pipeline.Path,
		Validation:   application.validationPolicy(),
		Template:     application.configuration.Template,
	}
}

func (application *Application) runConfiguration() run.CommandConfiguration {
	runner := application.configuration.Runner
	return run.CommandConfiguration{
		PipelinePath:   application.configuration.Pipeline.Path,
		Workflow:       application.configuration.Pipeline.Workflow,
		Backend:        runner.Backend,
		Workers:        runner.Workers,
		WorkspaceRoot:  runner.WorkspaceRoot,
		KeepWorkspaces: runner.KeepWorkspaces,
		LogDirectory:   runner.LogDirectory,
		MetricsFile:    runner.MetricsFile,
		StepTimeout:    runner.StepTimeout,
		Shell:          append([]string{}, runner.Shell...),
		Docker:         runner.Docker,
		Validation:     application.validationPolicy(),
	}
}

// validationPolicy falls back to the built-in role rules when the configuration declares none.
func (application *Application) validationPolicy() validation.Policy {
	if len(application.configuration.Validation.Roles) == 0 {
		policy := validation.DefaultPolicy()
		policy.RequireActivation = application.configuration.Validation.RequireActivation
		return policy
	}
	return application.configuration.Validation
}

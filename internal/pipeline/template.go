package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

const (
	defaultConfigurationVersionConstant  = "2"
	defaultWorkflowSchemaVersionConstant = "2"
	defaultWorkflowNameConstant          = "build"
	defaultJobNameTemplateConstant       = "python{{ .Major }}"
	defaultImageTemplateConstant         = "circleci/python:{{ .Version }}"
	defaultRequirementsFileConstant      = "requirements/dev.txt"
	defaultEnvironmentDirectoryConstant  = "venv"
	installStepNameConstant              = "Install dependencies"
	lintStepNameConstant                 = "Run linter"
	testStepNameConstant                 = "Run tests"
	installCommandTemplateConstant       = "python -m virtualenv {{ .Settings.EnvironmentDirectory }} || python -m venv {{ .Settings.EnvironmentDirectory }}\n. {{ .Settings.EnvironmentDirectory }}/bin/activate\npip install -r {{ .Settings.RequirementsFile }}\npip install -e .\n"
	lintCommandTemplateConstant          = ". {{ .Settings.EnvironmentDirectory }}/bin/activate\nflake8 {{ join .Settings.LintPaths \" \" }}\n"
	testCommandTemplateConstant          = ". {{ .Settings.EnvironmentDirectory }}/bin/activate\npytest {{ join .Settings.TestPaths \" \" }}\n"
	templateParseErrorTemplateConstant   = "unable to parse %s template: %w"
	templateRenderErrorTemplateConstant  = "unable to render %s template for %q: %w"
	variantNameMissingTemplateConstant   = "runtime variant %d has no name or version"
	variantImageMissingTemplateConstant  = "runtime variant %q has no image"
	duplicateVariantTemplateConstant     = "runtime variant %q expands to duplicate job name"
)

// ErrNoRuntimeVariants indicates that a template was expanded without variants.
var ErrNoRuntimeVariants = errors.New("job template requires at least one runtime variant")

// RuntimeVariant parameterizes a job template with an interpreter version.
type RuntimeVariant struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Image   string `mapstructure:"image"`
}

// TemplateSettings captures the declared paths and manifests of the default template.
type TemplateSettings struct {
	RequirementsFile     string   `mapstructure:"requirements_file"`
	EnvironmentDirectory string   `mapstructure:"environment_directory"`
	LintPaths            []string `mapstructure:"lint_paths"`
	TestPaths            []string `mapstructure:"test_paths"`
}

// JobTemplate is a single step sequence shared by every runtime variant.
type JobTemplate struct {
	NameTemplate  string
	ImageTemplate string
	Settings      TemplateSettings
	Steps         []Step
}

type templateData struct {
	Name     string
	Version  string
	Major    string
	Image    string
	Settings TemplateSettings
}

// DefaultRuntimeVariants returns the python2 and python3 variants.
func DefaultRuntimeVariants() []RuntimeVariant {
	return []RuntimeVariant{
		{Name: "python2", Version: "2.7", Image: "circleci/python:2.7"},
		{Name: "python3", Version: "3.7", Image: "circleci/python:3.7"},
	}
}

// DefaultTemplateSettings returns the manifest and path defaults of the default template.
func DefaultTemplateSettings() TemplateSettings {
	return TemplateSettings{
		RequirementsFile:     defaultRequirementsFileConstant,
		EnvironmentDirectory: defaultEnvironmentDirectoryConstant,
		LintPaths:            []string{"src", "tests", "docs"},
		TestPaths:            []string{"tests"},
	}
}

// Normalize fills unset settings with defaults.
func (settings TemplateSettings) Normalize() TemplateSettings {
	defaults := DefaultTemplateSettings()
	if len(strings.TrimSpace(settings.RequirementsFile)) == 0 {
		settings.RequirementsFile = defaults.RequirementsFile
	}
	if len(strings.TrimSpace(settings.EnvironmentDirectory)) == 0 {
		settings.EnvironmentDirectory = defaults.EnvironmentDirectory
	}
	if len(settings.LintPaths) == 0 {
		settings.LintPaths = defaults.LintPaths
	}
	if len(settings.TestPaths) == 0 {
		settings.TestPaths = defaults.TestPaths
	}
	return settings
}

// DefaultPythonTemplate builds the checkout, install, lint, test template.
func DefaultPythonTemplate(settings TemplateSettings) JobTemplate {
	return JobTemplate{
		NameTemplate:  defaultJobNameTemplateConstant,
		ImageTemplate: defaultImageTemplateConstant,
		Settings:      settings.Normalize(),
		Steps: []Step{
			CheckoutStep(),
			RunStep(installStepNameConstant, installCommandTemplateConstant),
			RunStep(lintStepNameConstant, lintCommandTemplateConstant),
			RunStep(testStepNameConstant, testCommandTemplateConstant),
		},
	}
}

// Expand renders one job per runtime variant.
func (jobTemplate JobTemplate) Expand(variants []RuntimeVariant) ([]Job, error) {
	if len(variants) == 0 {
		return nil, ErrNoRuntimeVariants
	}

	jobs := make([]Job, 0, len(variants))
	seenNames := make(map[string]struct{}, len(variants))
	for variantIndex, variant := range variants {
		data := templateData{
			Name:     strings.TrimSpace(variant.Name),
			Version:  strings.TrimSpace(variant.Version),
			Image:    strings.TrimSpace(variant.Image),
			Settings: jobTemplate.Settings,
		}
		data.Major = strings.SplitN(data.Version, ".", 2)[0]

		if len(data.Name) == 0 {
			if len(data.Version) == 0 {
				return nil, fmt.Errorf(variantNameMissingTemplateConstant, variantIndex+1)
			}
			renderedName, renderError := renderTemplate("name", jobTemplate.NameTemplate, data)
			if renderError != nil {
				return nil, renderError
			}
			data.Name = strings.TrimSpace(renderedName)
		}
		if len(data.Image) == 0 && len(data.Version) > 0 {
			renderedImage, renderError := renderTemplate("image", jobTemplate.ImageTemplate, data)
			if renderError != nil {
				return nil, renderError
			}
			data.Image = strings.TrimSpace(renderedImage)
		}
		if len(data.Image) == 0 {
			return nil, fmt.Errorf(variantImageMissingTemplateConstant, data.Name)
		}
		if _, exists := seenNames[data.Name]; exists {
			return nil, fmt.Errorf(duplicateVariantTemplateConstant, data.Name)
		}
		seenNames[data.Name] = struct{}{}

		job := Job{
			Name:   data.Name,
			Docker: []DockerImage{{Image: data.Image}},
			Steps:  make([]Step, 0, len(jobTemplate.Steps)),
		}
		for _, stepTemplate := range jobTemplate.Steps {
			step := stepTemplate
			if step.Kind == StepKindRun {
				renderedName, nameError := renderTemplate("step name", step.Name, data)
				if nameError != nil {
					return nil, nameError
				}
				renderedCommand, commandError := renderTemplate("step command", step.Command, data)
				if commandError != nil {
					return nil, commandError
				}
				step.Name = renderedName
				step.Command = renderedCommand
			}
			job.Steps = append(job.Steps, step)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// RenderDefault builds the complete two-job workflow from the default template.
func RenderDefault(settings TemplateSettings, variants []RuntimeVariant) (Configuration, error) {
	if len(variants) == 0 {
		variants = DefaultRuntimeVariants()
	}

	jobs, expandError := DefaultPythonTemplate(settings).Expand(variants)
	if expandError != nil {
		return Configuration{}, expandError
	}

	workflow := Workflow{Name: defaultWorkflowNameConstant, Jobs: make([]WorkflowJob, 0, len(jobs))}
	for _, job := range jobs {
		workflow.Jobs = append(workflow.Jobs, WorkflowJob{Name: job.Name})
	}

	return Configuration{
		Version:               defaultConfigurationVersionConstant,
		WorkflowSchemaVersion: defaultWorkflowSchemaVersionConstant,
		Workflows:             []Workflow{workflow},
		Jobs:                  jobs,
	}, nil
}

func renderTemplate(label string, text string, data templateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	parsed, parseError := template.New(label).Funcs(template.FuncMap{"join": strings.Join}).Option("missingkey=error").Parse(text)
	if parseError != nil {
		return "", fmt.Errorf(templateParseErrorTemplateConstant, label, parseError)
	}
	var buffer bytes.Buffer
	if executeError := parsed.Execute(&buffer, data); executeError != nil {
		return "", fmt.Errorf(templateRenderErrorTemplateConstant, label, data.Name, executeError)
	}
	return buffer.String(), nil
}

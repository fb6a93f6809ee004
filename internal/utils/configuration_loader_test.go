package utils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/utils"
)

const (
	testEnvironmentPrefixConstant   = "TESTCIFLOW"
	testConfigurationNameConstant   = "config"
	testConfigurationTypeConstant   = "yaml"
	testConfigFileNameConstant      = "config.yaml"
	testUserConfigurationDirectory  = ".ciflow"
	testBackendKeyConstant          = "runner.backend"
	testEmbeddedRunnerConfiguration = "runner:\n  backend: docker\n  workers: 2\n  step_timeout: 0s\n  shell: [/bin/bash, -eo, pipefail, -c]\n"
	testLocalBackendConfiguration   = "runner:\n  backend: local\n"
	testTimeoutConfiguration        = "runner:\n  step_timeout: 5m\n  workers: \"4\"\n"
	testBackendEnvironmentVariable  = testEnvironmentPrefixConstant + "_RUNNER_BACKEND"
	testShellEnvironmentVariable    = testEnvironmentPrefixConstant + "_RUNNER_SHELL"
	testTimeoutEnvironmentVariable  = testEnvironmentPrefixConstant + "_RUNNER_STEP_TIMEOUT"
)

type runnerFixture struct {
	Backend     string        `mapstructure:"backend"`
	Workers     int           `mapstructure:"workers"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	Shell       []string      `mapstructure:"shell"`
}

type configurationFixture struct {
	Runner runnerFixture `mapstructure:"runner"`
}

func TestConfigurationLoaderLayers(testInstance *testing.T) {
	testCases := []struct {
		name              string
		fileContent       string
		environment       map[string]string
		defaultValues     map[string]any
		expectedRunner    runnerFixture
		expectFileApplied bool
	}{
		{
			name: "embedded_configuration",
			expectedRunner: runnerFixture{
				Backend: "docker",
				Workers: 2,
				Shell:   []string{"/bin/bash", "-eo", "pipefail", "-c"},
			},
		},
		{
			name:          "embedded_configuration_overrides_defaults",
			defaultValues: map[string]any{testBackendKeyConstant: "local"},
			expectedRunner: runnerFixture{
				Backend: "docker",
				Workers: 2,
				Shell:   []string{"/bin/bash", "-eo", "pipefail", "-c"},
			},
		},
		{
			name:        "file_decodes_durations_and_weak_numbers",
			fileContent: testTimeoutConfiguration,
			expectedRunner: runnerFixture{
				Backend:     "docker",
				Workers:     4,
				StepTimeout: 5 * time.Minute,
				Shell:       []string{"/bin/bash", "-eo", "pipefail", "-c"},
			},
			expectFileApplied: true,
		},
		{
			name:        "environment_overrides_file",
			fileContent: testLocalBackendConfiguration,
			environment: map[string]string{
				testBackendEnvironmentVariable: "docker",
				testShellEnvironmentVariable:   "/bin/sh,-c",
				testTimeoutEnvironmentVariable: "90s",
			},
			expectedRunner: runnerFixture{
				Backend:     "docker",
				Workers:     2,
				StepTimeout: 90 * time.Second,
				Shell:       []string{"/bin/sh", "-c"},
			},
			expectFileApplied: true,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			configurationDirectory := testInstance.TempDir()
			configurationFilePath := ""
			if len(testCase.fileContent) > 0 {
				configurationFilePath = filepath.Join(configurationDirectory, testConfigFileNameConstant)
				require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(testCase.fileContent), 0o600))
			}
			for name, value := range testCase.environment {
				testInstance.Setenv(name, value)
			}

			loader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{configurationDirectory})
			loader.SetEmbeddedConfiguration([]byte(testEmbeddedRunnerConfiguration), testConfigurationTypeConstant)

			loadedConfiguration := configurationFixture{}
			metadata, loadError := loader.LoadConfiguration("", testCase.defaultValues, &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expectedRunner, loadedConfiguration.Runner)

			if testCase.expectFileApplied {
				require.Equal(testInstance, configurationFilePath, metadata.ConfigFileUsed)
			} else {
				require.Empty(testInstance, metadata.ConfigFileUsed)
			}
		})
	}
}

func TestConfigurationLoaderSearchOrder(testInstance *testing.T) {
	testCases := []struct {
		name             string
		workingBackend   string
		userBackend      string
		expectedBackend  string
		expectedLocation string
	}{
		{name: "working_directory_only", workingBackend: "local", expectedBackend: "local", expectedLocation: "working"},
		{name: "user_directory_only", userBackend: "docker", expectedBackend: "docker", expectedLocation: "user"},
		{name: "working_directory_preferred", workingBackend: "local", userBackend: "docker", expectedBackend: "local", expectedLocation: "working"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			workingDirectory := testInstance.TempDir()
			userDirectory := filepath.Join(testInstance.TempDir(), testUserConfigurationDirectory)
			require.NoError(testInstance, os.MkdirAll(userDirectory, 0o755))

			locations := map[string]string{"working": workingDirectory, "user": userDirectory}
			for location, backend := range map[string]string{"working": testCase.workingBackend, "user": testCase.userBackend} {
				if len(backend) == 0 {
					continue
				}
				content := "runner:\n  backend: " + backend + "\n"
				require.NoError(testInstance, os.WriteFile(filepath.Join(locations[location], testConfigFileNameConstant), []byte(content), 0o600))
			}

			loader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{workingDirectory, userDirectory})

			loadedConfiguration := configurationFixture{}
			metadata, loadError := loader.LoadConfiguration("", nil, &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expectedBackend, loadedConfiguration.Runner.Backend)
			require.Equal(testInstance, filepath.Join(locations[testCase.expectedLocation], testConfigFileNameConstant), metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderExplicitFile(testInstance *testing.T) {
	searchDirectory := testInstance.TempDir()
	require.NoError(testInstance, os.WriteFile(filepath.Join(searchDirectory, testConfigFileNameConstant), []byte(testLocalBackendConfiguration), 0o600))

	explicitPath := filepath.Join(testInstance.TempDir(), "ciflow.yaml")
	require.NoError(testInstance, os.WriteFile(explicitPath, []byte("runner:\n  backend: docker\n"), 0o600))

	loader := utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{searchDirectory})

	loadedConfiguration := configurationFixture{}
	metadata, loadError := loader.LoadConfiguration(explicitPath, nil, &loadedConfiguration)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, "docker", loadedConfiguration.Runner.Backend)
	require.Equal(testInstance, explicitPath, metadata.ConfigFileUsed)

	_, missingError := loader.LoadConfiguration(filepath.Join(searchDirectory, "missing.yaml"), nil, &configurationFixture{})
	require.ErrorContains(testInstance, missingError, "unable to read configuration file")
}

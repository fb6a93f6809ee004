package utils_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/utils"
)

const (
	testStepEventMessageConstant    = "step_finished"
	testDebugEventMessageConstant   = "session_opened"
	testConsoleEventMessageConstant = "job python3 succeeded"
)

// captureStandardError redirects os.Stderr while the loggers are built and used.
func captureStandardError(testInstance *testing.T, build func() (utils.LoggerOutputs, error), use func(utils.LoggerOutputs)) (string, error) {
	testInstance.Helper()

	pipeReader, pipeWriter, pipeError := os.Pipe()
	require.NoError(testInstance, pipeError)

	originalStandardError := os.Stderr
	os.Stderr = pipeWriter
	loggerOutputs, creationError := build()
	os.Stderr = originalStandardError

	if creationError == nil {
		use(loggerOutputs)
		requireBenignSync(testInstance, loggerOutputs.DiagnosticLogger.Sync())
		_ = loggerOutputs.ConsoleLogger.Sync()
	}

	require.NoError(testInstance, pipeWriter.Close())
	capturedOutput, readError := io.ReadAll(pipeReader)
	require.NoError(testInstance, readError)
	require.NoError(testInstance, pipeReader.Close())
	return string(bytes.TrimSpace(capturedOutput)), creationError
}

func requireBenignSync(testInstance *testing.T, syncError error) {
	testInstance.Helper()
	if syncError == nil {
		return
	}
	require.True(
		testInstance,
		errors.Is(syncError, syscall.ENOTSUP) ||
			errors.Is(syncError, syscall.EINVAL) ||
			errors.Is(syncError, syscall.EBADF) ||
			errors.Is(syncError, syscall.ENOTTY),
	)
}

func TestLoggerFactoryStructuredOutput(testInstance *testing.T) {
	output, creationError := captureStandardError(testInstance,
		func() (utils.LoggerOutputs, error) {
			return utils.NewLoggerFactory().CreateLoggerOutputs(utils.LogLevelInfo, utils.LogFormatStructured)
		},
		func(loggerOutputs utils.LoggerOutputs) {
			loggerOutputs.DiagnosticLogger.Debug(testDebugEventMessageConstant)
			loggerOutputs.DiagnosticLogger.Info(testStepEventMessageConstant, zap.String("job", "python3"), zap.Int("exit_code", 0))
			loggerOutputs.ConsoleLogger.Info(testConsoleEventMessageConstant)
		})
	require.NoError(testInstance, creationError)

	lines := bytes.Split([]byte(output), []byte("\n"))
	require.Len(testInstance, lines, 1)

	var entry map[string]any
	require.NoError(testInstance, json.Unmarshal(lines[0], &entry))
	require.Equal(testInstance, testStepEventMessageConstant, entry["msg"])
	require.Equal(testInstance, "info", entry["level"])
	require.Equal(testInstance, "python3", entry["job"])
	require.EqualValues(testInstance, 0, entry["exit_code"])
	require.Contains(testInstance, entry, "ts")
}

func TestLoggerFactoryConsoleOutput(testInstance *testing.T) {
	output, creationError := captureStandardError(testInstance,
		func() (utils.LoggerOutputs, error) {
			return utils.NewLoggerFactory().CreateLoggerOutputs(utils.LogLevel(" DEBUG "), utils.LogFormat(" Console "))
		},
		func(loggerOutputs utils.LoggerOutputs) {
			loggerOutputs.DiagnosticLogger.Debug(testDebugEventMessageConstant)
			loggerOutputs.ConsoleLogger.Info(testConsoleEventMessageConstant)
		})
	require.NoError(testInstance, creationError)

	require.Contains(testInstance, output, "DEBUG")
	require.Contains(testInstance, output, testDebugEventMessageConstant)
	require.Contains(testInstance, output, testConsoleEventMessageConstant)
	require.False(testInstance, json.Valid([]byte(output)))
}

func TestLoggerFactoryLevelFiltering(testInstance *testing.T) {
	output, creationError := captureStandardError(testInstance,
		func() (utils.LoggerOutputs, error) {
			return utils.NewLoggerFactory().CreateLoggerOutputs(utils.LogLevelError, utils.LogFormatStructured)
		},
		func(loggerOutputs utils.LoggerOutputs) {
			loggerOutputs.DiagnosticLogger.Warn("uncommitted_changes_not_included")
			loggerOutputs.DiagnosticLogger.Error("job_failed")
		})
	require.NoError(testInstance, creationError)
	require.NotContains(testInstance, output, "uncommitted_changes_not_included")
	require.Contains(testInstance, output, "job_failed")
}

func TestLoggerFactoryRejectsUnsupportedSettings(testInstance *testing.T) {
	testCases := []struct {
		name          string
		logLevel      utils.LogLevel
		logFormat     utils.LogFormat
		expectedError string
	}{
		{name: "level", logLevel: utils.LogLevel("verbose"), logFormat: utils.LogFormatStructured, expectedError: `unsupported log level "verbose"`},
		{name: "format", logLevel: utils.LogLevelInfo, logFormat: utils.LogFormat("xml"), expectedError: `unsupported log format "xml"`},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			loggerOutputs, creationError := utils.NewLoggerFactory().CreateLoggerOutputs(testCase.logLevel, testCase.logFormat)
			require.EqualError(testInstance, creationError, testCase.expectedError)
			require.Zero(testInstance, loggerOutputs)
		})
	}
}

package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel enumerates supported diagnostic log levels.
type LogLevel string

// Supported log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat enumerates supported log encodings.
type LogFormat string

// Supported log formats.
const (
	LogFormatStructured LogFormat = "structured"
	LogFormatConsole    LogFormat = "console"
)

const (
	unsupportedLogLevelTemplateConstant  = "unsupported log level %q"
	unsupportedLogFormatTemplateConstant = "unsupported log format %q"
	timeKeyConstant                      = "ts"
	levelKeyConstant                     = "level"
	messageKeyConstant                   = "msg"
	loggerNameKeyConstant                = "logger"
	callerKeyConstant                    = "caller"
	stacktraceKeyConstant                = "stacktrace"
)

// LoggerOutputs groups the diagnostic logger with the human-facing console logger.
type LoggerOutputs struct {
	DiagnosticLogger *zap.Logger
	ConsoleLogger    *zap.Logger
}

// LoggerFactory builds zap loggers writing to standard error.
type LoggerFactory struct{}

// NewLoggerFactory constructs a LoggerFactory.
func NewLoggerFactory() *LoggerFactory {
	return &LoggerFactory{}
}

// CreateLoggerOutputs builds loggers for the requested level and format.
// Structured output is JSON and suppresses the console logger; console output is human readable.
func (factory *LoggerFactory) CreateLoggerOutputs(logLevel LogLevel, logFormat LogFormat) (LoggerOutputs, error) {
	level, levelError := parseLogLevel(logLevel)
	if levelError != nil {
		return LoggerOutputs{}, levelError
	}

	standardError := zapcore.Lock(os.Stderr)

	switch LogFormat(strings.ToLower(strings.TrimSpace(string(logFormat)))) {
	case LogFormatStructured:
		encoderConfiguration := diagnosticEncoderConfiguration()
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfiguration), standardError, level)
		return LoggerOutputs{
			DiagnosticLogger: zap.New(core),
			ConsoleLogger:    zap.NewNop(),
		}, nil
	case LogFormatConsole:
		encoderConfiguration := diagnosticEncoderConfiguration()
		encoderConfiguration.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfiguration.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		diagnosticCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfiguration), standardError, level)

		consoleEncoderConfiguration := zapcore.EncoderConfig{
			MessageKey:     messageKeyConstant,
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeDuration: zapcore.StringDurationEncoder,
		}
		consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfiguration), standardError, level)

		return LoggerOutputs{
			DiagnosticLogger: zap.New(diagnosticCore),
			ConsoleLogger:    zap.New(consoleCore),
		}, nil
	default:
		return LoggerOutputs{}, fmt.Errorf(unsupportedLogFormatTemplateConstant, logFormat)
	}
}

func parseLogLevel(logLevel LogLevel) (zapcore.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(string(logLevel)))) {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf(unsupportedLogLevelTemplateConstant, logLevel)
	}
}

func diagnosticEncoderConfiguration() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        timeKeyConstant,
		LevelKey:       levelKeyConstant,
		NameKey:        loggerNameKeyConstant,
		CallerKey:      callerKeyConstant,
		MessageKey:     messageKeyConstant,
		StacktraceKey:  stacktraceKeyConstant,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

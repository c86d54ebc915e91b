// Package common provides the shared logging infrastructure for the message
// store. Error-level output is routed to stderr while everything else goes to
// stdout, so containerized deployments can split the streams without parsing.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"msgstore.evalgo.org/version"
)

// OutputSplitter routes formatted log lines to stderr or stdout depending on
// their level marker. It operates on the final formatted output, so it works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends lines containing "level=error" to stderr and everything else to
// stdout. Safe for concurrent use.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all message store packages.
// It is preconfigured with the OutputSplitter; callers may adjust the level
// and formatter for their environment.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// LogLevel represents standard logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	AddCaller  bool     // Add caller information
	TimeFormat string   // Time format for log timestamps
}

// DefaultLoggerConfig returns a logger config with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance with split output
// streams.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()
	applyConfig(logger, config)
	return logger
}

// ConfigureLogger applies config to the shared global Logger. Embedding
// services call this once at startup after loading their configuration.
func ConfigureLogger(config LoggerConfig) {
	applyConfig(Logger, config)
}

func applyConfig(logger *logrus.Logger, config LoggerConfig) {
	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})
}

// ServiceLogger returns an entry stamped with the service name and the
// message store module version, so embedding services can tell which store
// build produced a line.
func ServiceLogger(serviceName string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"service":          serviceName,
		"msgstore_version": version.ModuleVersion(),
	})
}

// LogDuration returns a function that logs the duration of an operation when
// called. Intended for use with defer:
//
//	defer common.LogDuration(common.Logger, "rebuild batch info")()
func LogDuration(logger *logrus.Logger, operation string) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start)
		logger.WithFields(logrus.Fields{
			"operation":   operation,
			"duration":    duration.String(),
			"duration_ms": duration.Milliseconds(),
		}).Info("Operation completed")
	}
}

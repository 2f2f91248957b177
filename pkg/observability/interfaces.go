// Package observability provides unified logging and metrics for the
// cache engine. Every component receives its Logger and MetricsClient
// through its constructor; there is no ambient global state.
package observability

import (
	"time"
)

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for logging
type Logger interface {
	// Core logging methods with fields
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// Formatted logging methods
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Context methods
	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)

	// RecordCacheOperation records a cache operation with its outcome
	RecordCacheOperation(operation string, success bool, durationSeconds float64)

	// IncrementCounter increments a counter without labels
	IncrementCounter(name string, value float64)

	// StartTimer returns a function that records the elapsed time when called
	StartTimer(name string, labels map[string]string) func()

	// Close releases any resources held by the client
	Close() error
}

// LoggingConfig holds the configuration for logging
type LoggingConfig struct {
	// Level is the minimum log level to emit
	Level  string `json:"level,omitempty" mapstructure:"level"`
	Format string `json:"format,omitempty" mapstructure:"format"`
}

// MetricsConfig holds the configuration for metrics
type MetricsConfig struct {
	// Enabled indicates whether metrics collection is enabled
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Type      string `json:"type,omitempty" mapstructure:"type"`
	Namespace string `json:"namespace,omitempty" mapstructure:"namespace"`
}

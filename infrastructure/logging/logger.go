// Package logging provides structured logging with trace ID support for the
// pipeline orchestration core.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for the request/invocation trace ID.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the pipeline run ID.
	RunIDKey ContextKey = "run_id"
	// NodeIDKey is the context key for the node currently being executed.
	NodeIDKey ContextKey = "node_id"
	// ServiceKey is the context key for the service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry with context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if runID := ctx.Value(RunIDKey); runID != nil {
		entry = entry.WithField("run_id", runID)
	}
	if nodeID := ctx.Value(NodeIDKey); nodeID != nil {
		entry = entry.WithField("node_id", nodeID)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithRunID creates a new logger entry with a run ID.
func (l *Logger) WithRunID(runID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"run_id":  runID,
	})
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// WithNodeID adds a node ID to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

// GetNodeID retrieves the node ID from context.
func GetNodeID(ctx context.Context) string {
	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok {
		return nodeID
	}
	return ""
}

// WithService adds a service name to the context.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

// GetService retrieves the service name from context.
func GetService(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceKey).(string); ok {
		return serviceName
	}
	return ""
}

// Structured logging helpers

// LogRunStart logs the start of a pipeline run.
func (l *Logger) LogRunStart(ctx context.Context, nodeCount, resourceCount int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"node_count":     nodeCount,
		"resource_count": resourceCount,
	}).Info("run started")
}

// LogRunComplete logs the terminal outcome of a pipeline run.
func (l *Logger) LogRunComplete(ctx context.Context, status string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("run failed")
	} else {
		entry.Info("run completed")
	}
}

// LogNodeTransition logs a node lifecycle state change.
func (l *Logger) LogNodeTransition(ctx context.Context, nodeID string, from, to int32) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"node_id": nodeID,
		"from":    from,
		"to":      to,
	}).Debug("node state transition")
}

// LogIntegrityCheck logs a resource integrity check outcome.
func (l *Logger) LogIntegrityCheck(ctx context.Context, resource string, ok bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"resource": resource,
	})
	if !ok {
		entry.WithError(err).Warn("integrity check failed")
	} else {
		entry.Debug("integrity check passed")
	}
}

// LogBreakpointEvent logs a pause/resume/step/abort control event.
func (l *Logger) LogBreakpointEvent(ctx context.Context, action, nodeID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":  action,
		"node_id": nodeID,
	}).Info("breakpoint event")
}

// LogPackageOperation logs a package build or load outcome.
func (l *Logger) LogPackageOperation(ctx context.Context, operation, packageID string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation":  operation,
		"package_id": packageID,
	})
	if err != nil {
		entry.WithError(err).Error("package operation failed")
	} else {
		entry.Info("package operation succeeded")
	}
}

// LogAudit logs an audit event (e.g. a breakpoint toggled via the inspector
// surface).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// LogPerformance logs free-form performance metrics.
func (l *Logger) LogPerformance(ctx context.Context, operation string, metrics map[string]interface{}) {
	fields := logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}
	for k, v := range metrics {
		fields[k] = v
	}

	l.WithContext(ctx).WithFields(fields).Info("performance metrics")
}

// LogErrorWithStack logs an error with additional context fields.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error": err.Error(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Panic logs a panic and panics.
func (l *Logger) Panic(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Panic(message)
}

// Development helpers

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	if l.Logger.Level >= logrus.DebugLevel {
		l.WithContext(ctx).WithFields(fields).Debug(message)
	}
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Global logger instance (initialized once at startup).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}

// Convenience functions using the default logger

func InfoDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Info(message)
}

func ErrorDefault(ctx context.Context, message string, err error) {
	Default().WithContext(ctx).WithError(err).Error(message)
}

func WarnDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Warn(message)
}

func DebugDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Debug(message)
}

// FormatDuration formats a duration in milliseconds for log messages.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}

package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	apperrors "server-dr/internal/errors"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except critical errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
	closer io.Closer
}

// RotationConfig controls size-based rotation of the log file
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
	Rotation   RotationConfig
}

type runIDKey struct{}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	l := &Logger{logger: logger, level: config.Level}

	if config.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.LogFile, err)
		}

		rot := config.Rotation
		if rot.MaxSizeMB <= 0 {
			rot.MaxSizeMB = 50
		}
		file := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		logger.SetOutput(io.MultiWriter(out, file))
		l.closer = file
	}

	return l, nil
}

// NewNopLogger returns a logger that discards everything, for tests and library callers
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

// Close releases the rotating log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithContext returns a logger entry carrying the run id stored in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)

	if runID := RunIDFromContext(ctx); runID != "" {
		entry = entry.WithField("run_id", runID)
	}

	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// Domain logging helpers

// LogComponentResult logs the outcome of one component backup or restore
func (l *Logger) LogComponentResult(ctx context.Context, phase, component string, size int64, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": phase,
		"component": component,
		"duration":  duration.String(),
	}
	if size > 0 {
		fields["bytes"] = size
	}

	entry := l.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry.WithFields(logrus.Fields{
			"error":       err.Error(),
			"error_type":  apperrors.GetErrorType(err),
			"recoverable": apperrors.IsRecoverableError(err),
		}).Error("Component failed")
		return
	}
	entry.Info("Component completed")
}

// LogLockEvent logs lock acquisition, contention, stale reclaim and release
func (l *Logger) LogLockEvent(path string, event string, ownerPID int) {
	fields := logrus.Fields{
		"operation": "run_lock",
		"lock_path": path,
		"event":     event,
	}
	if ownerPID > 0 {
		fields["owner_pid"] = ownerPID
	}

	switch event {
	case "contention", "stale_reclaimed":
		l.logger.WithFields(fields).Warn("Run lock event")
	default:
		l.logger.WithFields(fields).Debug("Run lock event")
	}
}

// LogRestoreAction logs a single filesystem or database action taken during recovery
func (l *Logger) LogRestoreAction(ctx context.Context, component, action, target string, dryRun bool) {
	fields := logrus.Fields{
		"operation": "restore_action",
		"component": component,
		"action":    action,
		"target":    target,
		"dry_run":   dryRun,
	}

	if dryRun {
		l.WithContext(ctx).WithFields(fields).Info("Would perform restore action")
		return
	}
	l.WithContext(ctx).WithFields(fields).Info("Restore action")
}

// LogDatabaseConnection logs database connection attempts
func (l *Logger) LogDatabaseConnection(host string, database string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "database_connection",
		"host":      host,
		"database":  database,
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Debug("Database connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Error("Database connection failed")
}

// LogCommandExecution logs an external tool invocation with secrets redacted
func (l *Logger) LogCommandExecution(name string, args []string, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "command",
		"command":   SanitizeCommand(name + " " + strings.Join(args, " ")),
		"duration":  duration.String(),
	}

	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Error("Command failed")
		return
	}
	l.logger.WithFields(fields).Debug("Command executed")
}

// Standard logging methods

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(toLogrusLevel(level))
}

// IsLevelEnabled checks if a log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	switch level {
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose, LogLevelDebug:
		return l.logger.IsLevelEnabled(toLogrusLevel(level))
	default:
		return false
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
		} else {
			logFields["success"] = true
			l.logger.WithFields(logFields).Info("Operation completed")
		}
	}
}

// ContextWithRunID returns a context carrying the run id for log correlation
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext extracts the run id from context
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ParseLevel maps a config string to a LogLevel, defaulting to normal
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelQuiet:
		return LogLevelQuiet
	case LogLevelVerbose:
		return LogLevelVerbose
	case LogLevelDebug:
		return LogLevelDebug
	default:
		return LogLevelNormal
	}
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

var secretAssignments = []string{"password=", "PASSWORD=", "MYSQL_PWD="}

// SanitizeCommand masks credential values in a command line before it is logged
func SanitizeCommand(cmd string) string {
	fields := strings.Fields(cmd)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-a" || f == "--pass" || f == "--password":
			if i+1 < len(fields) {
				fields[i+1] = "***"
				i++
			}
		case strings.HasPrefix(f, "-p") && len(f) > 2 && !strings.HasPrefix(f, "--"):
			fields[i] = "-p***"
		default:
			for _, prefix := range secretAssignments {
				if strings.Contains(f, prefix) {
					idx := strings.Index(f, prefix)
					fields[i] = f[:idx+len(prefix)] + "***"
					break
				}
			}
		}
	}

	out := strings.Join(fields, " ")
	if len(out) > 500 {
		return out[:500] + "... [truncated]"
	}
	return out
}

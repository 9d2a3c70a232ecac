package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "server-dr/internal/errors"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose config",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}

			if logger.level != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.level, tt.want)
			}
		})
	}
}

func TestLoggerWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "server-dr.log")

	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:    LogLevelNormal,
		Output:   &buf,
		LogFile:  logFile,
		Rotation: RotationConfig{MaxSizeMB: 1, MaxBackups: 2},
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Info("archive uploaded")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "archive uploaded") {
		t.Errorf("log file missing message, got %q", string(data))
	}
	if !strings.Contains(buf.String(), "archive uploaded") {
		t.Errorf("primary output missing message, got %q", buf.String())
	}
}

func TestWithContextCarriesRunID(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})

	ctx := ContextWithRunID(context.Background(), "run-1234")
	if got := RunIDFromContext(ctx); got != "run-1234" {
		t.Fatalf("RunIDFromContext() = %q", got)
	}

	logger.WithContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if entry["run_id"] != "run-1234" {
		t.Errorf("run_id = %v, want run-1234", entry["run_id"])
	}

	if RunIDFromContext(context.Background()) != "" {
		t.Error("expected empty run id on bare context")
	}
}

func TestLogComponentResult(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogComponentResult(context.Background(), "backup", "database", 2048, time.Second, nil)
	if !strings.Contains(buf.String(), "Component completed") || !strings.Contains(buf.String(), "component=database") {
		t.Errorf("unexpected success output: %s", buf.String())
	}

	buf.Reset()
	logger.LogComponentResult(context.Background(), "backup", "cache", 0, time.Second, errors.New("redis down"))
	if !strings.Contains(buf.String(), "Component failed") || !strings.Contains(buf.String(), "redis down") {
		t.Errorf("unexpected failure output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "error_type=unknown") || !strings.Contains(buf.String(), "recoverable=false") {
		t.Errorf("expected unknown non-recoverable classification, got %s", buf.String())
	}

	buf.Reset()
	logger.LogComponentResult(context.Background(), "backup", "database", 0, time.Second,
		apperrors.NewRecoverableError(apperrors.ErrorTypeConnection, "dial tcp: connection refused", nil))
	if !strings.Contains(buf.String(), "error_type=connection") || !strings.Contains(buf.String(), "recoverable=true") {
		t.Errorf("expected recoverable connection classification, got %s", buf.String())
	}
}

func TestLogLockEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogLockEvent("/run/server-dr.lock", "acquired", 10)
	if buf.Len() != 0 {
		t.Errorf("acquired should log at debug, got %s", buf.String())
	}

	logger.LogLockEvent("/run/server-dr.lock", "stale_reclaimed", 99)
	if !strings.Contains(buf.String(), "owner_pid=99") {
		t.Errorf("expected owner pid in output, got %s", buf.String())
	}
}

func TestLogRestoreActionDryRun(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogRestoreAction(context.Background(), "configuration", "replace", "/etc/nginx", true)
	if !strings.Contains(buf.String(), "Would perform restore action") {
		t.Errorf("dry-run message missing: %s", buf.String())
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf})

	done := logger.LogOperationStart("upload", map[string]interface{}{"provider": "s3"})
	done(nil)

	out := buf.String()
	if !strings.Contains(out, "Operation started") || !strings.Contains(out, "Operation completed") {
		t.Errorf("missing lifecycle messages: %s", out)
	}
	if !strings.Contains(out, "provider=s3") {
		t.Errorf("missing field: %s", out)
	}

	buf.Reset()
	done = logger.LogOperationStart("upload", nil)
	done(errors.New("denied"))
	if !strings.Contains(buf.String(), "Operation failed") {
		t.Errorf("missing failure: %s", buf.String())
	}
}

func TestSetLevelAndIsLevelEnabled(t *testing.T) {
	logger := NewNopLogger()
	if logger.IsLevelEnabled(LogLevelNormal) {
		t.Error("quiet logger should not enable normal")
	}

	logger.SetLevel(LogLevelDebug)
	if !logger.IsLevelEnabled(LogLevelVerbose) {
		t.Error("debug logger should enable verbose")
	}
	if logger.IsLevelEnabled(LogLevel("bogus")) {
		t.Error("unknown level should not be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"quiet":   LogLevelQuiet,
		"VERBOSE": LogLevelVerbose,
		" debug ": LogLevelDebug,
		"":        LogLevelNormal,
		"info":    LogLevelNormal,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSanitizeCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{"mysqldump short flag", "mysqldump -uroot -psecret app", "-p***", "secret"},
		{"redis auth", "redis-cli -a hunter2 BGSAVE", "-a ***", "hunter2"},
		{"env style", "PGPASSWORD=topsecret pg_dump app", "PGPASSWORD=***", "topsecret"},
		{"long flag", "mysql --password=abc db", "--password=***", "abc"},
		{"plain", "tar -czf out.tgz /etc", "tar -czf out.tgz /etc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeCommand(tt.input)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("SanitizeCommand() = %q, want it to contain %q", got, tt.contains)
			}
			if tt.absent != "" && strings.Contains(got, tt.absent) {
				t.Errorf("SanitizeCommand() = %q leaked %q", got, tt.absent)
			}
		})
	}

	long := strings.Repeat("a ", 400)
	if !strings.HasSuffix(SanitizeCommand(long), "[truncated]") {
		t.Error("expected long command to be truncated")
	}
}

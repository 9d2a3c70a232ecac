package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/coordinator"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/recovery"
)

// resetFlags puts every flag back to its default so invocations in one test
// binary do not leak into each other
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func invoke(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	etc := filepath.Join(dir, "etc")
	require.NoError(t, os.MkdirAll(etc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(etc, "app.conf"), []byte("server_name web01\n"), 0o644))

	cfg := fmt.Sprintf(`hostname: web01
staging_dir: %[1]s/staging
backup_dir: %[1]s/backups
archive:
  compression: gzip
lock:
  path: %[1]s/run/backup.lock
  max_attempts: 1
resources:
  min_free_disk_mb: 1
  min_free_memory_mb: 1
  max_load_per_cpu: 1000
history:
  path: %[1]s/history.jsonl
recovery:
  workspace_dir: %[1]s/recovery
drtest:
  workspace_dir: %[1]s/drtest
  report_dir: %[1]s/reports
  baseline_path: %[1]s/baseline.json
components:
  configuration:
    enabled: true
    paths:
      - %[1]s/etc
    required_patterns:
      - server_name
logging:
  level: quiet
`, dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dir
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		wantStderr string
	}{
		{"success", nil, ExitOK, ""},
		{"partial", exitWith(ExitPartial, nil), ExitPartial, ""},
		{"skipped", exitWith(ExitSkipped, nil), ExitSkipped, ""},
		{"failure with message", exitWith(ExitFailure, errors.New("dump failed")), ExitFailure, "Error: dump failed\n"},
		{"plain error", errors.New("boom"), ExitFailure, "Error: boom\n"},
		{"app error uses user message", apperrors.NewLockContentionError("/run/backup.lock", 42), ExitFailure, "Error: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.want, exitCode(tt.err, &stderr))
			if tt.wantStderr == "" {
				assert.Empty(t, stderr.String())
			} else {
				assert.Contains(t, stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestExitWithOKKeepsError(t *testing.T) {
	err := errors.New("kept")
	assert.Same(t, err, exitWith(ExitOK, err))
}

func TestRunExit(t *testing.T) {
	tests := []struct {
		status coordinator.RunStatus
		err    error
		want   int
	}{
		{coordinator.StatusSuccess, nil, ExitOK},
		{coordinator.StatusPartial, nil, ExitPartial},
		{coordinator.StatusSkipped, nil, ExitSkipped},
		{coordinator.StatusFailed, errors.New("every component backup failed"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			err := runExit(&coordinator.BackupRun{Status: tt.status, Error: "x"}, tt.err)
			assert.Equal(t, tt.want, exitCode(err, &bytes.Buffer{}))
		})
	}
}

func TestSessionExit(t *testing.T) {
	tests := []struct {
		status recovery.Status
		want   int
	}{
		{recovery.StatusCompleted, ExitOK},
		{recovery.StatusDryRun, ExitOK},
		{recovery.StatusCompletedWithWarnings, ExitPartial},
		{recovery.StatusAborted, ExitFailure},
		{recovery.StatusFailed, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			err := sessionExit(&recovery.Session{Status: tt.status, Error: "declined"}, nil)
			assert.Equal(t, tt.want, exitCode(err, &bytes.Buffer{}))
		})
	}
}

func TestConfigCommandNeedsNoConfig(t *testing.T) {
	code, out, _ := invoke(t, "config", "--config", "/nonexistent/config.yaml")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "# server-dr configuration")
	assert.Contains(t, out, "components:")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.4.0", "2026-01-01", "abc123", "go1.22")
	code, out, _ := invoke(t, "version")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "server-dr version 1.4.0")
	assert.Contains(t, out, "Commit: abc123")
}

func TestMissingConfigFileFails(t *testing.T) {
	code, _, stderr := invoke(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "Error:")
}

func TestInvalidFormatFails(t *testing.T) {
	path, _ := writeConfig(t)
	code, _, stderr := invoke(t, "status", "--config", path, "--format", "xml")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "invalid output format")
}

func TestRecoverComponentsOnlyForSelective(t *testing.T) {
	path, _ := writeConfig(t)
	code, _, stderr := invoke(t, "recover", "database", "archive.tar.gz", "--config", path, "--components", "database")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "--components only applies to selective mode")
}

func TestBackupAndRecoverEndToEnd(t *testing.T) {
	path, dir := writeConfig(t)

	code, out, stderr := invoke(t, "run", "--config", path, "--no-upload", "--format", "json")
	require.Equal(t, ExitOK, code, stderr)
	var run coordinator.BackupRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, coordinator.StatusSuccess, run.Status)
	assert.Equal(t, []string{"configuration"}, run.Succeeded)
	require.FileExists(t, run.ArchivePath)

	code, out, stderr = invoke(t, "status", "--config", path, "--format", "json")
	require.Equal(t, ExitOK, code, stderr)
	var report coordinator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.LastSuccess)
	assert.Equal(t, run.RunID, report.LastSuccess.RunID)
	assert.Equal(t, 1, report.ArchiveCount)

	code, _, stderr = invoke(t, "health-check", "--config", path)
	assert.Equal(t, ExitOK, code, stderr)

	code, out, _ = invoke(t, "recover", "list", "--config", path, "--format", "json")
	require.Equal(t, ExitOK, code)
	var listed struct {
		Archives []recovery.ArchiveInfo `json:"archives"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Len(t, listed.Archives, 1)

	live := filepath.Join(dir, "etc", "app.conf")
	require.NoError(t, os.WriteFile(live, []byte("broken\n"), 0o644))

	code, out, _ = invoke(t, "recover", "configuration", run.ArchivePath, "--config", path, "--dry-run", "--format", "json")
	require.Equal(t, ExitOK, code)
	var preview recovery.Session
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	assert.Equal(t, recovery.StatusDryRun, preview.Status)
	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "broken\n", string(data), "dry run must not touch live files")

	code, _, stderr = invoke(t, "recover", "configuration", run.ArchivePath, "--config", path, "--force")
	require.Equal(t, ExitOK, code, stderr)
	data, err = os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "server_name web01\n", string(data))
}

func TestHealthCheckWithoutBackupsFails(t *testing.T) {
	path, _ := writeConfig(t)
	code, out, _ := invoke(t, "health-check", "--config", path, "--format", "json")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, `"healthy": false`)
}

func TestRunSkippedWhileLockHeld(t *testing.T) {
	path, dir := writeConfig(t)
	lockPath := filepath.Join(dir, "run", "backup.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))

	// a live owner: this test process
	owner := fmt.Sprintf(`{"pid":%d,"run_id":"other","acquired_at":"2099-01-01T00:00:00Z"}`, os.Getpid())
	require.NoError(t, os.WriteFile(lockPath, []byte(owner), 0o644))

	code, _, _ := invoke(t, "run", "--config", path, "--no-upload")
	assert.Equal(t, ExitSkipped, code)
}

package drtest

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/components"
	"server-dr/internal/config"
	"server-dr/internal/database"
	"server-dr/internal/execution"
	"server-dr/internal/lock"
	"server-dr/internal/logging"
	"server-dr/internal/notify"
)

type fixture struct {
	cfg      *config.Config
	db       *database.FakeService
	runner   *execution.FakeRunner
	liveConf string
	logs     *bytes.Buffer
	harness  *Harness
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Hostname = "web01"
	cfg.Archive.Compression = "gzip"
	cfg.BackupDir = filepath.Join(root, "backups")
	cfg.StagingDir = filepath.Join(root, "staging")
	cfg.Lock.Path = filepath.Join(root, "run", "backup.lock")
	cfg.Lock.MaxAttempts = 1
	cfg.Lock.BaseDelay = time.Millisecond
	cfg.Resources = config.ResourcesConfig{}
	cfg.History.Path = filepath.Join(root, "history.jsonl")
	cfg.Recovery.WorkspaceDir = filepath.Join(root, "recovery")
	cfg.DRTest.WorkspaceDir = filepath.Join(root, "drtest")
	cfg.DRTest.BaselinePath = filepath.Join(root, "lib", "performance_baseline.json")
	cfg.DRTest.ReportDir = filepath.Join(root, "reports")

	liveConf := filepath.Join(root, "etc", "app")
	require.NoError(t, os.MkdirAll(liveConf, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(liveConf, "app.conf"), []byte("listen 80\n"), 0o644))

	db := database.NewFakeService()
	db.AddTable("shop", "orders", 120)
	db.AddTable("shop", "customers", 40)
	runner := execution.NewFakeRunner()
	db.Install(runner)

	reg := components.NewEmptyRegistry()
	reg.Register(components.Database, components.NewDatabaseComponent(config.DatabaseConfig{Timeout: time.Minute}, db, runner, nil))
	reg.Register(components.Configuration, components.NewConfigurationComponent(config.ConfigurationConfig{
		TreeConfig:       config.TreeConfig{Enabled: true, Paths: []string{liveConf}},
		RequiredPatterns: []string{filepath.Join(liveConf, "*.conf")},
	}, nil))

	logs := &bytes.Buffer{}
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelNormal, Output: logs, Format: "json"})
	require.NoError(t, err)

	h, err := NewHarness(cfg, Deps{Registry: reg, Logger: logger})
	require.NoError(t, err)
	return &fixture{cfg: cfg, db: db, runner: runner, liveConf: liveConf, logs: logs, harness: h}
}

func TestRunSuiteWithoutBaselineAdoptsObservedRate(t *testing.T) {
	f := newFixture(t)
	require.NoFileExists(t, f.cfg.DRTest.BaselinePath)

	run, err := f.harness.RunSuite(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, run.Status, "failed: %v", run.FailedTests)
	assert.Equal(t, []string{"configuration", "database"}, run.ComponentsTested)
	assert.ElementsMatch(t, []string{TestCreateBackup, TestIntegrity, "restore_database", "restore_configuration", TestPerformance}, run.PassedTests)

	perf, ok := run.Result(TestPerformance)
	require.True(t, ok)
	assert.True(t, perf.Passed)
	require.NotNil(t, run.Performance)
	assert.True(t, run.Performance.BaselineAdopted)
	assert.Greater(t, run.Performance.RateMBs, 0.0)

	baseline, err := LoadBaseline(f.cfg.DRTest.BaselinePath)
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.InDelta(t, run.Performance.RateMBs, baseline.RateMBs, 1e-9)
	assert.Equal(t, run.Performance.ArchiveSize, baseline.ArchiveSize)
	assert.Contains(t, f.logs.String(), "no performance baseline")
	assert.NotEmpty(t, run.Warnings)

	assert.FileExists(t, run.ReportPath)
	assert.Equal(t, f.cfg.DRTest.ReportDir, filepath.Dir(run.ReportPath))
	report, err := LoadReport(run.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, run.TestID, report.TestID)
	assert.Equal(t, "web01", report.Environment.Hostname)
	assert.NotEmpty(t, report.Environment.GoVersion)
}

func TestRunSuiteRestoresIntoScratchOnly(t *testing.T) {
	f := newFixture(t)

	run, err := f.harness.RunSuite(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusPassed, run.Status, "failed: %v", run.FailedTests)

	scratch := ScratchName(f.cfg.DRTest.ScratchPrefix, run.TestID)("shop")
	assert.True(t, strings.HasPrefix(scratch, "drtest_shop_"))
	assert.Len(t, strings.TrimPrefix(scratch, "drtest_shop_"), 8)
	assert.Contains(t, f.db.Calls(), "create "+scratch)
	assert.Contains(t, f.db.Calls(), "drop "+scratch)
	assert.False(t, f.db.Has(scratch), "scratch database is dropped")
	assert.NotContains(t, f.db.Calls(), "create shop")

	counts, err := f.db.RowCounts(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(120), counts["orders"])

	asides, _ := filepath.Glob(f.liveConf + ".pre-restore-*")
	assert.Empty(t, asides, "live configuration is never renamed")
	data, err := os.ReadFile(filepath.Join(run.Workspace, "scratch", f.liveConf, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "listen 80\n", string(data))

	entries, _ := os.ReadDir(f.cfg.BackupDir)
	assert.Empty(t, entries, "production backup dir is untouched")
	assert.True(t, strings.HasPrefix(run.ArchivePath, run.Workspace))
}

func TestPerformanceAgainstBaseline(t *testing.T) {
	tests := []struct {
		name       string
		rate       float64
		wantPassed bool
	}{
		{"well below baseline", 1e9, false},
		{"above baseline", 1e-9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b := &Baseline{RateMBs: tt.rate, RecordedAt: time.Now().Add(-24 * time.Hour), ArchiveSize: 1024}
			require.NoError(t, b.Save(f.cfg.DRTest.BaselinePath))

			run, err := f.harness.Run(context.Background(), Options{Performance: true})
			require.NoError(t, err)

			res, ok := run.Result(TestPerformance)
			require.True(t, ok)
			assert.Equal(t, tt.wantPassed, res.Passed, res.Message)
			require.NotNil(t, run.Performance)
			assert.False(t, run.Performance.BaselineAdopted)
			assert.Equal(t, tt.rate, run.Performance.BaselineMBs)
			if !tt.wantPassed {
				assert.Equal(t, StatusFailed, run.Status)
			}

			kept, err := LoadBaseline(f.cfg.DRTest.BaselinePath)
			require.NoError(t, err)
			assert.Equal(t, tt.rate, kept.RateMBs, "an existing baseline is never overwritten")
		})
	}
}

func TestRunIgnoresProductionLock(t *testing.T) {
	f := newFixture(t)
	held, err := lock.Acquire(context.Background(), f.cfg.Lock.Path, lock.OptionsFromConfig(f.cfg.Lock, "production", nil))
	require.NoError(t, err)
	defer held.Release()

	run, err := f.harness.Run(context.Background(), Options{Integrity: true})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, run.Status, "failed: %v", run.FailedTests)
	assert.FileExists(t, f.cfg.Lock.Path)
}

func TestDatabaseRestoreFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("fake-restore", 1, "ERROR 1049: unknown database")

	run, err := f.harness.Run(context.Background(), Options{Restore: []components.Component{components.Database, components.Configuration}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, []string{"restore_database"}, run.FailedTests)
	assert.Contains(t, run.PassedTests, "restore_configuration")

	res, _ := run.Result("restore_database")
	assert.Equal(t, "database", res.Component)
	assert.NotEmpty(t, res.Message)

	scratch := ScratchName(f.cfg.DRTest.ScratchPrefix, run.TestID)("shop")
	assert.False(t, f.db.Has(scratch), "a half-restored scratch database is still dropped")
}

func TestFailedBackupSkipsLaterTests(t *testing.T) {
	f := newFixture(t)
	f.db.FailDump["shop"] = true

	run, err := f.harness.RunSuite(context.Background(), []components.Component{components.Database})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, []string{TestCreateBackup}, run.FailedTests)
	assert.Len(t, run.Results, 1)
	assert.FileExists(t, run.ReportPath)
}

func TestRunNotifiesStartAndOutcome(t *testing.T) {
	tests := []struct {
		name     string
		failDump bool
		want     []string
	}{
		{"passed", false, []string{notify.EventDRTestStarted, notify.EventDRTestPassed}},
		{"failed", true, []string{notify.EventDRTestStarted, notify.EventDRTestFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.db.FailDump["shop"] = tt.failDump
			events := filepath.Join(t.TempDir(), "events.jsonl")
			f.harness.notifier = notify.New(config.NotificationsConfig{Enabled: true, File: config.FileConfig{Path: events}}, "web01", nil)

			_, err := f.harness.Run(context.Background(), Options{Components: []components.Component{components.Database}})
			require.NoError(t, err)

			data, err := os.ReadFile(events)
			require.NoError(t, err)
			var got []string
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
				var ev notify.Event
				require.NoError(t, json.Unmarshal([]byte(line), &ev))
				got = append(got, ev.Event)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWorkspacePurge(t *testing.T) {
	f := newFixture(t)
	old := filepath.Join(f.cfg.DRTest.WorkspaceDir, "old-run")
	fresh := filepath.Join(f.cfg.DRTest.WorkspaceDir, "fresh-run")
	require.NoError(t, os.MkdirAll(old, 0o700))
	require.NoError(t, os.MkdirAll(fresh, 0o700))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	run, err := f.harness.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, run.Workspace)
	assert.False(t, run.WorkspacePurged)
}

func TestZeroRetentionPurgesWorkspaceAfterReport(t *testing.T) {
	f := newFixture(t)
	f.cfg.DRTest.RetainFor = 0

	run, err := f.harness.Run(context.Background(), Options{Integrity: true})
	require.NoError(t, err)
	assert.True(t, run.WorkspacePurged)
	assert.NoDirExists(t, run.Workspace)
	assert.FileExists(t, run.ReportPath)
}

func TestLatestReport(t *testing.T) {
	dir := t.TempDir()
	first := &TestRun{TestID: "aaaaaaaa-1", Status: StatusPassed}
	second := &TestRun{TestID: "bbbbbbbb-2", Status: StatusFailed}
	require.NoError(t, writeReport(filepath.Join(dir, reportName(first.TestID)), first))
	require.NoError(t, writeReport(filepath.Join(dir, reportName(second.TestID)), second))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, reportName(first.TestID)), past, past))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	run, path, err := LatestReport(dir)
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb-2", run.TestID)
	assert.Equal(t, filepath.Join(dir, "dr_test_report_bbbbbbbb-2.json"), path)

	_, _, err = LatestReport(t.TempDir())
	assert.Error(t, err)
}

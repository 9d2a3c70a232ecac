// Package drtest rehearses disaster recovery: it takes a disposable backup,
// checks the archive, restores it into scratch targets and measures how fast
// an archive can be unpacked.
package drtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"server-dr/internal/archive"
	"server-dr/internal/components"
	"server-dr/internal/config"
	"server-dr/internal/confirmation"
	"server-dr/internal/coordinator"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
	"server-dr/internal/metrics"
	"server-dr/internal/notify"
	"server-dr/internal/recovery"
)

// Options selects what one harness invocation exercises
type Options struct {
	// Components to back up; empty means every enabled component
	Components []components.Component
	Integrity  bool
	Restore    []components.Component
	// RestoreAll restores every backed-up component that has a restorer
	RestoreAll  bool
	Performance bool
}

// SuiteOptions is the full DR test
func SuiteOptions(cs []components.Component) Options {
	return Options{Components: cs, Integrity: true, RestoreAll: true, Performance: true}
}

// Deps are the harness collaborators
type Deps struct {
	Registry *components.Registry
	Key      archive.KeySource
	Notifier *notify.Notifier
	Metrics  *metrics.Recorder
	Logger   *logging.Logger
}

// Harness runs DR tests in isolated workspaces
type Harness struct {
	cfg      *config.Config
	registry *components.Registry
	key      archive.KeySource
	codec    *archive.Codec
	notifier *notify.Notifier
	metrics  *metrics.Recorder
	logger   *logging.Logger
	now      func() time.Time
}

// NewHarness creates a harness
func NewHarness(cfg *config.Config, deps Deps) (*Harness, error) {
	if deps.Registry == nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "component registry is required", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(config.NotificationsConfig{}, cfg.Hostname, deps.Logger)
	}
	comp, err := archive.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid archive compression", err)
	}
	return &Harness{
		cfg:      cfg,
		registry: deps.Registry,
		key:      deps.Key,
		codec:    archive.NewCodec(comp, cfg.Archive.Level, deps.Key),
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      time.Now,
	}, nil
}

// RunSuite runs every test against the given components
func (h *Harness) RunSuite(ctx context.Context, cs []components.Component) (*TestRun, error) {
	return h.Run(ctx, SuiteOptions(cs))
}

// Run performs one harness invocation and writes its report. The run always
// starts with a disposable backup; every later test works on that archive.
// Each test records its own failure, so the error is only for a run that
// could not start or report at all.
func (h *Harness) Run(ctx context.Context, opts Options) (*TestRun, error) {
	id := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, id)

	run := &TestRun{
		TestID:      id,
		Environment: currentEnvironment(h.cfg.Hostname),
		StartedAt:   h.now().UTC(),
		Status:      StatusRunning,
		Workspace:   filepath.Join(h.cfg.DRTest.WorkspaceDir, id),
	}

	h.purgeWorkspaces(ctx)
	if err := os.MkdirAll(run.Workspace, 0o700); err != nil {
		return nil, apperrors.WrapError(err, "failed to create DR test workspace")
	}

	done := h.logger.LogOperationStart("drtest", map[string]interface{}{"test_id": id, "workspace": run.Workspace})
	h.notify(ctx, run, notify.EventDRTestStarted, notify.SeverityInfo,
		fmt.Sprintf("DR test %s started in %s", id[:8], run.Workspace))

	backedUp := h.guard(ctx, run, TestCreateBackup, "", func() TestResult { return h.CreateBackup(ctx, run, opts.Components) })
	if backedUp {
		if opts.Integrity {
			h.guard(ctx, run, TestIntegrity, "", func() TestResult { return h.TestIntegrity(ctx, run) })
		}
		restore := opts.Restore
		if opts.RestoreAll {
			restore = h.restorable(run)
		}
		for _, c := range restore {
			c := c
			h.guard(ctx, run, restorePrefix+c.String(), c.String(), func() TestResult { return h.TestComponent(ctx, run, c) })
		}
		if opts.Performance {
			h.guard(ctx, run, TestPerformance, "", func() TestResult { return h.TestPerformance(ctx, run) })
		}
	}

	err := h.GenerateReport(ctx, run)
	if err != nil {
		done(err)
		return run, err
	}
	if len(run.FailedTests) > 0 {
		done(fmt.Errorf("%d tests failed: %s", len(run.FailedTests), strings.Join(run.FailedTests, ", ")))
	} else {
		done(nil)
	}
	return run, nil
}

// guard runs one test, turning a panic into a failed result
func (h *Harness) guard(ctx context.Context, run *TestRun, name, component string, test func() TestResult) (passed bool) {
	start := time.Now()
	var res TestResult
	defer func() {
		if r := recover(); r != nil {
			res = TestResult{Name: name, Component: component, Message: fmt.Sprintf("panic: %v", r)}
		}
		res.Name = name
		res.Component = component
		res.Duration = time.Since(start)
		run.record(res)

		entry := h.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"test":     name,
			"passed":   res.Passed,
			"duration": res.Duration.String(),
		})
		if res.Passed {
			entry.Info("DR test passed")
		} else {
			entry.WithField("reason", res.Message).Error("DR test failed")
		}
		passed = res.Passed
	}()
	res = test()
	return res.Passed
}

// CreateBackup takes a backup with the production backers and codec into the
// test workspace. It never touches the production lock, history or remote.
func (h *Harness) CreateBackup(ctx context.Context, run *TestRun, cs []components.Component) TestResult {
	iso := *h.cfg
	iso.BackupDir = filepath.Join(run.Workspace, "backup")
	iso.StagingDir = filepath.Join(run.Workspace, "staging")
	iso.Lock.Path = filepath.Join(run.Workspace, "drtest.lock")
	iso.Lock.MaxConcurrentRuns = 1
	iso.History = config.HistoryConfig{}
	iso.Metrics = config.MetricsConfig{}

	co, err := coordinator.New(&iso, coordinator.Deps{
		Registry: h.registry,
		Key:      h.key,
		Logger:   h.logger,
	})
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	defer co.Close()

	br, err := co.Run(ctx, coordinator.RunOptions{Components: cs, Class: "drtest", SkipUpload: true, NoPrune: true})
	run.ComponentsTested = br.Succeeded
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	if br.Status == coordinator.StatusSkipped {
		return TestResult{Message: "backup skipped: " + br.SkipReason}
	}
	run.ArchivePath = br.ArchivePath

	res := TestResult{Passed: true, Message: fmt.Sprintf("%s (%d bytes)", filepath.Base(br.ArchivePath), br.SizeBytes)}
	if len(br.Failed) > 0 {
		res.Passed = false
		res.Message = "components failed to back up: " + strings.Join(br.Failed, ", ")
	}
	return res
}

// TestIntegrity validates the archive end to end and checks its metadata
func (h *Harness) TestIntegrity(ctx context.Context, run *TestRun) TestResult {
	if run.ArchivePath == "" {
		return TestResult{Message: "no archive to check"}
	}
	report, err := h.codec.Validate(ctx, run.ArchivePath)
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	var checks []components.Check
	add := func(name string, ok bool, msg string) {
		checks = append(checks, components.Check{Name: name, Passed: ok, Message: msg})
	}
	add("decode", true, fmt.Sprintf("%d entries readable", report.Entries))
	add("metadata", report.Metadata != nil, "metadata.json present")
	if report.Metadata != nil {
		add("hostname", report.Metadata.Hostname == h.cfg.Hostname, "archive host "+report.Metadata.Hostname)
		add("components", len(report.Metadata.Components) == len(run.ComponentsTested),
			"metadata lists "+strings.Join(report.Metadata.Components, ", "))
	}

	res := TestResult{Passed: true, Checks: checks, Message: "archive is intact"}
	for _, c := range checks {
		if !c.Passed {
			res.Passed = false
			res.Message = c.Name + " check failed: " + c.Message
			break
		}
	}
	return res
}

// ScratchName maps a database name into the scratch namespace for one test
func ScratchName(prefix, testID string) func(string) string {
	short := strings.ReplaceAll(testID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return func(name string) string {
		return prefix + name + "_" + short
	}
}

// TestComponent restores one component from the test archive into scratch
// targets, runs its verification and then removes the scratch state.
func (h *Harness) TestComponent(ctx context.Context, run *TestRun, c components.Component) TestResult {
	if run.ArchivePath == "" {
		return TestResult{Message: "no archive to restore"}
	}
	engine, err := recovery.NewEngine(h.cfg, recovery.Deps{
		Registry: h.registry,
		Confirm:  confirmation.Static{Answer: true},
		Key:      h.key,
		Logger:   h.logger,
	})
	if err != nil {
		return TestResult{Message: err.Error()}
	}

	s, err := engine.Recover(ctx, recovery.Request{
		Mode:         recovery.ModeSelective,
		Archive:      run.ArchivePath,
		Components:   []components.Component{c},
		Force:        true,
		Workspace:    filepath.Join(run.Workspace, "restore-"+c.String()),
		TargetRoot:   filepath.Join(run.Workspace, "scratch"),
		DatabaseName: ScratchName(h.cfg.DRTest.ScratchPrefix, run.TestID),
		SkipSnapshot: true,
	})

	res := TestResult{Checks: s.Verification}
	if entry, ok := s.Component(c); ok && entry.Result != nil {
		if cleaner, ok := h.registry.Cleaner(c); ok {
			if cerr := cleaner.Cleanup(context.Background(), entry.Result); cerr != nil {
				run.Warnings = append(run.Warnings, fmt.Sprintf("%s scratch cleanup: %v", c, cerr))
			}
		}
	}

	switch {
	case err != nil:
		res.Message = err.Error()
	case s.Status != recovery.StatusCompleted && s.Status != recovery.StatusCompletedWithWarnings:
		res.Message = "recovery ended " + string(s.Status)
	case len(s.FailedChecks()) > 0:
		failed := s.FailedChecks()
		res.Message = fmt.Sprintf("%d verification checks failed, first: %s", len(failed), failed[0].Message)
	default:
		res.Passed = true
		res.Message = fmt.Sprintf("restored and verified (%d checks)", len(s.Verification))
	}
	return res
}

// TestPerformance times a full extraction and compares the rate with the
// stored baseline. Without a baseline the observed rate is adopted.
func (h *Harness) TestPerformance(ctx context.Context, run *TestRun) TestResult {
	if run.ArchivePath == "" {
		return TestResult{Message: "no archive to measure"}
	}
	info, err := os.Stat(run.ArchivePath)
	if err != nil {
		return TestResult{Message: err.Error()}
	}

	dest := filepath.Join(run.Workspace, "perf")
	start := time.Now()
	if _, err := h.codec.Extract(ctx, run.ArchivePath, dest); err != nil {
		return TestResult{Message: err.Error()}
	}
	elapsed := time.Since(start)
	os.RemoveAll(dest)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}

	perf := &PerformanceMetrics{
		ArchiveSize: info.Size(),
		ExtractTime: elapsed,
		RateMBs:     float64(info.Size()) / (1024 * 1024) / elapsed.Seconds(),
		Tolerance:   h.cfg.DRTest.Tolerance,
	}
	run.Performance = perf

	baseline, err := LoadBaseline(h.cfg.DRTest.BaselinePath)
	if err != nil {
		return TestResult{Message: "unreadable performance baseline: " + err.Error()}
	}
	if baseline == nil {
		perf.BaselineAdopted = true
		b := &Baseline{RateMBs: perf.RateMBs, RecordedAt: h.now().UTC(), ArchiveSize: perf.ArchiveSize}
		if err := b.Save(h.cfg.DRTest.BaselinePath); err != nil {
			run.Warnings = append(run.Warnings, "performance baseline not saved: "+err.Error())
		}
		msg := fmt.Sprintf("no performance baseline, adopted %.2f MB/s", perf.RateMBs)
		run.Warnings = append(run.Warnings, msg)
		h.logger.WithContext(ctx).WithField("path", h.cfg.DRTest.BaselinePath).Warn(msg)
		return TestResult{Passed: true, Message: msg}
	}

	perf.BaselineMBs = baseline.RateMBs
	perf.BaselineRecorded = baseline.RecordedAt
	floor := perf.Tolerance * baseline.RateMBs
	if perf.RateMBs < floor {
		return TestResult{Message: fmt.Sprintf("extraction at %.2f MB/s is below %.2f MB/s (%.0f%% of baseline %.2f MB/s)",
			perf.RateMBs, floor, perf.Tolerance*100, baseline.RateMBs)}
	}
	return TestResult{Passed: true, Message: fmt.Sprintf("extraction at %.2f MB/s, baseline %.2f MB/s", perf.RateMBs, baseline.RateMBs)}
}

// GenerateReport finalises the run, writes the report into the workspace and
// the report directory, then records metrics and notifies.
func (h *Harness) GenerateReport(ctx context.Context, run *TestRun) error {
	run.EndedAt = h.now().UTC()
	run.Status = StatusPassed
	if len(run.FailedTests) > 0 {
		run.Status = StatusFailed
	}

	name := reportName(run.TestID)
	if err := writeReport(filepath.Join(run.Workspace, name), run); err != nil {
		return apperrors.WrapError(err, "failed to write DR test report")
	}
	run.ReportPath = filepath.Join(run.Workspace, name)
	if h.cfg.DRTest.ReportDir != "" {
		published := filepath.Join(h.cfg.DRTest.ReportDir, name)
		if h.cfg.DRTest.RetainFor == 0 {
			run.WorkspacePurged = true
		}
		run.ReportPath = published
		if err := writeReport(published, run); err != nil {
			return apperrors.WrapError(err, "failed to publish DR test report")
		}
		if run.WorkspacePurged {
			os.RemoveAll(run.Workspace)
		}
	}

	var rate float64
	if run.Performance != nil {
		rate = run.Performance.RateMBs
	}
	if h.metrics != nil {
		h.metrics.RecordDRTest(string(run.Status), rate, run.EndedAt)
		if err := h.metrics.Flush(); err != nil {
			h.logger.WithContext(ctx).WithError(err).Warn("Failed to write metrics textfile")
		}
	}

	event, sev := notify.EventDRTestPassed, notify.SeverityInfo
	msg := fmt.Sprintf("DR test %s passed %d tests", run.TestID[:8], len(run.PassedTests))
	if run.Status == StatusFailed {
		event, sev = notify.EventDRTestFailed, notify.SeverityError
		msg = fmt.Sprintf("DR test %s failed: %s", run.TestID[:8], strings.Join(run.FailedTests, ", "))
	}
	h.notify(logging.ContextWithRunID(context.Background(), run.TestID), run, event, sev, msg)
	return nil
}

func (h *Harness) notify(ctx context.Context, run *TestRun, event string, sev notify.Severity, msg string) {
	if err := h.notifier.Notify(ctx, notify.Event{
		Event:    event,
		Message:  msg,
		Severity: sev,
		RunID:    run.TestID,
		Fields:   map[string]interface{}{"passed": run.PassedTests, "failed": run.FailedTests, "report": run.ReportPath},
	}); err != nil {
		h.logger.WithContext(ctx).WithError(err).Debug("Notification not delivered")
	}
}

// restorable lists the backed-up components that have a restorer
func (h *Harness) restorable(run *TestRun) []components.Component {
	var out []components.Component
	for _, name := range run.ComponentsTested {
		c, err := components.ParseComponent(name)
		if err != nil {
			continue
		}
		if _, ok := h.registry.Restorer(c); ok {
			out = append(out, c)
		}
	}
	return out
}

// purgeWorkspaces removes test workspaces older than retain_for
func (h *Harness) purgeWorkspaces(ctx context.Context) {
	entries, err := os.ReadDir(h.cfg.DRTest.WorkspaceDir)
	if err != nil {
		return
	}
	cutoff := h.now().Add(-h.cfg.DRTest.RetainFor)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(h.cfg.DRTest.WorkspaceDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			h.logger.WithContext(ctx).WithError(err).WithField("path", path).Warn("Failed to purge DR test workspace")
			continue
		}
		h.logger.WithContext(ctx).WithField("path", path).Debug("Purged DR test workspace")
	}
}

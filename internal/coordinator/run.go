package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"server-dr/internal/archive"
	"server-dr/internal/components"
	"server-dr/internal/config"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/lock"
	"server-dr/internal/logging"
	"server-dr/internal/metrics"
	"server-dr/internal/notify"
	"server-dr/internal/resources"
	"server-dr/internal/retention"
	"server-dr/internal/storage"
)

// RunStatus is the terminal (or current) state of a run
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
)

// Phases a run passes through, recorded so a failed run says where it stopped
const (
	PhaseAcquiringLock     = "acquiring-lock"
	PhaseCheckingResources = "checking-resources"
	PhaseRunningBackers    = "running-backers"
	PhasePackaging         = "packaging"
	PhaseVerifying         = "verifying"
	PhaseUploading         = "uploading"
	PhasePruning           = "pruning"
	PhaseDone              = "done"
)

// Component result states
const (
	ResultOK   = "ok"
	ResultWarn = "warn"
	ResultFail = "fail"
)

// ComponentResult is one backer's outcome
type ComponentResult struct {
	Component string        `json:"component"`
	Status    string        `json:"status"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size"`
	Error     string        `json:"error,omitempty"`
}

// BackupRun is the record of one coordinator run. It is immutable once terminal.
type BackupRun struct {
	RunID       string            `json:"run_id"`
	Hostname    string            `json:"hostname"`
	Class       string            `json:"class"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Status      RunStatus         `json:"status"`
	Phase       string            `json:"phase"`
	Requested   []string          `json:"components_requested"`
	Succeeded   []string          `json:"components_succeeded"`
	Failed      []string          `json:"components_failed"`
	Results     []ComponentResult `json:"results"`
	ArchivePath string            `json:"archive_path,omitempty"`
	RemoteKey   string            `json:"remote_key,omitempty"`
	Encrypted   bool              `json:"encrypted"`
	SizeBytes   int64             `json:"size_bytes"`
	Pruned      int               `json:"pruned"`
	UploadError string            `json:"upload_error,omitempty"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Error       string            `json:"error,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Duration is the wall time of a finished run
func (r *BackupRun) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunOptions narrows one run
type RunOptions struct {
	// Components limits the run; empty means every enabled component
	Components []components.Component
	// Class is the retention class directory; empty uses default_class
	Class string
	// SkipUpload keeps the archive local only
	SkipUpload bool
	// NoPrune skips retention
	NoPrune bool
}

// Deps are the collaborators a Coordinator drives
type Deps struct {
	Registry    *components.Registry
	Destination storage.Destination
	Notifier    *notify.Notifier
	Metrics     *metrics.Recorder
	Key         archive.KeySource
	Logger      *logging.Logger
}

// Coordinator supervises backup runs
type Coordinator struct {
	cfg      *config.Config
	registry *components.Registry
	codec    *archive.Codec
	dest     storage.Destination
	notifier *notify.Notifier
	metrics  *metrics.Recorder
	checker  *resources.Checker
	history  *History
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a coordinator. The registry is required; everything else has a default.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if deps.Registry == nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "component registry is required", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(config.NotificationsConfig{}, cfg.Hostname, deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRecorder(cfg.Metrics.TextfilePath)
	}

	comp, err := archive.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid archive compression", err)
	}

	return &Coordinator{
		cfg:      cfg,
		registry: deps.Registry,
		codec:    archive.NewCodec(comp, cfg.Archive.Level, deps.Key),
		dest:     deps.Destination,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		checker:  resources.NewChecker(cfg.Resources),
		history:  NewHistory(cfg.History),
		logger:   deps.Logger,
		now:      time.Now,
	}, nil
}

// Close flushes the history log
func (c *Coordinator) Close() error {
	return c.history.Close()
}

// Run executes one backup. It always returns a terminal BackupRun; the error is
// non-nil only when the run failed.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*BackupRun, error) {
	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)

	class := strings.Trim(opts.Class, "/")
	if class == "" {
		class = c.cfg.DefaultClass
	}

	run := &BackupRun{
		RunID:     runID,
		Hostname:  c.cfg.Hostname,
		Class:     class,
		StartedAt: c.now().UTC(),
		Status:    StatusRunning,
		Encrypted: c.codec.Encrypts(),
	}
	defer c.finish(ctx, run)

	selected, err := c.registry.Select(opts.Components)
	if err != nil {
		return run, c.fail(run, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid component selection", err))
	}
	if len(selected) == 0 {
		return run, c.fail(run, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "no components enabled", nil))
	}
	run.Requested = components.Names(selected)

	// acquiring-lock
	run.Phase = PhaseAcquiringLock
	handle, err := lock.Acquire(ctx, c.cfg.Lock.Path, lock.OptionsFromConfig(c.cfg.Lock, runID, c.logger))
	if err != nil {
		if errors.Is(err, lock.ErrContention) {
			c.skip(run, err.Error())
			return run, nil
		}
		return run, c.fail(run, err)
	}
	defer handle.Release()

	runs := lock.NewRegistry(c.cfg.Lock.Path)
	live, err := runs.Live()
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Cannot read live-run registry")
	}
	if len(live) >= c.cfg.Lock.MaxConcurrentRuns {
		c.skip(run, fmt.Sprintf("%d backup runs already active (pids %v), ceiling is %d", len(live), live, c.cfg.Lock.MaxConcurrentRuns))
		return run, nil
	}
	entry, err := runs.Register(runID)
	if err != nil {
		return run, c.fail(run, apperrors.WrapError(err, "failed to register run"))
	}
	defer entry.Remove()

	// checking-resources
	run.Phase = PhaseCheckingResources
	report, err := c.checker.Check(c.cfg.BackupDir)
	if err != nil {
		return run, c.fail(run, apperrors.NewAppError(apperrors.ErrorTypeResourcePrecondition, "resource check failed", err))
	}
	for _, f := range report.Soft {
		run.Warnings = append(run.Warnings, f.Message)
		c.logger.WithContext(ctx).WithField("check", f.Check).Warn(f.Message)
	}
	if !report.OK() {
		msgs := make([]string, 0, len(report.Hard))
		for _, f := range report.Hard {
			msgs = append(msgs, f.Message)
		}
		err := apperrors.NewResourceError(strings.Join(msgs, "; "))
		c.logger.WithContext(ctx).WithField("error_type", err.Type).Warn("Skipping run on resource precondition")
		c.skip(run, err.Error())
		return run, nil
	}

	c.notify(ctx, run, notify.EventBackupStarted, notify.SeverityInfo,
		fmt.Sprintf("backup started for %s", strings.Join(run.Requested, ", ")))

	staging := filepath.Join(c.cfg.StagingDir, runID)
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return run, c.fail(run, apperrors.WrapError(err, "failed to create staging directory"))
	}
	defer os.RemoveAll(staging)

	// running-backers
	run.Phase = PhaseRunningBackers
	c.runBackers(ctx, staging, selected, run)
	if err := ctx.Err(); err != nil {
		return run, c.fail(run, apperrors.NewAppError(apperrors.ErrorTypeInterruption, "run interrupted", err))
	}
	if len(run.Succeeded) == 0 {
		return run, c.fail(run, apperrors.NewAppError(apperrors.ErrorTypeComponentBackup, "every component backup failed", nil))
	}

	// packaging
	run.Phase = PhasePackaging
	lifetime, _ := retention.PolicyFromConfig(c.cfg.Retention).Lifetime(class + "/")
	meta := &archive.ArchiveMetadata{
		BackupID:          runID,
		Timestamp:         run.StartedAt,
		Hostname:          c.cfg.Hostname,
		Class:             class,
		RetentionDays:     int(lifetime / (24 * time.Hour)),
		EncryptionEnabled: c.codec.Encrypts(),
		Compression:       string(c.codec.Compression),
		Components:        append([]string(nil), run.Succeeded...),
		FailedComponents:  append([]string(nil), run.Failed...),
	}
	if err := archive.WriteMetadata(staging, meta); err != nil {
		return run, c.fail(run, apperrors.WrapError(err, "failed to write archive metadata"))
	}

	name := archive.Name(c.cfg.Hostname, run.StartedAt, runID, c.codec.Compression, c.codec.Encrypts())
	built, err := c.codec.Build(ctx, staging, filepath.Join(c.cfg.BackupDir, class), name)
	if err != nil {
		return run, c.fail(run, apperrors.WrapError(err, "failed to package archive"))
	}
	run.ArchivePath = built.Path
	run.SizeBytes = built.Size

	// verifying
	run.Phase = PhaseVerifying
	if err := c.verify(ctx, built.Path, run.Succeeded); err != nil {
		os.Remove(built.Path)
		run.ArchivePath = ""
		return run, c.fail(run, err)
	}

	// uploading
	if c.dest != nil && !opts.SkipUpload {
		run.Phase = PhaseUploading
		key := class + "/" + name
		timeout := c.cfg.Remote.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		uctx, cancel := context.WithTimeout(ctx, timeout)
		retry := apperrors.NewRetryHandler(apperrors.DefaultRetryConfig())
		err := storage.UploadFile(uctx, c.dest, built.Path, key, retry, c.logger)
		cancel()
		if err != nil {
			run.UploadError = err.Error()
			run.Warnings = append(run.Warnings, "remote upload failed: "+err.Error())
		} else {
			run.RemoteKey = key
		}
	}

	// pruning
	if !opts.NoPrune {
		run.Phase = PhasePruning
		c.prune(ctx, run)
	}

	run.Phase = PhaseDone
	if len(run.Failed) > 0 {
		run.Status = StatusPartial
	} else {
		run.Status = StatusSuccess
	}
	return run, nil
}

func (c *Coordinator) runBackers(ctx context.Context, staging string, selected []components.Component, run *BackupRun) {
	results := make([]ComponentResult, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, comp := range selected {
		i, comp := i, comp
		g.Go(func() error {
			results[i] = c.runBacker(gctx, staging, comp)
			return nil
		})
	}
	g.Wait()

	for _, res := range results {
		run.Results = append(run.Results, res)
		if res.Status == ResultFail {
			run.Failed = append(run.Failed, res.Component)
			// a failed backer must not leak half-written artifacts into the archive
			os.RemoveAll(filepath.Join(staging, res.Component))
		} else {
			run.Succeeded = append(run.Succeeded, res.Component)
		}
	}
	sort.Strings(run.Succeeded)
	sort.Strings(run.Failed)
}

func (c *Coordinator) runBacker(ctx context.Context, staging string, comp components.Component) (res ComponentResult) {
	start := time.Now()
	res = ComponentResult{Component: comp.String()}

	defer func() {
		if r := recover(); r != nil {
			res.Status = ResultFail
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		var err error
		if res.Error != "" {
			err = errors.New(res.Error)
		}
		c.logger.LogComponentResult(ctx, "backup", res.Component, res.Size, res.Duration, err)
	}()

	backer, ok := c.registry.Backer(comp)
	if !ok {
		res.Status = ResultFail
		res.Error = "no backer registered"
		return res
	}

	dir := filepath.Join(staging, comp.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		res.Status = ResultFail
		res.Error = err.Error()
		return res
	}

	artifacts, err := backer.Backup(ctx, dir)
	if err != nil {
		res.Status = ResultFail
		res.Error = apperrors.NewAppError(apperrors.ErrorTypeComponentBackup, comp.String()+" backup failed", err).Error()
		return res
	}
	if len(artifacts) == 0 {
		res.Status = ResultFail
		res.Error = "backer produced no artifacts"
		return res
	}

	res.Status = ResultOK
	res.Artifacts = artifacts
	res.Size = treeSize(dir)
	return res
}

func (c *Coordinator) verify(ctx context.Context, path string, want []string) error {
	report, err := c.codec.Validate(ctx, path)
	if err != nil {
		return err
	}
	got := append([]string(nil), report.Components...)
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return apperrors.NewCorruptArchiveError(
			fmt.Sprintf("archive holds components [%s], expected [%s]", strings.Join(got, ", "), strings.Join(want, ", ")), nil)
	}
	return nil
}

func (c *Coordinator) prune(ctx context.Context, run *BackupRun) {
	local, err := storage.NewLocalDestination(c.cfg.BackupDir)
	if err != nil {
		run.Warnings = append(run.Warnings, "retention skipped: "+err.Error())
		return
	}
	var remote storage.Destination
	if c.dest != nil {
		remote = c.dest
	}
	result := retention.NewPruner(retention.PolicyFromConfig(c.cfg.Retention), local, remote, c.logger).Prune(ctx, false)
	run.Pruned = len(result.Deleted)
	for _, e := range result.Errors {
		run.Warnings = append(run.Warnings, "retention: "+e)
	}
}

func (c *Coordinator) skip(run *BackupRun, reason string) {
	run.Status = StatusSkipped
	run.SkipReason = reason
}

func (c *Coordinator) fail(run *BackupRun, err error) error {
	run.Status = StatusFailed
	run.Error = err.Error()
	return err
}

// finish stamps the run and fans it out to history, metrics, notifications and the log
func (c *Coordinator) finish(ctx context.Context, run *BackupRun) {
	if run.Status == StatusRunning {
		run.Status = StatusFailed
		if run.Error == "" {
			run.Error = "run ended unexpectedly"
		}
	}
	run.EndedAt = c.now().UTC()

	entry := c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"status":    string(run.Status),
		"phase":     run.Phase,
		"succeeded": run.Succeeded,
		"failed":    run.Failed,
		"duration":  run.Duration().String(),
		"archive":   run.ArchivePath,
	})
	switch run.Status {
	case StatusSuccess:
		entry.Info("Backup run completed")
	case StatusPartial:
		entry.Warn("Backup run completed with failed components")
	case StatusSkipped:
		entry.WithField("reason", run.SkipReason).Warn("Backup run skipped")
	default:
		entry.WithField("error", run.Error).Error("Backup run failed")
	}

	if err := c.history.Append(run); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Failed to append run history")
	}

	samples := make(map[string]metrics.ComponentSample, len(run.Results))
	for _, r := range run.Results {
		samples[r.Component] = metrics.ComponentSample{OK: r.Status != ResultFail, Duration: r.Duration, Size: r.Size}
	}
	c.metrics.RecordRun(metrics.RunSample{
		Status:      string(run.Status),
		Started:     run.StartedAt,
		Finished:    run.EndedAt,
		ArchiveSize: run.SizeBytes,
		Components:  samples,
		Pruned:      run.Pruned,
	})
	if err := c.metrics.Flush(); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Failed to write metrics textfile")
	}

	// notifications outlive a cancelled run context
	nctx := logging.ContextWithRunID(context.Background(), run.RunID)
	switch run.Status {
	case StatusSuccess:
		sev := notify.SeverityInfo
		if run.UploadError != "" {
			sev = notify.SeverityWarning
		}
		c.notify(nctx, run, notify.EventBackupSucceeded, sev,
			fmt.Sprintf("backup of %d components completed (%s)", len(run.Succeeded), filepath.Base(run.ArchivePath)))
	case StatusPartial:
		c.notify(nctx, run, notify.EventBackupPartial, notify.SeverityWarning,
			fmt.Sprintf("backup completed without %s", strings.Join(run.Failed, ", ")))
	case StatusSkipped:
		c.notify(nctx, run, notify.EventBackupSkipped, notify.SeverityWarning, "backup skipped: "+run.SkipReason)
	default:
		c.notify(nctx, run, notify.EventBackupFailed, notify.SeverityError, "backup failed: "+run.Error)
	}
}

func (c *Coordinator) notify(ctx context.Context, run *BackupRun, event string, sev notify.Severity, msg string) {
	err := c.notifier.Notify(ctx, notify.Event{
		Event:    event,
		Message:  msg,
		Severity: sev,
		RunID:    run.RunID,
		Fields: map[string]interface{}{
			"class":     run.Class,
			"succeeded": run.Succeeded,
			"failed":    run.Failed,
		},
	})
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Debug("Notification not delivered")
	}
}

func treeSize(root string) int64 {
	var size int64
	filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}

package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"server-dr/internal/archive"
	"server-dr/internal/components"
	"server-dr/internal/config"
	"server-dr/internal/confirmation"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
	"server-dr/internal/metrics"
	"server-dr/internal/notify"
	"server-dr/internal/storage"
)

// RemotePrefix marks an archive reference that lives on the remote destination
const RemotePrefix = "remote:"

// Request describes one recovery
type Request struct {
	Mode    Mode
	Archive string
	// Components is the operator's choice in selective mode
	Components []components.Component
	DryRun     bool
	Force      bool
	// Workspace overrides <recovery.workspace_dir>/<recovery_id>
	Workspace string

	// TargetRoot and DatabaseName redirect the restore away from live state
	TargetRoot   string
	DatabaseName func(string) string
	// SkipSnapshot disables the pre-recovery snapshot, for scratch targets
	SkipSnapshot bool
}

// Deps are the engine's collaborators
type Deps struct {
	Registry    *components.Registry
	Destination storage.Destination
	Confirm     confirmation.ConfirmationService
	Notifier    *notify.Notifier
	Metrics     *metrics.Recorder
	Key         archive.KeySource
	Logger      *logging.Logger
}

// Engine runs recovery sessions
type Engine struct {
	cfg      *config.Config
	registry *components.Registry
	codec    *archive.Codec
	dest     storage.Destination
	confirm  confirmation.ConfirmationService
	notifier *notify.Notifier
	metrics  *metrics.Recorder
	logger   *logging.Logger
	dial     dialFunc
	now      func() time.Time
}

// NewEngine creates an engine. Without a confirmation service every
// non-forced recovery is declined.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "component registry is required", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Confirm == nil {
		deps.Confirm = confirmation.Static{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(config.NotificationsConfig{}, cfg.Hostname, deps.Logger)
	}
	comp, err := archive.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid archive compression", err)
	}

	return &Engine{
		cfg:      cfg,
		registry: deps.Registry,
		codec:    archive.NewCodec(comp, cfg.Archive.Level, deps.Key),
		dest:     deps.Destination,
		confirm:  deps.Confirm,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		dial:     dialTCP,
		now:      time.Now,
	}, nil
}

// Recover runs one session. The returned session is always terminal; the
// error is non-nil when the session failed.
func (e *Engine) Recover(ctx context.Context, req Request) (*Session, error) {
	id := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, id)

	s := &Session{
		RecoveryID: id,
		Mode:       req.Mode,
		Source:     req.Archive,
		DryRun:     req.DryRun,
		Force:      req.Force,
		StartedAt:  e.now().UTC(),
		Status:     StatusRunning,
		Restored:   []string{},
		Workspace:  req.Workspace,
	}
	if s.Workspace == "" {
		s.Workspace = filepath.Join(e.cfg.Recovery.WorkspaceDir, id)
	}
	defer e.finish(ctx, s)

	if _, err := ParseMode(string(req.Mode)); err != nil {
		return s, e.fail(s, apperrors.NewAppError(apperrors.ErrorTypeValidation, err.Error(), nil))
	}
	if err := os.MkdirAll(s.Workspace, 0o700); err != nil {
		return s, e.fail(s, apperrors.WrapError(err, "failed to create recovery workspace"))
	}
	e.notify(ctx, s, notify.EventRecoveryStarted, notify.SeverityInfo,
		fmt.Sprintf("recovery %s (%s) started from %s", s.RecoveryID[:8], s.Mode, req.Archive))

	// validating: nothing below this point may run on a bad archive
	s.Phase = PhaseValidating
	path, err := e.resolve(ctx, req.Archive, s.Workspace)
	if err != nil {
		return s, e.fail(s, err)
	}
	s.Source = path
	report, err := e.codec.Validate(ctx, path)
	if err != nil {
		return s, e.fail(s, err)
	}
	s.Metadata = report.Metadata
	s.Available = append([]string(nil), report.Components...)
	sort.Strings(s.Available)

	// extracting
	s.Phase = PhaseExtracting
	extracted := filepath.Join(s.Workspace, "extracted")
	if err := os.RemoveAll(extracted); err != nil {
		return s, e.fail(s, err)
	}
	if _, err := e.codec.Extract(ctx, path, extracted); err != nil {
		return s, e.fail(s, err)
	}

	selected, err := e.selectComponents(req, s.Available)
	if err != nil {
		return s, e.fail(s, err)
	}

	target := components.RestoreTarget{
		Root:         req.TargetRoot,
		DatabaseName: req.DatabaseName,
		AsideSuffix:  components.AsideSuffixAt(s.StartedAt),
		Owner:        e.cfg.Recovery.Owner,
	}
	if err := e.applyModes(&target); err != nil {
		return s, e.fail(s, err)
	}

	// a dry run of every restorer doubles as the confirmation plan
	plan := e.plan(ctx, s, selected, extracted, target)
	if req.DryRun {
		s.Phase = PhaseDone
		s.Status = StatusDryRun
		return s, nil
	}

	s.Phase = PhaseConfirming
	ok, err := e.confirm.ConfirmRecovery(plan, req.Force)
	if err != nil {
		s.Status = StatusAborted
		s.Error = err.Error()
		return s, nil
	}
	if !ok {
		s.Status = StatusAborted
		s.Error = "recovery declined by operator"
		return s, nil
	}

	if !req.SkipSnapshot {
		s.Phase = PhaseSnapshot
		e.snapshot(ctx, s, selected)
	}

	// restoring-components
	s.Phase = PhaseRestoring
	results := e.restore(ctx, s, selected, extracted, target)

	s.Phase = PhaseVerifying
	e.verify(ctx, s, selected, target, results)

	s.Phase = PhaseDone
	failed := 0
	for _, c := range s.Components {
		if c.Status == ComponentFailed || c.Status == ComponentSkipped {
			failed++
		}
	}
	switch {
	case failed > 0:
		return s, e.fail(s, apperrors.NewAppError(apperrors.ErrorTypeRestoreComponent,
			fmt.Sprintf("%d of %d components were not restored", failed, len(s.Components)), nil))
	case len(s.FailedChecks()) > 0 || len(s.Warnings) > 0:
		s.Status = StatusCompletedWithWarnings
	default:
		s.Status = StatusCompleted
	}
	return s, nil
}

// resolve returns a local path for ref, downloading remote:<key> references
func (e *Engine) resolve(ctx context.Context, ref, workspace string) (string, error) {
	if ref == "" {
		return "", apperrors.NewAppError(apperrors.ErrorTypeValidation, "no archive given", nil)
	}
	if !strings.HasPrefix(ref, RemotePrefix) {
		if _, err := os.Stat(ref); err != nil {
			return "", apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("archive %s not readable", ref), err)
		}
		return ref, nil
	}

	key := strings.TrimPrefix(ref, RemotePrefix)
	if e.dest == nil {
		return "", apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "remote archive requested but no remote destination is configured", nil)
	}
	local := filepath.Join(workspace, "download", filepath.Base(key))
	done := e.logger.LogOperationStart("download", map[string]interface{}{"key": key, "destination": e.dest.Type()})
	err := storage.DownloadFile(ctx, e.dest, key, local)
	done(err)
	if err != nil {
		return "", err
	}
	return local, nil
}

// selectComponents maps the mode onto what the archive holds and what has a restorer
func (e *Engine) selectComponents(req Request, available []string) ([]components.Component, error) {
	inArchive := make(map[components.Component]bool)
	var present []components.Component
	for _, name := range available {
		c, err := components.ParseComponent(name)
		if err != nil {
			continue
		}
		if _, ok := e.registry.Restorer(c); ok {
			inArchive[c] = true
			present = append(present, c)
		}
	}

	var want []components.Component
	switch req.Mode {
	case ModeFull:
		want = present
	case ModeSelective:
		want = req.Components
		if len(want) == 0 {
			chosen, err := e.confirm.SelectComponents(components.Names(present))
			if err != nil {
				return nil, err
			}
			if want, err = components.ParseList(chosen); err != nil {
				return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, "invalid component selection", err)
			}
		}
		for _, c := range want {
			if !inArchive[c] {
				return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation,
					fmt.Sprintf("component %s is not restorable from this archive", c), nil)
			}
		}
	default:
		for _, c := range req.Mode.components() {
			if inArchive[c] {
				want = append(want, c)
			}
		}
	}

	if len(want) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("archive holds nothing to restore for mode %s (contains: %s)", req.Mode, strings.Join(available, ", ")), nil)
	}
	return orderForRestore(want), nil
}

// orderForRestore puts data before the files that depend on it
func orderForRestore(cs []components.Component) []components.Component {
	out := append([]components.Component(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) applyModes(t *components.RestoreTarget) error {
	var err error
	if t.DirMode, err = config.ParseMode(e.cfg.Recovery.DirMode); err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid recovery.dir_mode", err)
	}
	if t.FileMode, err = config.ParseMode(e.cfg.Recovery.FileMode); err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid recovery.file_mode", err)
	}
	if t.SecretMode, err = config.ParseMode(e.cfg.Recovery.SecretMode); err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "invalid recovery.secret_mode", err)
	}
	return nil
}

// plan runs every restorer in dry-run mode. On a dry-run session the planned
// actions are the session's result.
func (e *Engine) plan(ctx context.Context, s *Session, selected []components.Component, extracted string, target components.RestoreTarget) *confirmation.Plan {
	target.DryRun = true
	p := &confirmation.Plan{
		SessionID:  s.RecoveryID,
		Mode:       string(s.Mode),
		Archive:    s.Source,
		Components: components.Names(selected),
	}
	if s.Metadata != nil {
		p.Hostname = s.Metadata.Hostname
		p.CreatedAt = s.Metadata.Timestamp.Format(time.RFC3339)
		if s.Metadata.Hostname != "" && s.Metadata.Hostname != e.cfg.Hostname {
			p.Warnings = append(p.Warnings, fmt.Sprintf("archive was taken on %s, this host is %s", s.Metadata.Hostname, e.cfg.Hostname))
		}
	}

	for _, c := range selected {
		entry := ComponentRestore{Component: c.String(), Status: ComponentPlanned}
		restorer, _ := e.registry.Restorer(c)
		result, err := restorer.Restore(ctx, filepath.Join(extracted, c.String()), target)
		if err != nil {
			p.Warnings = append(p.Warnings, fmt.Sprintf("%s: %v", c, err))
			entry.Error = err.Error()
		}
		entry.Result = result
		if result != nil {
			for _, a := range result.Actions {
				e.logger.LogRestoreAction(ctx, c.String(), a.Kind, a.Target, true)
				p.Actions = append(p.Actions, fmt.Sprintf("[%s] %s %s", c, strings.ReplaceAll(a.Kind, "_", " "), a.Target))
			}
		}
		if s.DryRun {
			s.Components = append(s.Components, entry)
			if entry.Error == "" {
				s.Restored = append(s.Restored, c.String())
			} else {
				s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", c, entry.Error))
			}
		}
	}
	return p
}

// snapshot captures the current state of each component before it is replaced
func (e *Engine) snapshot(ctx context.Context, s *Session, selected []components.Component) {
	root := filepath.Join(s.Workspace, "pre-recovery")
	for _, c := range selected {
		backer, ok := e.registry.Backer(c)
		if !ok {
			continue
		}
		dir := filepath.Join(root, c.String())
		if err := os.MkdirAll(dir, 0o700); err != nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("pre-recovery snapshot of %s: %v", c, err))
			continue
		}
		if _, err := backer.Backup(ctx, dir); err != nil {
			e.logger.WithContext(ctx).WithField("component", c.String()).WithError(err).
				Warn("Pre-recovery snapshot failed, continuing")
			s.Warnings = append(s.Warnings, fmt.Sprintf("pre-recovery snapshot of %s: %v", c, err))
			continue
		}
		e.logger.WithContext(ctx).WithField("component", c.String()).WithField("path", dir).Info("Captured pre-recovery snapshot")
	}
}

// restore installs each component in turn. A failed component does not stop
// the others; cancellation skips every component not yet started.
func (e *Engine) restore(ctx context.Context, s *Session, selected []components.Component, extracted string, target components.RestoreTarget) map[components.Component]*components.RestoreResult {
	results := make(map[components.Component]*components.RestoreResult)
	snapshotRoot := filepath.Join(s.Workspace, "pre-recovery")

	for _, c := range selected {
		entry := ComponentRestore{Component: c.String()}
		if dir := filepath.Join(snapshotRoot, c.String()); dirExists(dir) {
			entry.Snapshot = dir
		}
		if err := ctx.Err(); err != nil {
			entry.Status = ComponentSkipped
			entry.Error = "interrupted before start"
			s.Components = append(s.Components, entry)
			continue
		}

		start := time.Now()
		restorer, _ := e.registry.Restorer(c)
		result, err := restorer.Restore(ctx, filepath.Join(extracted, c.String()), target)
		entry.Duration = time.Since(start)
		entry.Result = result
		if result != nil {
			for _, a := range result.Actions {
				e.logger.LogRestoreAction(ctx, c.String(), a.Kind, a.Target, false)
			}
			for _, w := range result.Warnings {
				s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", c, w))
			}
		}

		if err != nil {
			entry.Status = ComponentFailed
			entry.Error = apperrors.NewAppError(apperrors.ErrorTypeRestoreComponent, c.String()+" restore failed", err).Error()
		} else {
			entry.Status = ComponentRestored
			s.Restored = append(s.Restored, c.String())
			results[c] = result
		}
		e.logger.LogComponentResult(ctx, "restore", c.String(), 0, entry.Duration, err)
		s.Components = append(s.Components, entry)
	}
	return results
}

func (e *Engine) verify(ctx context.Context, s *Session, selected []components.Component, target components.RestoreTarget, results map[components.Component]*components.RestoreResult) {
	for _, c := range selected {
		result, ok := results[c]
		if !ok {
			continue
		}
		if v, ok := e.registry.Verifier(c); ok {
			s.Verification = append(s.Verification, v.Verify(ctx, target, result)...)
		}
	}
	if target.Root == "" {
		s.Verification = append(s.Verification, e.smokeEndpoints(ctx)...)
	}
	for _, check := range s.FailedChecks() {
		e.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"component": check.Component.String(),
			"check":     check.Name,
		}).Warn(apperrors.NewAppError(apperrors.ErrorTypeVerificationWarning, check.Message, nil).Error())
	}
}

func (e *Engine) fail(s *Session, err error) error {
	s.Status = StatusFailed
	s.Error = err.Error()
	return err
}

// finish stamps the session, writes its report and tells the world
func (e *Engine) finish(ctx context.Context, s *Session) {
	if s.Status == StatusRunning {
		s.Status = StatusFailed
		if s.Error == "" {
			s.Error = "session ended unexpectedly"
		}
	}
	s.EndedAt = e.now().UTC()

	if dirExists(s.Workspace) {
		s.ReportPath = filepath.Join(s.Workspace, "recovery_session.json")
		if data, err := json.MarshalIndent(s, "", "  "); err == nil {
			if err := os.WriteFile(s.ReportPath, data, 0o600); err != nil {
				s.ReportPath = ""
			}
		}
	}

	entry := e.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"mode":     string(s.Mode),
		"status":   string(s.Status),
		"phase":    s.Phase,
		"restored": s.Restored,
		"duration": s.Duration().String(),
	})
	event, sev := notify.EventRecoveryCompleted, notify.SeverityInfo
	switch s.Status {
	case StatusCompleted, StatusDryRun:
		entry.Info("Recovery session finished")
	case StatusCompletedWithWarnings:
		event, sev = notify.EventRecoveryPartial, notify.SeverityWarning
		entry.Warn("Recovery session finished with warnings")
	case StatusAborted:
		event, sev = notify.EventRecoveryAborted, notify.SeverityWarning
		entry.WithField("reason", s.Error).Warn("Recovery session aborted")
	default:
		event, sev = notify.EventRecoveryFailed, notify.SeverityCritical
		entry.WithField("error", s.Error).Error("Recovery session failed")
	}

	if e.metrics != nil {
		e.metrics.RecordRecovery(string(s.Status), s.StartedAt, s.EndedAt)
		if err := e.metrics.Flush(); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to write metrics textfile")
		}
	}

	msg := fmt.Sprintf("recovery %s (%s) finished: %s", s.RecoveryID[:8], s.Mode, s.Status)
	if s.Error != "" {
		msg += ": " + s.Error
	}
	e.notify(logging.ContextWithRunID(context.Background(), s.RecoveryID), s, event, sev, msg)
}

func (e *Engine) notify(ctx context.Context, s *Session, event string, sev notify.Severity, msg string) {
	if err := e.notifier.Notify(ctx, notify.Event{
		Event:    event,
		Message:  msg,
		Severity: sev,
		RunID:    s.RecoveryID,
		Fields:   map[string]interface{}{"mode": string(s.Mode), "restored": s.Restored, "dry_run": s.DryRun},
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).Debug("Notification not delivered")
	}
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

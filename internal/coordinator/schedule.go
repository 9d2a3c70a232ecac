package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"

	"server-dr/internal/config"
	apperrors "server-dr/internal/errors"
	"server-dr/internal/execution"
	"server-dr/internal/logging"
)

// Scheduler installs the periodic backup entry in the user crontab
type Scheduler struct {
	cfg    config.ScheduleConfig
	config string
	runner execution.Runner
	logger *logging.Logger
}

// NewScheduler returns a scheduler. configPath is baked into the installed
// command line so cron runs pick up the same configuration.
func NewScheduler(cfg config.ScheduleConfig, configPath string, runner execution.Runner, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{cfg: cfg, config: configPath, runner: runner, logger: logger}
}

// Entry renders the crontab line for the configured expression
func (s *Scheduler) Entry() (string, error) {
	if _, err := cron.ParseStandard(s.cfg.Expression); err != nil {
		return "", apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("invalid schedule expression %q", s.cfg.Expression), err)
	}
	binary := s.cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", apperrors.WrapError(err, "cannot resolve own executable")
		}
		binary = exe
	}
	cmd := binary
	if s.config != "" {
		cmd += " --config " + s.config
	}
	return fmt.Sprintf("%s %s run --quiet %s", s.cfg.Expression, cmd, s.cfg.Marker), nil
}

// Install replaces any existing server-dr entry with the current one
func (s *Scheduler) Install(ctx context.Context) (string, error) {
	entry, err := s.Entry()
	if err != nil {
		return "", err
	}
	existing, err := s.read(ctx)
	if err != nil {
		return "", err
	}
	lines := append(filterMarker(existing, s.cfg.Marker), entry)
	if err := s.write(ctx, lines); err != nil {
		return "", err
	}
	s.logger.WithField("entry", entry).Info("Installed backup schedule")
	return entry, nil
}

// Uninstall removes every server-dr entry. It reports whether one was present.
func (s *Scheduler) Uninstall(ctx context.Context) (bool, error) {
	existing, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	kept := filterMarker(existing, s.cfg.Marker)
	if len(kept) == len(existing) {
		return false, nil
	}
	if err := s.write(ctx, kept); err != nil {
		return false, err
	}
	s.logger.Info("Removed backup schedule")
	return true, nil
}

// Installed returns the current server-dr entry, if any
func (s *Scheduler) Installed(ctx context.Context) (string, bool, error) {
	existing, err := s.read(ctx)
	if err != nil {
		return "", false, err
	}
	for _, l := range existing {
		if strings.Contains(l, s.cfg.Marker) {
			return l, true, nil
		}
	}
	return "", false, nil
}

func (s *Scheduler) read(ctx context.Context) ([]string, error) {
	res, err := s.runner.Run(ctx, execution.Command{Name: "crontab", Args: []string{"-l"}})
	if err != nil {
		// crontab -l exits 1 with "no crontab for <user>" when none exists
		var cmdErr *execution.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "no crontab") {
			return nil, nil
		}
		return nil, apperrors.WrapError(err, "failed to read crontab")
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (s *Scheduler) write(ctx context.Context, lines []string) error {
	body := strings.Join(lines, "\n")
	if body != "" {
		body += "\n"
	}
	_, err := s.runner.Run(ctx, execution.Command{Name: "crontab", Args: []string{"-"}, Stdin: strings.NewReader(body)})
	if err != nil {
		return apperrors.WrapError(err, "failed to install crontab")
	}
	return nil
}

func filterMarker(lines []string, marker string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !strings.Contains(l, marker) {
			out = append(out, l)
		}
	}
	return out
}

// Daemon runs backups in-process on the configured schedule until ctx is done.
// Overlapping ticks are skipped; the run lock would refuse them anyway.
func (c *Coordinator) Daemon(ctx context.Context, opts RunOptions) error {
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := sched.AddFunc(c.cfg.Schedule.Expression, func() {
		run, err := c.Run(ctx, opts)
		if err != nil {
			c.logger.WithField("run_id", run.RunID).WithError(err).Error("Scheduled backup failed")
		}
	})
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("invalid schedule expression %q", c.cfg.Schedule.Expression), err)
	}

	c.logger.WithField("schedule", c.cfg.Schedule.Expression).Info("Backup daemon started")
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	c.logger.Info("Backup daemon stopped")
	return nil
}

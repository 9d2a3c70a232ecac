package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"

	"server-dr/internal/components"
)

// SelfTest is the quick readiness check behind `test`: writable directories,
// resources, component tools, the schedule and the remote destination.
// Nothing is backed up.
func (c *Coordinator) SelfTest(ctx context.Context) []components.Check {
	var checks []components.Check
	add := func(name string, err error, ok string) {
		check := components.Check{Name: name, Passed: err == nil, Message: ok}
		if err != nil {
			check.Message = err.Error()
		}
		checks = append(checks, check)
	}

	for _, d := range []struct{ name, path string }{
		{"lock_dir", filepath.Dir(c.cfg.Lock.Path)},
		{"staging_dir", c.cfg.StagingDir},
		{"backup_dir", c.cfg.BackupDir},
	} {
		add(d.name, writable(d.path), d.path+" is writable")
	}

	if report, err := c.checker.Check(c.cfg.BackupDir); err != nil {
		add("resources", err, "")
	} else {
		var hard []string
		for _, f := range report.Hard {
			hard = append(hard, f.Message)
		}
		var err error
		if len(hard) > 0 {
			err = errors.New(strings.Join(hard, "; "))
		}
		add("resources", err, fmt.Sprintf("within limits (%d advisory findings)", len(report.Soft)))
	}

	enabled := c.registry.Enabled()
	var none error
	if len(enabled) == 0 {
		none = errors.New("no components enabled")
	}
	add("components", none, strings.Join(components.Names(enabled), ", "))
	for _, comp := range enabled {
		if p, ok := c.registry.Preflighter(comp); ok {
			add("component:"+comp.String(), p.Preflight(ctx), "ready")
		}
	}

	if c.cfg.Schedule.Expression != "" {
		_, err := cron.ParseStandard(c.cfg.Schedule.Expression)
		add("schedule", err, c.cfg.Schedule.Expression)
	}

	if c.dest != nil {
		add("remote", c.dest.HealthCheck(ctx), c.dest.Type()+" reachable")
	}
	return checks
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".server-dr-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"server-dr/internal/config"
	"server-dr/internal/execution"
	"server-dr/internal/logging"
)

// CacheComponent snapshots the cache server with BGSAVE and copies the finished dump
type CacheComponent struct {
	cfg    config.CacheConfig
	runner execution.Runner
	logger *logging.Logger
	now    func() time.Time
}

// NewCacheComponent creates the cache component
func NewCacheComponent(cfg config.CacheConfig, runner execution.Runner, logger *logging.Logger) *CacheComponent {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CacheComponent{cfg: cfg, runner: runner, logger: logger, now: time.Now}
}

func (c *CacheComponent) command(ctx context.Context, args ...string) (string, error) {
	cmd := execution.Command{
		Name: c.cfg.CLI,
		Args: append([]string{"-h", c.cfg.Host, "-p", strconv.Itoa(c.cfg.Port), "--no-raw"}, args...),
	}
	if c.cfg.Password != "" {
		cmd.Env = []string{"REDISCLI_AUTH=" + c.cfg.Password}
	}
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(res.Stdout))
	// redis-cli exits 0 on server-side errors
	if strings.HasPrefix(out, "(error)") || strings.HasPrefix(out, "ERR") {
		return "", fmt.Errorf("%s %s: %s", c.cfg.CLI, strings.Join(args, " "), out)
	}
	return out, nil
}

func (c *CacheComponent) lastSave(ctx context.Context) (int64, error) {
	out, err := c.command(ctx, "LASTSAVE")
	if err != nil {
		return 0, err
	}
	out = strings.TrimPrefix(out, "(integer) ")
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected LASTSAVE reply %q", out)
	}
	return n, nil
}

// Preflight checks the CLI is installed and the server answers PING
func (c *CacheComponent) Preflight(ctx context.Context) error {
	if _, err := c.runner.LookPath(c.cfg.CLI); err != nil {
		return err
	}
	out, err := c.command(ctx, "PING")
	if err != nil {
		return err
	}
	if out != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", out)
	}
	return nil
}

// Backup triggers BGSAVE, waits until LASTSAVE advances, then copies dump_path
func (c *CacheComponent) Backup(ctx context.Context, stagingDir string) ([]string, error) {
	before, err := c.lastSave(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache server unreachable: %w", err)
	}

	if _, err := c.command(ctx, "BGSAVE"); err != nil {
		return nil, fmt.Errorf("failed to start snapshot: %w", err)
	}

	if err := c.waitForSave(ctx, before); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}
	file := fmt.Sprintf("dump_%s.rdb", c.now().UTC().Format(artifactTimestamp))
	if err := copyFile(c.cfg.DumpPath, filepath.Join(stagingDir, file), 0o600); err != nil {
		return nil, fmt.Errorf("failed to copy snapshot %s: %w", c.cfg.DumpPath, err)
	}
	return []string{file}, nil
}

func (c *CacheComponent) waitForSave(ctx context.Context, before int64) error {
	timeout := c.cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("snapshot did not complete within %s", timeout)
		case <-ticker.C:
			now, err := c.lastSave(ctx)
			if err != nil {
				c.logger.WithField("error", err.Error()).Debug("LASTSAVE poll failed")
				continue
			}
			if now > before {
				c.logger.WithField("lastsave", now).Debug("Cache snapshot completed")
				return nil
			}
		}
	}
}

func latestSnapshot(srcDir string) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "dump_") && strings.HasSuffix(e.Name(), ".rdb") && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("cache subtree contains no snapshot")
	}
	return filepath.Join(srcDir, latest), nil
}

// Restore renames the live dump aside and installs the archived snapshot.
// The cache server reads it on its next start.
func (c *CacheComponent) Restore(ctx context.Context, srcDir string, target RestoreTarget) (*RestoreResult, error) {
	snap, err := latestSnapshot(srcDir)
	if err != nil {
		return nil, err
	}
	live := target.path(c.cfg.DumpPath)
	result := &RestoreResult{Component: Cache, Restored: []string{live}}

	if target.DryRun {
		if _, err := os.Lstat(live); err == nil {
			aside, _ := freeAsideName(live + target.AsideSuffix)
			result.add(ActionRenameAside, live, aside)
		}
		result.add(ActionInstall, live, snap)
		return result, nil
	}

	if aside, moved, err := renameAside(live, target.AsideSuffix); err != nil {
		return result, err
	} else if moved {
		result.add(ActionRenameAside, live, aside)
	}

	mode := target.FileMode
	if mode == 0 {
		mode = 0o644
	}
	if err := copyFile(snap, live, mode); err != nil {
		return result, fmt.Errorf("failed to install snapshot: %w", err)
	}
	if err := normalize(live, target); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}
	result.add(ActionInstall, live, snap)
	result.Warnings = append(result.Warnings, "restart the cache server to load the restored snapshot")
	return result, nil
}

// Verify checks the snapshot is installed and, for live restores, that the server answers PING
func (c *CacheComponent) Verify(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
	if target.DryRun {
		return nil
	}
	var checks []Check
	live := target.path(c.cfg.DumpPath)
	if info, err := os.Stat(live); err != nil || info.Size() == 0 {
		checks = append(checks, failed(Cache, "snapshot_present", fmt.Sprintf("%s missing or empty", live)))
	} else {
		checks = append(checks, passed(Cache, "snapshot_present", live))
	}

	if target.Root == "" {
		out, err := c.command(ctx, "PING")
		if err != nil || out != "PONG" {
			checks = append(checks, failed(Cache, "service_reachable", fmt.Sprintf("PING returned %q: %v", out, err)))
		} else {
			checks = append(checks, passed(Cache, "service_reachable", "PONG"))
		}
	}
	return checks
}

package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"server-dr/internal/config"
	"server-dr/internal/database"
	"server-dr/internal/execution"
	"server-dr/internal/logging"
)

const artifactTimestamp = "20060102T150405Z"

// DatabaseComponent dumps every user database independently and replays dumps on restore
type DatabaseComponent struct {
	db      database.DatabaseService
	runner  execution.Runner
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewDatabaseComponent creates the database component
func NewDatabaseComponent(cfg config.DatabaseConfig, db database.DatabaseService, runner execution.Runner, logger *logging.Logger) *DatabaseComponent {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DatabaseComponent{db: db, runner: runner, timeout: cfg.Timeout, logger: logger, now: time.Now}
}

// Backup writes <name>_<ts>.sql for each database. One failing database does
// not stop the rest; the component fails only when no dump succeeded.
func (d *DatabaseComponent) Backup(ctx context.Context, stagingDir string) ([]string, error) {
	names, err := d.db.ListDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate databases: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no databases to back up")
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}

	ts := d.now().UTC().Format(artifactTimestamp)
	var artifacts []string
	var failures []string

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := fmt.Sprintf("%s_%s.sql", name, ts)
		if err := d.dump(ctx, name, filepath.Join(stagingDir, file)); err != nil {
			d.logger.WithFields(map[string]interface{}{
				"database": name,
				"error":    err.Error(),
			}).Error("Database dump failed")
			failures = append(failures, name)
			continue
		}
		artifacts = append(artifacts, file)
	}

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("every database dump failed: %s", strings.Join(failures, ", "))
	}
	if len(failures) > 0 {
		d.logger.WithField("failed", failures).Warn("Some databases were not dumped")
	}
	return artifacts, nil
}

func (d *DatabaseComponent) dump(ctx context.Context, name, path string) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	partial := path + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	cmd := d.db.DumpCommand(name)
	cmd.Stdout = f
	_, runErr := d.runner.Run(ctx, cmd)
	closeErr := f.Close()

	if runErr == nil && closeErr != nil {
		runErr = closeErr
	}
	if runErr != nil {
		os.Remove(partial)
		return runErr
	}
	return os.Rename(partial, path)
}

// DumpFile is one database dump found in an extracted subtree
type DumpFile struct {
	Database string
	Path     string
}

// FindDumps returns the latest dump of each database in an extracted subtree
func FindDumps(srcDir string) ([]DumpFile, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}

	latest := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".sql")
		i := strings.LastIndex(stem, "_")
		if i <= 0 {
			continue
		}
		if _, err := time.Parse(artifactTimestamp, stem[i+1:]); err != nil {
			continue
		}
		name := stem[:i]
		if prev, ok := latest[name]; !ok || e.Name() > prev {
			latest[name] = e.Name()
		}
	}

	var dumps []DumpFile
	for name, file := range latest {
		dumps = append(dumps, DumpFile{Database: name, Path: filepath.Join(srcDir, file)})
	}
	sort.Slice(dumps, func(i, j int) bool { return dumps[i].Database < dumps[j].Database })
	return dumps, nil
}

// Restore recreates each database if absent and replays its dump
func (d *DatabaseComponent) Restore(ctx context.Context, srcDir string, target RestoreTarget) (*RestoreResult, error) {
	dumps, err := FindDumps(srcDir)
	if err != nil {
		return nil, err
	}
	if len(dumps) == 0 {
		return nil, fmt.Errorf("database subtree contains no dumps")
	}

	result := &RestoreResult{Component: Database}
	for _, dump := range dumps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		name := target.database(dump.Database)

		if target.DryRun {
			result.add(ActionCreateDatabase, name, "if not exists")
			result.add(ActionReplayDump, name, dump.Path)
			result.Restored = append(result.Restored, name)
			continue
		}

		if err := d.db.CreateDatabase(ctx, name); err != nil {
			return result, err
		}
		result.add(ActionCreateDatabase, name, "if not exists")

		if err := d.replay(ctx, name, dump.Path); err != nil {
			return result, fmt.Errorf("failed to restore %s: %w", name, err)
		}
		result.add(ActionReplayDump, name, dump.Path)
		result.Restored = append(result.Restored, name)
	}
	return result, nil
}

func (d *DatabaseComponent) replay(ctx context.Context, name, dumpPath string) error {
	f, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmd := d.db.RestoreCommand(name)
	cmd.Stdin = f
	_, err = d.runner.Run(ctx, cmd)
	return err
}

// Verify checks each restored database has readable tables and countable rows
func (d *DatabaseComponent) Verify(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
	if restored == nil || target.DryRun {
		return nil
	}
	var checks []Check
	for _, name := range restored.Restored {
		tables, err := d.db.Tables(ctx, name)
		if err != nil {
			checks = append(checks, failed(Database, "schema_readable", fmt.Sprintf("%s: %v", name, err)))
			continue
		}
		if len(tables) == 0 {
			checks = append(checks, failed(Database, "table_count", fmt.Sprintf("%s has no tables", name)))
			continue
		}
		checks = append(checks, passed(Database, "table_count", fmt.Sprintf("%s has %d tables", name, len(tables))))

		counts, err := d.db.RowCounts(ctx, name)
		if err != nil {
			checks = append(checks, failed(Database, "row_count", fmt.Sprintf("%s: %v", name, err)))
			continue
		}
		var total int64
		for _, n := range counts {
			total += n
		}
		checks = append(checks, passed(Database, "row_count", fmt.Sprintf("%s has %d rows", name, total)))
	}
	return checks
}

// Preflight pings the server and looks up the dump and restore tools
func (d *DatabaseComponent) Preflight(ctx context.Context) error {
	if err := d.db.Ping(ctx); err != nil {
		return fmt.Errorf("%s server unreachable: %w", d.db.Engine(), err)
	}
	for _, cmd := range []execution.Command{d.db.DumpCommand(""), d.db.RestoreCommand("")} {
		if _, err := d.runner.LookPath(cmd.Name); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup drops the databases a scratch restore created, including any whose
// replay failed part way
func (d *DatabaseComponent) Cleanup(ctx context.Context, restored *RestoreResult) error {
	if restored == nil {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, a := range restored.Actions {
		if a.Kind == ActionCreateDatabase && !seen[a.Target] {
			seen[a.Target] = true
			names = append(names, a.Target)
		}
	}
	var firstErr error
	for _, name := range names {
		if err := d.db.DropDatabase(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

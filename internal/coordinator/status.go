package coordinator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"server-dr/internal/archive"
	"server-dr/internal/lock"
)

// LockState describes the run lock at the time of a status query
type LockState struct {
	Held       bool      `json:"held"`
	PID        int       `json:"pid,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	Alive      bool      `json:"alive"`
}

// Report summarizes the coordinator's state for `status`
type Report struct {
	Hostname     string     `json:"hostname"`
	LastRun      *BackupRun `json:"last_run,omitempty"`
	LastSuccess  *BackupRun `json:"last_success,omitempty"`
	Lock         LockState  `json:"lock"`
	ArchiveCount int        `json:"archive_count"`
	ArchiveBytes int64      `json:"archive_bytes"`
	Newest       string     `json:"newest_archive,omitempty"`
	RemoteType   string     `json:"remote,omitempty"`
}

// Status assembles the report from history, the lock file and the backup dir
func (c *Coordinator) Status(ctx context.Context) (*Report, error) {
	report := &Report{Hostname: c.cfg.Hostname}
	if c.dest != nil {
		report.RemoteType = c.dest.Type()
	}

	runs, err := c.history.Entries()
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		if report.LastRun == nil {
			report.LastRun = &r
		}
		if r.Status == StatusSuccess || r.Status == StatusPartial {
			report.LastSuccess = &r
			break
		}
	}

	owner, alive, err := lock.Holder(c.cfg.Lock.Path)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		report.Lock = LockState{Held: true, PID: owner.PID, RunID: owner.RunID, AcquiredAt: owner.AcquiredAt, Alive: alive}
	}

	var newest time.Time
	err = filepath.WalkDir(c.cfg.BackupDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !archive.IsArchiveName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		report.ArchiveCount++
		report.ArchiveBytes += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
			report.Newest = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Problem is one failed health check
type Problem struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

// HealthCheck reports problems that should page someone. An empty slice is healthy.
func (c *Coordinator) HealthCheck(ctx context.Context, maxAge time.Duration) ([]Problem, error) {
	report, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}

	var problems []Problem
	switch {
	case report.LastSuccess == nil:
		problems = append(problems, Problem{"last_success", "no successful backup recorded"})
	case maxAge > 0 && c.now().Sub(report.LastSuccess.EndedAt) > maxAge:
		problems = append(problems, Problem{"last_success",
			fmt.Sprintf("last successful backup finished %s ago (limit %s)",
				c.now().Sub(report.LastSuccess.EndedAt).Round(time.Minute), maxAge)})
	}
	if report.LastRun != nil {
		switch {
		case report.LastRun.Status == StatusFailed:
			problems = append(problems, Problem{"last_run", "last run failed: " + report.LastRun.Error})
		case report.LastRun.UploadError != "":
			problems = append(problems, Problem{"upload", "last upload failed: " + report.LastRun.UploadError})
		}
	}
	if report.Lock.Held && !report.Lock.Alive {
		problems = append(problems, Problem{"lock", fmt.Sprintf("stale lock held by dead pid %d", report.Lock.PID)})
	}
	if report.ArchiveCount == 0 {
		problems = append(problems, Problem{"archives", "no local archives in " + c.cfg.BackupDir})
	}

	resources, err := c.checker.Check(c.cfg.BackupDir)
	if err == nil {
		for _, f := range resources.Hard {
			problems = append(problems, Problem{f.Check, f.Message})
		}
	}

	if c.dest != nil {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.dest.HealthCheck(hctx); err != nil {
			problems = append(problems, Problem{"remote", err.Error()})
		}
	}
	return problems, nil
}

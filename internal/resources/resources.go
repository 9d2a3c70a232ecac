package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"server-dr/internal/config"
)

// Finding is one resource precondition that was not met
type Finding struct {
	Check     string  `json:"check"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Report separates hard findings, which skip a run, from soft warnings
type Report struct {
	Hard []Finding `json:"hard,omitempty"`
	Soft []Finding `json:"soft,omitempty"`
}

// OK reports whether no hard precondition failed
func (r *Report) OK() bool { return len(r.Hard) == 0 }

// Checker evaluates the configured resource thresholds
type Checker struct {
	cfg    config.ResourcesConfig
	procFS string
	cpus   int
	statfs func(path string) (uint64, error)
}

// NewChecker creates a checker reading /proc and statfs
func NewChecker(cfg config.ResourcesConfig) *Checker {
	return &Checker{
		cfg:    cfg,
		procFS: procfs.DefaultMountPoint,
		cpus:   runtime.NumCPU(),
		statfs: freeBytes,
	}
}

// Check inspects free disk under dir and host memory and load
func (c *Checker) Check(dir string) (*Report, error) {
	report := &Report{}

	free, err := c.statfs(existingParent(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to stat filesystem for %s: %w", dir, err)
	}
	freeMB := float64(free) / (1 << 20)
	if c.cfg.MinFreeDiskMB > 0 && freeMB < float64(c.cfg.MinFreeDiskMB) {
		report.Hard = append(report.Hard, Finding{
			Check:     "disk",
			Message:   fmt.Sprintf("only %.0f MB free under %s, need %d MB", freeMB, dir, c.cfg.MinFreeDiskMB),
			Value:     freeMB,
			Threshold: float64(c.cfg.MinFreeDiskMB),
		})
	}

	fs, err := procfs.NewFS(c.procFS)
	if err != nil {
		// memory and load are advisory
		report.Soft = append(report.Soft, Finding{Check: "procfs", Message: err.Error()})
		return report, nil
	}

	if mem, err := fs.Meminfo(); err == nil && mem.MemAvailable != nil {
		availMB := float64(*mem.MemAvailable) / 1024
		if c.cfg.MinFreeMemoryMB > 0 && availMB < float64(c.cfg.MinFreeMemoryMB) {
			report.Soft = append(report.Soft, Finding{
				Check:     "memory",
				Message:   fmt.Sprintf("only %.0f MB memory available, want %d MB", availMB, c.cfg.MinFreeMemoryMB),
				Value:     availMB,
				Threshold: float64(c.cfg.MinFreeMemoryMB),
			})
		}
	}

	if load, err := fs.LoadAvg(); err == nil && c.cpus > 0 {
		perCPU := load.Load1 / float64(c.cpus)
		if c.cfg.MaxLoadPerCPU > 0 && perCPU > c.cfg.MaxLoadPerCPU {
			report.Soft = append(report.Soft, Finding{
				Check:     "load",
				Message:   fmt.Sprintf("load average %.2f per CPU exceeds %.2f", perCPU, c.cfg.MaxLoadPerCPU),
				Value:     perCPU,
				Threshold: c.cfg.MaxLoadPerCPU,
			})
		}
	}

	return report, nil
}

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// existingParent walks up until it finds a path that exists, so checks work
// before the backup directory is first created.
func existingParent(dir string) string {
	p := filepath.Clean(dir)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

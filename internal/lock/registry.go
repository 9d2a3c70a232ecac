package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Registry tracks live backup processes as <dir>/<pid>.pid markers
type Registry struct {
	dir   string
	alive func(pid int) bool
}

// NewRegistry returns the live-run registry kept next to the lock file
func NewRegistry(lockPath string) *Registry {
	return &Registry{dir: filepath.Join(filepath.Dir(lockPath), "runs"), alive: processAlive}
}

// Entry is this process's marker in the registry
type Entry struct {
	path string
}

// Remove deletes the marker
func (e *Entry) Remove() error {
	if e == nil {
		return nil
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Live sweeps markers of dead processes and returns the PIDs still running,
// excluding the calling process.
func (r *Registry) Live() ([]int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run registry %s: %w", r.dir, err)
	}

	self := os.Getpid()
	var live []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(name, ".pid"))
		if err != nil || pid == self {
			continue
		}
		if !r.alive(pid) {
			os.Remove(filepath.Join(r.dir, name))
			continue
		}
		live = append(live, pid)
	}
	return live, nil
}

// Register records the calling process as a live run
func (r *Registry) Register(runID string) (*Entry, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run registry %s: %w", r.dir, err)
	}
	path := filepath.Join(r.dir, strconv.Itoa(os.Getpid())+".pid")
	if err := os.WriteFile(path, []byte(runID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return &Entry{path: path}, nil
}

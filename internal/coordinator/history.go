package coordinator

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"server-dr/internal/config"
)

// History is the append-only JSON-lines record of finished runs
type History struct {
	mu   sync.Mutex
	path string
	out  *lumberjack.Logger
}

// NewHistory opens the history log lazily. An empty path disables it.
func NewHistory(cfg config.HistoryConfig) *History {
	h := &History{path: cfg.Path}
	if cfg.Path != "" {
		h.out = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}
	return h
}

// Append writes one terminal run
func (h *History) Append(run *BackupRun) error {
	if h.out == nil {
		return nil
	}
	line, err := json.Marshal(run)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(append(line, '\n'))
	return err
}

// Entries reads every run in the current history file, oldest first.
// Unparseable lines are skipped.
func (h *History) Entries() ([]BackupRun, error) {
	if h.path == "" {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var runs []BackupRun
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var run BackupRun
		if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, scanner.Err()
}

// Close releases the underlying file
func (h *History) Close() error {
	if h.out == nil {
		return nil
	}
	return h.out.Close()
}

package drtest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Baseline is the stored reference extraction rate
type Baseline struct {
	RateMBs     float64   `json:"rate_mb_s"`
	RecordedAt  time.Time `json:"recorded_at"`
	ArchiveSize int64     `json:"archive_size"`
}

// LoadBaseline reads path. A missing file returns nil, nil.
func LoadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if b.RateMBs <= 0 {
		return nil, nil
	}
	return &b, nil
}

// Save writes the baseline atomically
func (b *Baseline) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

package archive

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// MetadataDir is the top-level directory holding the sidecar inside every archive
	MetadataDir = "metadata"
	// MetadataFile is the sidecar file name
	MetadataFile = "backup_info.json"
	// FormatVersion is bumped when the archive layout changes
	FormatVersion = 1
)

// MetadataPath is the archive-relative path of the sidecar
var MetadataPath = MetadataDir + "/" + MetadataFile

// ArchiveMetadata describes one archive. It is written once, after every component artifact exists.
type ArchiveMetadata struct {
	BackupID          string    `json:"backup_id"`
	Timestamp         time.Time `json:"timestamp"`
	Hostname          string    `json:"hostname"`
	Class             string    `json:"class,omitempty"`
	RetentionDays     int       `json:"retention_days"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	Compression       string    `json:"compression"`
	Components        []string  `json:"components"`
	FailedComponents  []string  `json:"failed_components,omitempty"`
	Size              int64     `json:"size"`
	FileCount         int       `json:"file_count"`
	FormatVersion     int       `json:"format_version"`
}

// WriteMetadata fills Size and FileCount from the staging tree and writes the sidecar.
// Components absent from the staging tree are rejected so metadata never precedes its artifacts.
func WriteMetadata(stagingDir string, meta *ArchiveMetadata) error {
	for _, c := range meta.Components {
		info, err := os.Stat(filepath.Join(stagingDir, c))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("component %s has no artifacts in staging", c)
		}
	}

	var size int64
	var count int
	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(stagingDir, path)
		if rel == MetadataDir {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
			count++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to measure staging tree: %w", err)
	}

	meta.Size = size
	meta.FileCount = count
	meta.FormatVersion = FormatVersion
	sort.Strings(meta.Components)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	dir := filepath.Join(stagingDir, MetadataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644)
}

// ReadMetadataFile reads the sidecar from an extracted or staging tree
func ReadMetadataFile(root string) (*ArchiveMetadata, error) {
	data, err := os.ReadFile(filepath.Join(root, MetadataDir, MetadataFile))
	if err != nil {
		return nil, err
	}
	return decodeMetadata(data)
}

func decodeMetadata(data []byte) (*ArchiveMetadata, error) {
	var meta ArchiveMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	if meta.BackupID == "" {
		return nil, fmt.Errorf("metadata has no backup_id")
	}
	return &meta, nil
}

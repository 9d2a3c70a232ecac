package components

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"server-dr/internal/config"
	"server-dr/internal/logging"
)

// ManifestFile sits at the root of every file-tree component subtree
const ManifestFile = "manifest.json"

// Manifest maps captured source paths to their place in the component subtree.
// Symlinks are recorded here instead of in the tree so absolute targets survive extraction.
type Manifest struct {
	Component Component       `json:"component"`
	CreatedAt time.Time       `json:"created_at"`
	Sources   []ManifestEntry `json:"sources"`
	Links     []ManifestLink  `json:"links,omitempty"`
	Files     int             `json:"files"`
	Size      int64           `json:"size"`
}

// ManifestEntry is one configured path
type ManifestEntry struct {
	Source   string `json:"source"`
	Archived string `json:"archived"`
	Dir      bool   `json:"dir"`
}

// ManifestLink is a symlink found beneath a source
type ManifestLink struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

// ReadManifest loads the manifest of an extracted component subtree
func ReadManifest(componentDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(componentDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// TreeComponent backs up and restores configured file trees. Application,
// configuration, certificates and monitoring are all built on it.
type TreeComponent struct {
	component Component
	paths     []string
	exclude   []string
	logger    *logging.Logger
	now       func() time.Time
	// verify adds component-specific checks after the common presence check
	verify func(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check
}

// NewTreeComponent creates a tree component for c
func NewTreeComponent(c Component, tree config.TreeConfig, logger *logging.Logger) *TreeComponent {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TreeComponent{
		component: c,
		paths:     tree.Paths,
		exclude:   tree.Exclude,
		logger:    logger,
		now:       time.Now,
	}
}

// Backup copies every configured path into stagingDir and writes the manifest
func (t *TreeComponent) Backup(ctx context.Context, stagingDir string) ([]string, error) {
	return t.backupPaths(ctx, stagingDir, t.paths)
}

func (t *TreeComponent) backupPaths(ctx context.Context, stagingDir string, paths []string) ([]string, error) {
	manifest := Manifest{Component: t.component, CreatedAt: t.now().UTC()}

	for _, source := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil {
			t.logger.WithFields(map[string]interface{}{
				"component": t.component.String(),
				"path":      source,
				"error":     err.Error(),
			}).Warn("Configured path is not readable, skipping")
			continue
		}

		entry := ManifestEntry{Source: filepath.Clean(source), Archived: archivedName(source), Dir: info.IsDir()}
		dst := filepath.Join(stagingDir, filepath.FromSlash(entry.Archived))

		if info.IsDir() {
			links, err := t.copyTree(ctx, entry.Source, dst)
			if err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", source, err)
			}
			manifest.Links = append(manifest.Links, links...)
		} else if err := copyFile(source, dst, info.Mode()); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", source, err)
		}
		manifest.Sources = append(manifest.Sources, entry)
	}

	if len(manifest.Sources) == 0 {
		return nil, fmt.Errorf("none of the configured %s paths exist", t.component)
	}

	size, count, err := dirSize(stagingDir)
	if err != nil {
		return nil, err
	}
	manifest.Size = size
	manifest.Files = count

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(stagingDir, ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	artifacts := []string{ManifestFile}
	for _, e := range manifest.Sources {
		artifacts = append(artifacts, e.Archived)
	}
	return artifacts, nil
}

func (t *TreeComponent) copyTree(ctx context.Context, src, dst string) ([]ManifestLink, error) {
	var links []ManifestLink
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				t.logger.WithField("path", path).Warn("Permission denied, skipping")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && matchesAny(t.exclude, filepath.ToSlash(rel), d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			links = append(links, ManifestLink{Path: path, Target: link})
			return nil
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode())
		default:
			// sockets, fifos and devices are runtime state
			return nil
		}
	})
	return links, err
}

// Restore renames each live source aside and installs the archived copy
func (t *TreeComponent) Restore(ctx context.Context, srcDir string, target RestoreTarget) (*RestoreResult, error) {
	manifest, err := ReadManifest(srcDir)
	if err != nil {
		return nil, fmt.Errorf("%s subtree has no readable manifest: %w", t.component, err)
	}

	result := &RestoreResult{Component: t.component}
	for _, entry := range manifest.Sources {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		src := filepath.Join(srcDir, filepath.FromSlash(entry.Archived))
		live := target.path(entry.Source)

		if target.DryRun {
			if _, err := os.Lstat(live); err == nil {
				aside, _ := freeAsideName(live + target.AsideSuffix)
				result.add(ActionRenameAside, live, aside)
			}
			result.add(ActionInstall, live, src)
			result.Restored = append(result.Restored, live)
			continue
		}

		if aside, moved, err := renameAside(live, target.AsideSuffix); err != nil {
			return result, err
		} else if moved {
			result.add(ActionRenameAside, live, aside)
		}

		if entry.Dir {
			if err := installTree(src, live); err != nil {
				return result, fmt.Errorf("failed to install %s: %w", live, err)
			}
		} else {
			info, err := os.Stat(src)
			if err != nil {
				return result, err
			}
			if err := copyFile(src, live, info.Mode()); err != nil {
				return result, fmt.Errorf("failed to install %s: %w", live, err)
			}
		}
		if err := normalize(live, target); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to normalise %s: %v", live, err))
		}
		result.add(ActionInstall, live, src)
		result.Restored = append(result.Restored, live)
	}

	for _, link := range manifest.Links {
		p := target.path(link.Path)
		if target.DryRun {
			result.add(ActionSymlink, p, link.Target)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return result, err
		}
		os.Remove(p)
		if err := os.Symlink(link.Target, p); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to recreate symlink %s: %v", p, err))
			continue
		}
		result.add(ActionSymlink, p, link.Target)
	}

	sort.Strings(result.Restored)
	return result, nil
}

func installTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode())
	})
}

// Verify checks that every restored source is present
func (t *TreeComponent) Verify(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
	var checks []Check
	if restored != nil {
		for _, p := range restored.Restored {
			if _, err := os.Stat(p); err != nil {
				checks = append(checks, failed(t.component, "path_present", fmt.Sprintf("%s: %v", p, err)))
			} else {
				checks = append(checks, passed(t.component, "path_present", p))
			}
		}
	}
	if t.verify != nil {
		checks = append(checks, t.verify(ctx, target, restored)...)
	}
	return checks
}

// NewApplicationComponent captures the application tree and checks critical files after restore
func NewApplicationComponent(cfg config.ApplicationConfig, logger *logging.Logger) *TreeComponent {
	t := NewTreeComponent(Application, cfg.TreeConfig, logger)
	t.verify = func(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
		var checks []Check
		for _, f := range cfg.CriticalFiles {
			p := target.path(f)
			if info, err := os.Stat(p); err != nil {
				checks = append(checks, failed(Application, "critical_file", fmt.Sprintf("%s is missing", p)))
			} else if info.Mode().IsRegular() && info.Size() == 0 {
				checks = append(checks, failed(Application, "critical_file", fmt.Sprintf("%s is empty", p)))
			} else {
				checks = append(checks, passed(Application, "critical_file", p))
			}
		}
		return checks
	}
	return t
}

// NewConfigurationComponent captures configuration trees and checks required patterns after restore
func NewConfigurationComponent(cfg config.ConfigurationConfig, logger *logging.Logger) *TreeComponent {
	t := NewTreeComponent(Configuration, cfg.TreeConfig, logger)
	t.verify = func(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
		var checks []Check
		for _, pattern := range cfg.RequiredPatterns {
			matches, err := filepath.Glob(target.path(pattern))
			switch {
			case err != nil:
				checks = append(checks, failed(Configuration, "required_pattern", fmt.Sprintf("%s: %v", pattern, err)))
			case len(matches) == 0:
				checks = append(checks, failed(Configuration, "required_pattern", fmt.Sprintf("nothing matches %s", pattern)))
			default:
				checks = append(checks, passed(Configuration, "required_pattern", fmt.Sprintf("%s (%d matches)", pattern, len(matches))))
			}
		}
		return checks
	}
	return t
}

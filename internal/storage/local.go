package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDestination copies archives into a directory, typically a mounted
// network filesystem or a second disk.
type LocalDestination struct {
	basePath string
}

// NewLocalDestination creates the base directory if needed
func NewLocalDestination(basePath string) (*LocalDestination, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, configError("local destination base_path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, storageError("failed to create local destination directory", err)
	}
	return &LocalDestination{basePath: basePath}, nil
}

func (ld *LocalDestination) path(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(ld.basePath, filepath.FromSlash(k)), nil
}

// Upload writes r to key through a partial file
func (ld *LocalDestination) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	dest, err := ld.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return storageError("failed to create destination directory", err)
	}

	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return storageError("failed to create destination file", err)
	}

	written, err := io.Copy(f, &contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return storageError("failed to write destination file", err)
	}
	if size >= 0 && written != size {
		os.Remove(tmp)
		return storageError(fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, written), nil)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return storageError("failed to finalize destination file", err)
	}
	return nil
}

// Download copies key into w
func (ld *LocalDestination) Download(ctx context.Context, key string, w io.Writer) error {
	src, err := ld.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return notFoundError(key, err)
		}
		return storageError("failed to open archive", err)
	}
	defer f.Close()

	if _, err := io.Copy(&contextWriter{ctx: ctx, w: w}, f); err != nil {
		return storageError("failed to read archive", err)
	}
	return nil
}

// Delete removes key; a missing key is not an error
func (ld *LocalDestination) Delete(ctx context.Context, key string) error {
	p, err := ld.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return storageError("failed to delete archive", err)
	}
	return nil
}

// List walks the base path and returns every file under prefix
func (ld *LocalDestination) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(ld.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasSuffix(p, ".partial") {
			return nil
		}
		rel, err := filepath.Rel(ld.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, storageError("failed to list local destination", err)
	}
	return objects, nil
}

// HealthCheck writes, reads back and removes a probe file
func (ld *LocalDestination) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(ld.basePath, ".health_check")
	if err := os.WriteFile(probe, []byte("health_check"), 0o600); err != nil {
		return storageError("local destination is not writable", err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return storageError("local destination is not readable", err)
	}
	os.Remove(probe)
	return nil
}

// Type returns "local"
func (ld *LocalDestination) Type() string { return "local" }

// Close is a no-op
func (ld *LocalDestination) Close() error { return nil }

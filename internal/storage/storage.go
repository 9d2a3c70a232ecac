package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
)

// Object is one file held by a destination. Key is slash separated and
// relative to the destination root, e.g. "daily/backup_web_..._1a2b3c4d.tar.zst".
type Object struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Destination stores archive files off-host
type Destination interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	Download(ctx context.Context, key string, w io.Writer) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	HealthCheck(ctx context.Context) error
	Type() string
	Close() error
}

func storageError(message string, cause error) *apperrors.AppError {
	return apperrors.NewRecoverableError(apperrors.ErrorTypeStorage, message, cause)
}

func configError(message string) *apperrors.AppError {
	return apperrors.NewAppError(apperrors.ErrorTypeConfiguration, message, nil)
}

// ErrNotFound is wrapped by Download when the key does not exist
var ErrNotFound = errors.New("object not found")

func notFoundError(key string, cause error) *apperrors.AppError {
	if cause == nil {
		cause = ErrNotFound
	} else {
		cause = fmt.Errorf("%w: %v", ErrNotFound, cause)
	}
	return apperrors.NewAppError(apperrors.ErrorTypeStorage, fmt.Sprintf("object %q not found", key), cause)
}

func invalidKey(key string) *apperrors.AppError {
	return apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("invalid object key %q", key), nil)
}

// CleanKey normalizes a key and rejects keys escaping the destination root
func CleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
	if k == "" || k == "." {
		return "", invalidKey(key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", invalidKey(key)
		}
	}
	return k, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func trimPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

// UploadFile uploads a local file, retrying recoverable failures
func UploadFile(ctx context.Context, dest Destination, localPath, key string, retry *apperrors.RetryHandler, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if retry == nil {
		retry = apperrors.NewDefaultRetryHandler()
	}
	done := logger.LogOperationStart("upload", map[string]interface{}{
		"destination": dest.Type(),
		"key":         key,
	})

	err := retry.Retry(ctx, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrorTypeStorage, "cannot open archive for upload", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		return dest.Upload(ctx, key, &contextReader{ctx: ctx, r: f}, info.Size())
	})
	done(err)
	return err
}

// DownloadFile fetches key into localPath through a temporary file
func DownloadFile(ctx context.Context, dest Destination, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := dest.Download(ctx, key, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// contextReader stops long copies once ctx is done, for SDKs without native cancellation
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *contextWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

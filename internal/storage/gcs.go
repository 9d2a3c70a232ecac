package storage

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"server-dr/internal/config"
)

// GCSDestination stores archives in a Google Cloud Storage bucket
type GCSDestination struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSDestination uses the credentials file when set and application
// default credentials otherwise.
func NewGCSDestination(ctx context.Context, cfg *config.GCSConfig, prefix string) (*GCSDestination, error) {
	if cfg == nil {
		return nil, configError("GCS storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, configError("GCS bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, storageError("failed to create GCS client", err)
	}

	return &GCSDestination{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (d *GCSDestination) object(key string) (*storage.ObjectHandle, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	return d.client.Bucket(d.bucket).Object(joinPrefix(d.prefix, k)), nil
}

// Upload streams r into a new object
func (d *GCSDestination) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	obj, err := d.object(key)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return storageError("failed to upload archive to GCS", err)
	}
	if err := w.Close(); err != nil {
		return storageError("failed to finalize GCS upload", err)
	}
	return nil
}

// Download copies the object into w
func (d *GCSDestination) Download(ctx context.Context, key string, w io.Writer) error {
	obj, err := d.object(key)
	if err != nil {
		return err
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return notFoundError(key, err)
		}
		return storageError("failed to open GCS object", err)
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		return storageError("failed to read archive from GCS", err)
	}
	return nil
}

// Delete removes the object; a missing object is not an error
func (d *GCSDestination) Delete(ctx context.Context, key string) error {
	obj, err := d.object(key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return storageError("failed to delete archive from GCS", err)
	}
	return nil
}

// List iterates every object under prefix
func (d *GCSDestination) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	it := d.client.Bucket(d.bucket).Objects(ctx, &storage.Query{Prefix: joinPrefix(d.prefix, prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storageError("failed to list GCS objects", err)
		}
		objects = append(objects, Object{
			Key:     trimPrefix(d.prefix, attrs.Name),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return objects, nil
}

// HealthCheck reads the bucket attributes
func (d *GCSDestination) HealthCheck(ctx context.Context) error {
	if _, err := d.client.Bucket(d.bucket).Attrs(ctx); err != nil {
		return storageError("GCS bucket is not accessible", err)
	}
	return nil
}

// Type returns "gcs"
func (d *GCSDestination) Type() string { return "gcs" }

// Close releases the client
func (d *GCSDestination) Close() error { return d.client.Close() }

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"server-dr/internal/config"
)

// AzureDestination stores archives in an Azure Blob Storage container
type AzureDestination struct {
	container azblob.ContainerURL
	prefix    string
}

// NewAzureDestination authenticates with the storage account's shared key
func NewAzureDestination(cfg *config.AzureConfig, prefix string) (*AzureDestination, error) {
	if cfg == nil {
		return nil, configError("Azure storage configuration is required")
	}
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, configError("Azure account_name and account_key are required")
	}
	if cfg.ContainerName == "" {
		return nil, configError("Azure container_name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, configError(fmt.Sprintf("invalid Azure credentials: %v", err))
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, storageError("failed to parse Azure service URL", err)
	}

	return &AzureDestination{
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		prefix:    prefix,
	}, nil
}

func (d *AzureDestination) blob(key string) (azblob.BlockBlobURL, error) {
	k, err := CleanKey(key)
	if err != nil {
		return azblob.BlockBlobURL{}, err
	}
	return d.container.NewBlockBlobURL(joinPrefix(d.prefix, k)), nil
}

// Upload streams r in 4 MiB blocks
func (d *AzureDestination) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	blobURL, err := d.blob(key)
	if err != nil {
		return err
	}
	_, err = azblob.UploadStreamToBlockBlob(ctx, r, blobURL, azblob.UploadStreamToBlockBlobOptions{
		BufferSize:      4 << 20,
		MaxBuffers:      4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
	})
	if err != nil {
		return storageError("failed to upload archive to Azure", err)
	}
	return nil
}

// Download copies the blob into w
func (d *AzureDestination) Download(ctx context.Context, key string, w io.Writer) error {
	blobURL, err := d.blob(key)
	if err != nil {
		return err
	}
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isBlobNotFound(err) {
			return notFoundError(key, err)
		}
		return storageError("failed to download archive from Azure", err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	if _, err := io.Copy(w, body); err != nil {
		return storageError("failed to read archive from Azure", err)
	}
	return nil
}

// Delete removes the blob and its snapshots; a missing blob is not an error
func (d *AzureDestination) Delete(ctx context.Context, key string) error {
	blobURL, err := d.blob(key)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isBlobNotFound(err) {
		return storageError("failed to delete archive from Azure", err)
	}
	return nil
}

// List walks the flat blob listing under prefix
func (d *AzureDestination) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := d.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: joinPrefix(d.prefix, prefix),
		})
		if err != nil {
			return nil, storageError("failed to list Azure blobs", err)
		}
		for _, item := range resp.Segment.BlobItems {
			obj := Object{Key: trimPrefix(d.prefix, item.Name), ModTime: item.Properties.LastModified}
			if item.Properties.ContentLength != nil {
				obj.Size = *item.Properties.ContentLength
			}
			objects = append(objects, obj)
		}
		marker = resp.NextMarker
	}
	return objects, nil
}

// HealthCheck reads the container properties
func (d *AzureDestination) HealthCheck(ctx context.Context) error {
	if _, err := d.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return storageError("Azure container is not accessible", err)
	}
	return nil
}

// Type returns "azure"
func (d *AzureDestination) Type() string { return "azure" }

// Close is a no-op
func (d *AzureDestination) Close() error { return nil }

func isBlobNotFound(err error) bool {
	var serr azblob.StorageError
	return errors.As(err, &serr) && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
}

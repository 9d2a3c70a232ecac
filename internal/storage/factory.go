package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"server-dr/internal/config"
)

// Provider names accepted in remote.provider
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
	ProviderSFTP  = "sftp"
)

// SupportedProviders lists every provider New understands
func SupportedProviders() []string {
	return []string{ProviderNone, ProviderLocal, ProviderS3, ProviderGCS, ProviderAzure, ProviderSFTP}
}

// New creates the configured destination. It returns nil with no error when
// remote upload is disabled.
func New(ctx context.Context, cfg config.RemoteConfig) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, nil

	case ProviderLocal:
		if cfg.Local == nil {
			return nil, configError("remote.local configuration is required")
		}
		return NewLocalDestination(filepath.Join(cfg.Local.BasePath, filepath.FromSlash(strings.Trim(cfg.Prefix, "/"))))

	case ProviderS3:
		return NewS3Destination(cfg.S3, cfg.Prefix)

	case ProviderGCS:
		return NewGCSDestination(ctx, cfg.GCS, cfg.Prefix)

	case ProviderAzure:
		return NewAzureDestination(cfg.Azure, cfg.Prefix)

	case ProviderSFTP:
		return NewSFTPDestination(ctx, cfg.SFTP, cfg.Prefix)

	default:
		return nil, configError(fmt.Sprintf("unsupported storage provider: %s", cfg.Provider))
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	apperrors "server-dr/internal/errors"
)

var (
	knownCompressions = []string{"zstd", "gzip", "lz4", "none"}
	knownKeySources   = []string{"env", "file", "passphrase"}
	knownEngines      = []string{"mysql", "postgres"}
	knownProviders    = []string{"none", "local", "s3", "gcs", "azure", "sftp"}
	knownSeverities   = []string{"info", "warning", "error", "critical"}
	knownLogFormats   = []string{"text", "json"}
)

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() error {
	var errs apperrors.ValidationErrors

	if strings.TrimSpace(c.BackupDir) == "" {
		errs.Add("backup_dir", "is required", c.BackupDir)
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		errs.Add("staging_dir", "is required", c.StagingDir)
	}
	if c.StagingDir != "" && c.StagingDir == c.BackupDir {
		errs.Add("staging_dir", "must differ from backup_dir", c.StagingDir)
	}
	if strings.ContainsAny(c.DefaultClass, "/\\") {
		errs.Add("default_class", "must be a single path segment", c.DefaultClass)
	}

	if !contains(knownCompressions, c.Archive.Compression) {
		errs.Add("archive.compression", fmt.Sprintf("must be one of %s", strings.Join(knownCompressions, ", ")), c.Archive.Compression)
	}
	c.Archive.Encryption.validate(&errs)

	c.Components.validate(&errs)

	if c.Lock.Path == "" {
		errs.Add("lock.path", "is required", c.Lock.Path)
	}
	if c.Lock.MaxConcurrentRuns < 1 {
		errs.Add("lock.max_concurrent_runs", "must be at least 1", c.Lock.MaxConcurrentRuns)
	}
	if c.Lock.MaxAttempts < 1 {
		errs.Add("lock.max_attempts", "must be at least 1", c.Lock.MaxAttempts)
	}
	if c.Lock.Multiplier < 1 {
		errs.Add("lock.multiplier", "must be at least 1", c.Lock.Multiplier)
	}

	if c.Retention.Days <= 0 {
		errs.Add("retention.days", "must be greater than 0", c.Retention.Days)
	}
	for class, days := range c.Retention.Classes {
		if days <= 0 {
			errs.Add("retention.classes."+class, "must be greater than 0", days)
		}
	}

	c.Remote.validate(&errs)

	if c.Notifications.Enabled && !contains(knownSeverities, c.Notifications.MinSeverity) {
		errs.Add("notifications.min_severity", fmt.Sprintf("must be one of %s", strings.Join(knownSeverities, ", ")), c.Notifications.MinSeverity)
	}

	if !contains(knownLogFormats, c.Logging.Format) {
		errs.Add("logging.format", "must be text or json", c.Logging.Format)
	}

	if c.Schedule.Expression != "" {
		if _, err := cron.ParseStandard(c.Schedule.Expression); err != nil {
			errs.Add("schedule.expression", fmt.Sprintf("invalid cron expression: %v", err), c.Schedule.Expression)
		}
	}

	for _, mode := range []struct{ field, value string }{
		{"recovery.dir_mode", c.Recovery.DirMode},
		{"recovery.file_mode", c.Recovery.FileMode},
		{"recovery.secret_mode", c.Recovery.SecretMode},
	} {
		if _, err := ParseMode(mode.value); err != nil {
			errs.Add(mode.field, "must be an octal mode", mode.value)
		}
	}
	if c.Recovery.Owner != "" && !strings.Contains(c.Recovery.Owner, ":") {
		errs.Add("recovery.owner", "must be user:group", c.Recovery.Owner)
	}

	if c.DRTest.Tolerance <= 0 || c.DRTest.Tolerance > 1 {
		errs.Add("drtest.tolerance", "must be in (0, 1]", c.DRTest.Tolerance)
	}
	if c.DRTest.WorkspaceDir != "" && c.DRTest.WorkspaceDir == c.BackupDir {
		errs.Add("drtest.workspace_dir", "must differ from backup_dir", c.DRTest.WorkspaceDir)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (ec *EncryptionConfig) validate(errs *apperrors.ValidationErrors) {
	if !ec.Enabled {
		return
	}

	switch ec.KeySource {
	case "env":
		if ec.KeyEnvVar == "" {
			errs.Add("archive.encryption.key_env_var", "is required when key_source is env", ec.KeyEnvVar)
		}
	case "file":
		if ec.KeyPath == "" {
			errs.Add("archive.encryption.key_path", "is required when key_source is file", ec.KeyPath)
		}
	case "passphrase":
		if ec.PassphraseEnvVar == "" {
			errs.Add("archive.encryption.passphrase_env_var", "is required when key_source is passphrase", ec.PassphraseEnvVar)
		}
	default:
		errs.Add("archive.encryption.key_source", fmt.Sprintf("must be one of %s", strings.Join(knownKeySources, ", ")), ec.KeySource)
	}
}

func (cc *ComponentsConfig) validate(errs *apperrors.ValidationErrors) {
	enabled := 0

	if cc.Database.Enabled {
		enabled++
		if !contains(knownEngines, cc.Database.Engine) {
			errs.Add("components.database.engine", "must be mysql or postgres", cc.Database.Engine)
		}
		if cc.Database.Username == "" {
			errs.Add("components.database.username", "is required", cc.Database.Username)
		}
	}
	if cc.Cache.Enabled {
		enabled++
		if cc.Cache.DumpPath == "" {
			errs.Add("components.cache.dump_path", "is required", cc.Cache.DumpPath)
		}
		if cc.Cache.PollInterval > cc.Cache.SnapshotTimeout {
			errs.Add("components.cache.poll_interval", "must not exceed snapshot_timeout", cc.Cache.PollInterval.String())
		}
	}

	trees := []struct {
		name string
		tree TreeConfig
	}{
		{"application", cc.Application.TreeConfig},
		{"configuration", cc.Configuration.TreeConfig},
		{"certificates", cc.Certificates},
	}
	for _, t := range trees {
		if !t.tree.Enabled {
			continue
		}
		enabled++
		if len(t.tree.Paths) == 0 {
			errs.Add("components."+t.name+".paths", "at least one path is required", nil)
		}
	}

	if cc.Monitoring.Enabled {
		enabled++
		if len(cc.Monitoring.Paths) == 0 && cc.Monitoring.PrometheusURL == "" {
			errs.Add("components.monitoring.paths", "paths or prometheus_url is required", nil)
		}
	}

	if enabled == 0 {
		errs.Add("components", "at least one component must be enabled", nil)
	}
}

func (rc *RemoteConfig) validate(errs *apperrors.ValidationErrors) {
	switch rc.Provider {
	case "none":
	case "local":
		if rc.Local == nil || rc.Local.BasePath == "" {
			errs.Add("remote.local.base_path", "is required when provider is local", nil)
		}
	case "s3":
		if rc.S3 == nil || rc.S3.Bucket == "" {
			errs.Add("remote.s3.bucket", "is required when provider is s3", nil)
		}
	case "gcs":
		if rc.GCS == nil || rc.GCS.Bucket == "" {
			errs.Add("remote.gcs.bucket", "is required when provider is gcs", nil)
		}
	case "azure":
		if rc.Azure == nil || rc.Azure.AccountName == "" || rc.Azure.AccountKey == "" || rc.Azure.ContainerName == "" {
			errs.Add("remote.azure", "account_name, account_key and container_name are required when provider is azure", nil)
		}
	case "sftp":
		if rc.SFTP == nil || rc.SFTP.Host == "" || rc.SFTP.Username == "" {
			errs.Add("remote.sftp", "host and username are required when provider is sftp", nil)
		} else if rc.SFTP.Password == "" && rc.SFTP.KeyPath == "" {
			errs.Add("remote.sftp", "password or key_path is required", nil)
		}
	default:
		errs.Add("remote.provider", fmt.Sprintf("must be one of %s", strings.Join(knownProviders, ", ")), rc.Provider)
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

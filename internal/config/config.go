package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. SERVER_DR_BACKUP_DIR
const EnvPrefix = "SERVER_DR"

// Config is the complete, validated configuration injected into every subsystem
type Config struct {
	Hostname      string              `mapstructure:"hostname" yaml:"hostname"`
	StagingDir    string              `mapstructure:"staging_dir" yaml:"staging_dir"`
	BackupDir     string              `mapstructure:"backup_dir" yaml:"backup_dir"`
	DefaultClass  string              `mapstructure:"default_class" yaml:"default_class"`
	Parallelism   int                 `mapstructure:"parallelism" yaml:"parallelism"`
	Archive       ArchiveConfig       `mapstructure:"archive" yaml:"archive"`
	Components    ComponentsConfig    `mapstructure:"components" yaml:"components"`
	Lock          LockConfig          `mapstructure:"lock" yaml:"lock"`
	Resources     ResourcesConfig     `mapstructure:"resources" yaml:"resources"`
	Retention     RetentionConfig     `mapstructure:"retention" yaml:"retention"`
	Remote        RemoteConfig        `mapstructure:"remote" yaml:"remote"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	History       HistoryConfig       `mapstructure:"history" yaml:"history"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Schedule      ScheduleConfig      `mapstructure:"schedule" yaml:"schedule"`
	Recovery      RecoveryConfig      `mapstructure:"recovery" yaml:"recovery"`
	DRTest        DRTestConfig        `mapstructure:"drtest" yaml:"drtest"`
}

// ArchiveConfig controls how the staging tree is packaged
type ArchiveConfig struct {
	Compression string           `mapstructure:"compression" yaml:"compression"`
	Level       int              `mapstructure:"level" yaml:"level"`
	Encryption  EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
}

// EncryptionConfig defines where the archive key comes from
type EncryptionConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	KeySource        string `mapstructure:"key_source" yaml:"key_source"`
	KeyEnvVar        string `mapstructure:"key_env_var" yaml:"key_env_var"`
	KeyPath          string `mapstructure:"key_path" yaml:"key_path"`
	PassphraseEnvVar string `mapstructure:"passphrase_env_var" yaml:"passphrase_env_var"`
}

// ComponentsConfig maps each component to its source locations
type ComponentsConfig struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	Application   ApplicationConfig   `mapstructure:"application" yaml:"application"`
	Configuration ConfigurationConfig `mapstructure:"configuration" yaml:"configuration"`
	Certificates  TreeConfig          `mapstructure:"certificates" yaml:"certificates"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring"`
}

// DatabaseConfig describes the relational store
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Engine         string        `mapstructure:"engine" yaml:"engine"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Exclude        []string      `mapstructure:"exclude" yaml:"exclude"`
	DumpCommand    string        `mapstructure:"dump_command" yaml:"dump_command"`
	RestoreCommand string        `mapstructure:"restore_command" yaml:"restore_command"`
	ClientCommand  string        `mapstructure:"client_command" yaml:"client_command"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CacheConfig describes the in-memory cache server
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	CLI             string        `mapstructure:"cli" yaml:"cli"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Password        string        `mapstructure:"password" yaml:"password"`
	DumpPath        string        `mapstructure:"dump_path" yaml:"dump_path"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout" yaml:"snapshot_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// TreeConfig is a set of file trees captured as one component
type TreeConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Paths   []string `mapstructure:"paths" yaml:"paths"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude"`
}

// ApplicationConfig is the application tree plus files a DR test must find
type ApplicationConfig struct {
	TreeConfig    `mapstructure:",squash" yaml:",inline"`
	CriticalFiles []string `mapstructure:"critical_files" yaml:"critical_files"`
}

// ConfigurationConfig is the configuration tree plus patterns a DR test must find
type ConfigurationConfig struct {
	TreeConfig       `mapstructure:",squash" yaml:",inline"`
	RequiredPatterns []string `mapstructure:"required_patterns" yaml:"required_patterns"`
}

// MonitoringConfig is the monitoring data tree plus optional Prometheus TSDB snapshot
type MonitoringConfig struct {
	TreeConfig        `mapstructure:",squash" yaml:",inline"`
	PrometheusURL     string `mapstructure:"prometheus_url" yaml:"prometheus_url"`
	PrometheusDataDir string `mapstructure:"prometheus_data_dir" yaml:"prometheus_data_dir"`
}

// LockConfig controls the exclusive run lock and concurrency ceiling
type LockConfig struct {
	Path              string        `mapstructure:"path" yaml:"path"`
	StaleAfter        time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
}

// ResourcesConfig holds the hard and soft resource thresholds
type ResourcesConfig struct {
	MinFreeDiskMB   int64   `mapstructure:"min_free_disk_mb" yaml:"min_free_disk_mb"`
	MinFreeMemoryMB int64   `mapstructure:"min_free_memory_mb" yaml:"min_free_memory_mb"`
	MaxLoadPerCPU   float64 `mapstructure:"max_load_per_cpu" yaml:"max_load_per_cpu"`
}

// RetentionConfig is the global lifetime plus per-class overrides keyed by path prefix
type RetentionConfig struct {
	Days    int            `mapstructure:"days" yaml:"days"`
	Classes map[string]int `mapstructure:"classes" yaml:"classes"`
}

// RemoteConfig selects and configures the off-host destination
type RemoteConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Local    *LocalConfig  `mapstructure:"local" yaml:"local,omitempty"`
	S3       *S3Config     `mapstructure:"s3" yaml:"s3,omitempty"`
	GCS      *GCSConfig    `mapstructure:"gcs" yaml:"gcs,omitempty"`
	Azure    *AzureConfig  `mapstructure:"azure" yaml:"azure,omitempty"`
	SFTP     *SFTPConfig   `mapstructure:"sftp" yaml:"sftp,omitempty"`
}

// LocalConfig for a second local or mounted filesystem
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// S3Config for Amazon S3 and compatible stores
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// SFTPConfig for an SSH file server
type SFTPConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	KeyPath        string `mapstructure:"key_path" yaml:"key_path,omitempty"`
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path,omitempty"`
	BasePath       string `mapstructure:"base_path" yaml:"base_path"`
}

// NotificationsConfig configures lifecycle event channels
type NotificationsConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MinSeverity string        `mapstructure:"min_severity" yaml:"min_severity"`
	Webhook     WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Slack       SlackConfig   `mapstructure:"slack" yaml:"slack"`
	File        FileConfig    `mapstructure:"file" yaml:"file"`
}

// WebhookConfig posts JSON events to an HTTP endpoint
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// SlackConfig posts events to a Slack incoming webhook
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	Username   string `mapstructure:"username" yaml:"username"`
}

// FileConfig appends events as JSON lines
type FileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// HistoryConfig controls the rolling run-history log
type HistoryConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// LoggingConfig controls the application logger
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls Prometheus textfile output
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// ScheduleConfig controls the crontab entry and daemon schedule
type ScheduleConfig struct {
	Expression string `mapstructure:"expression" yaml:"expression"`
	Binary     string `mapstructure:"binary" yaml:"binary"`
	Marker     string `mapstructure:"marker" yaml:"marker"`
}

// RecoveryConfig controls recovery sessions
type RecoveryConfig struct {
	WorkspaceDir   string   `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	Owner          string   `mapstructure:"owner" yaml:"owner"`
	DirMode        string   `mapstructure:"dir_mode" yaml:"dir_mode"`
	FileMode       string   `mapstructure:"file_mode" yaml:"file_mode"`
	SecretMode     string   `mapstructure:"secret_mode" yaml:"secret_mode"`
	SmokeEndpoints []string `mapstructure:"smoke_endpoints" yaml:"smoke_endpoints"`
}

// DRTestConfig controls the DR test harness
type DRTestConfig struct {
	WorkspaceDir  string        `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	RetainFor     time.Duration `mapstructure:"retain_for" yaml:"retain_for"`
	BaselinePath  string        `mapstructure:"baseline_path" yaml:"baseline_path"`
	Tolerance     float64       `mapstructure:"tolerance" yaml:"tolerance"`
	ReportDir     string        `mapstructure:"report_dir" yaml:"report_dir"`
	ScratchPrefix string        `mapstructure:"scratch_prefix" yaml:"scratch_prefix"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{DRTest: DRTestConfig{RetainFor: 24 * time.Hour}}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields
func (c *Config) SetDefaults() {
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			c.Hostname = "localhost"
		}
	}
	if c.StagingDir == "" {
		c.StagingDir = "/var/tmp/server-dr/staging"
	}
	if c.BackupDir == "" {
		c.BackupDir = "/var/backups/server-dr"
	}
	if c.DefaultClass == "" {
		c.DefaultClass = "daily"
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 2
	}

	c.Archive.SetDefaults()
	c.Components.SetDefaults()
	c.Lock.SetDefaults()
	c.Resources.SetDefaults()
	c.Retention.SetDefaults()
	c.Remote.SetDefaults()
	c.Notifications.SetDefaults()

	if c.History.Path == "" {
		c.History.Path = "/var/log/server-dr/history.jsonl"
	}
	if c.History.MaxSizeMB <= 0 {
		c.History.MaxSizeMB = 10
	}
	if c.History.MaxBackups <= 0 {
		c.History.MaxBackups = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Schedule.Marker == "" {
		c.Schedule.Marker = "# server-dr scheduled backup"
	}
	if c.Schedule.Binary == "" {
		if exe, err := os.Executable(); err == nil {
			c.Schedule.Binary = exe
		} else {
			c.Schedule.Binary = "server-dr"
		}
	}

	c.Recovery.SetDefaults()
	c.DRTest.SetDefaults()
}

// SetDefaults sets default values for archive configuration
func (a *ArchiveConfig) SetDefaults() {
	if a.Compression == "" {
		a.Compression = "zstd"
	}
	if a.Encryption.KeySource == "" {
		a.Encryption.KeySource = "env"
	}
	if a.Encryption.KeyEnvVar == "" {
		a.Encryption.KeyEnvVar = "SERVER_DR_ENCRYPTION_KEY"
	}
	if a.Encryption.PassphraseEnvVar == "" {
		a.Encryption.PassphraseEnvVar = "SERVER_DR_PASSPHRASE"
	}
}

// SetDefaults sets default values for component configuration
func (cc *ComponentsConfig) SetDefaults() {
	db := &cc.Database
	if db.Engine == "" {
		db.Engine = "mysql"
	}
	if db.Host == "" {
		db.Host = "localhost"
	}
	if db.Port == 0 {
		if db.Engine == "postgres" {
			db.Port = 5432
		} else {
			db.Port = 3306
		}
	}
	if db.Timeout <= 0 {
		db.Timeout = 30 * time.Minute
	}
	if db.DumpCommand == "" {
		db.DumpCommand = pick(db.Engine, "pg_dump", "mysqldump")
	}
	if db.RestoreCommand == "" {
		db.RestoreCommand = pick(db.Engine, "psql", "mysql")
	}
	if db.ClientCommand == "" {
		db.ClientCommand = pick(db.Engine, "psql", "mysql")
	}

	c := &cc.Cache
	if c.CLI == "" {
		c.CLI = "redis-cli"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.DumpPath == "" {
		c.DumpPath = "/var/lib/redis/dump.rdb"
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	if cc.Monitoring.PrometheusDataDir == "" {
		cc.Monitoring.PrometheusDataDir = "/var/lib/prometheus"
	}
}

func pick(engine, postgres, mysql string) string {
	if engine == "postgres" {
		return postgres
	}
	return mysql
}

// SetDefaults sets default values for lock configuration
func (l *LockConfig) SetDefaults() {
	if l.Path == "" {
		l.Path = "/var/run/server-dr/backup.lock"
	}
	if l.StaleAfter <= 0 {
		l.StaleAfter = 6 * time.Hour
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 5
	}
	if l.BaseDelay <= 0 {
		l.BaseDelay = 2 * time.Second
	}
	if l.MaxDelay <= 0 {
		l.MaxDelay = time.Minute
	}
	if l.Multiplier <= 0 {
		l.Multiplier = 2
	}
	if l.MaxConcurrentRuns <= 0 {
		l.MaxConcurrentRuns = 1
	}
}

// SetDefaults sets default values for resource thresholds
func (r *ResourcesConfig) SetDefaults() {
	if r.MinFreeDiskMB <= 0 {
		r.MinFreeDiskMB = 1024
	}
	if r.MinFreeMemoryMB <= 0 {
		r.MinFreeMemoryMB = 256
	}
	if r.MaxLoadPerCPU <= 0 {
		r.MaxLoadPerCPU = 2.0
	}
}

// SetDefaults sets default values for retention
func (r *RetentionConfig) SetDefaults() {
	if r.Days <= 0 {
		r.Days = 30
	}
	if r.Classes == nil {
		r.Classes = map[string]int{"daily": 7, "weekly": 28, "monthly": 365}
	}
}

// SetDefaults sets default values for the remote destination
func (rc *RemoteConfig) SetDefaults() {
	if rc.Provider == "" {
		rc.Provider = "none"
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 30 * time.Minute
	}
	if rc.Provider == "sftp" && rc.SFTP != nil && rc.SFTP.Port == 0 {
		rc.SFTP.Port = 22
	}
	if rc.Provider == "s3" && rc.S3 != nil && rc.S3.Region == "" {
		rc.S3.Region = "us-east-1"
	}
}

// SetDefaults sets default values for notifications
func (n *NotificationsConfig) SetDefaults() {
	if n.MinSeverity == "" {
		n.MinSeverity = "info"
	}
	if n.Webhook.Timeout <= 0 {
		n.Webhook.Timeout = 10 * time.Second
	}
	if n.Slack.Username == "" {
		n.Slack.Username = "server-dr"
	}
}

// SetDefaults sets default values for recovery
func (r *RecoveryConfig) SetDefaults() {
	if r.WorkspaceDir == "" {
		r.WorkspaceDir = "/var/tmp/server-dr/recovery"
	}
	if r.DirMode == "" {
		r.DirMode = "0755"
	}
	if r.FileMode == "" {
		r.FileMode = "0644"
	}
	if r.SecretMode == "" {
		r.SecretMode = "0600"
	}
}

// SetDefaults sets default values for the DR test harness
func (d *DRTestConfig) SetDefaults() {
	if d.WorkspaceDir == "" {
		d.WorkspaceDir = "/var/tmp/server-dr/drtest"
	}
	if d.RetainFor < 0 {
		d.RetainFor = 0
	}
	if d.BaselinePath == "" {
		d.BaselinePath = "/var/lib/server-dr/performance_baseline.json"
	}
	if d.Tolerance <= 0 {
		d.Tolerance = 0.8
	}
	if d.ReportDir == "" {
		d.ReportDir = "/var/lib/server-dr/reports"
	}
	if d.ScratchPrefix == "" {
		d.ScratchPrefix = "drtest_"
	}
}

// RegisterDefaults seeds viper with every default key so that environment
// overrides resolve for keys absent from the config file.
func RegisterDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}

	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// SearchPaths lists the config file locations tried when --config is not given
func SearchPaths() []string {
	paths := []string{"/etc/server-dr/config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".server-dr.yaml"))
	}
	return append(paths, "server-dr.yaml")
}

// ConfigureViper applies the env prefix, key replacer and config file.
// An explicit file path, when given, replaces the search.
func ConfigureViper(v *viper.Viper, file string) {
	if file == "" {
		for _, candidate := range SearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes, defaults and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	if err := RegisterDefaults(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseMode parses an octal permission string such as "0640"
func ParseMode(s string) (os.FileMode, error) {
	m, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	return os.FileMode(m), nil
}

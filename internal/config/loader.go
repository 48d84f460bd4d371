package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// EnvPrefix is prepended to every environment override, e.g. DRBACKUP_BACKUP_DIRECTORY.
const EnvPrefix = "DRBACKUP"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string `mapstructure:"include" yaml:"include,omitempty"`
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`

	Backup     BackupConfig     `mapstructure:"backup"     yaml:"backup"`
	WAL        WALConfig        `mapstructure:"wal"        yaml:"wal"`
	Datastore  DatastoreConfig  `mapstructure:"datastore"  yaml:"datastore"`
	Timeouts   TimeoutConfig    `mapstructure:"timeouts"   yaml:"timeouts"`
	Offload    OffloadConfig    `mapstructure:"offload"    yaml:"offload"`
	Alert      AlertConfig      `mapstructure:"alert"      yaml:"alert"`
	Vault      VaultConfig      `mapstructure:"vault"      yaml:"vault"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"   yaml:"schedule"`
	Server     ServerConfig     `mapstructure:"server"     yaml:"server"`
	Health     HealthConfig     `mapstructure:"health"     yaml:"health"`
	Log        LogConfig        `mapstructure:"log"        yaml:"log"`
}

// BackupConfig contains options for the local artifact store.
type BackupConfig struct {
	Directory        string `mapstructure:"directory"         yaml:"directory"         validate:"required"`
	RetentionDays    int    `mapstructure:"retention_days"    yaml:"retention_days"    validate:"gte=1"`
	Compression      string `mapstructure:"compression"       yaml:"compression"       validate:"oneof=zstd gzip"`
	ScratchDirectory string `mapstructure:"scratch_directory" yaml:"scratch_directory,omitempty"`
	LockFile         bool   `mapstructure:"lock_file"         yaml:"lock_file"`
	// DiskUsageThreshold is the used fraction of the backup filesystem that raises backup_storage_full.
	DiskUsageThreshold float64 `mapstructure:"disk_usage_threshold" yaml:"disk_usage_threshold" validate:"gt=0,lte=1"`
}

// Retention returns the retention window as a duration.
func (b BackupConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// Scratch returns the directory used for decompressed restore input.
func (b BackupConfig) Scratch() string {
	if b.ScratchDirectory != "" {
		return b.ScratchDirectory
	}
	return b.Directory
}

// WALConfig points at the log-shipping archive.
type WALConfig struct {
	ArchiveDirectory string        `mapstructure:"archive_directory" yaml:"archive_directory" validate:"required"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"  yaml:"freshness_window"  validate:"gt=0"`
}

// DatastoreConfig describes the connection target of the transactional datastore.
type DatastoreConfig struct {
	Engine      string   `mapstructure:"engine"       yaml:"engine"       validate:"oneof=postgres mysql"`
	Host        string   `mapstructure:"host"         yaml:"host"         validate:"required"`
	Port        string   `mapstructure:"port"         yaml:"port,omitempty"`
	Database    string   `mapstructure:"database"     yaml:"database"     validate:"required"`
	Schema      string   `mapstructure:"schema"       yaml:"schema,omitempty"`
	Username    string   `mapstructure:"username"     yaml:"username,omitempty"`
	Password    string   `mapstructure:"password"     yaml:"password,omitempty"`
	VaultRole   string   `mapstructure:"vault_role"   yaml:"vault_role,omitempty"`
	CheckTables []string `mapstructure:"check_tables" yaml:"check_tables,omitempty"`
}

// TimeoutConfig bounds each external step.
type TimeoutConfig struct {
	Dump     time.Duration `mapstructure:"dump"      yaml:"dump"      validate:"gt=0"`
	Restore  time.Duration `mapstructure:"restore"   yaml:"restore"   validate:"gt=0"`
	WALApply time.Duration `mapstructure:"wal_apply" yaml:"wal_apply" validate:"gt=0"`
	Check    time.Duration `mapstructure:"check"     yaml:"check"     validate:"gt=0"`
	Offload  time.Duration `mapstructure:"offload"   yaml:"offload"   validate:"gt=0"`
	Alert    time.Duration `mapstructure:"alert"     yaml:"alert"     validate:"gt=0"`
}

// OffloadConfig holds S3-compatible storage settings for off-site copies.
type OffloadConfig struct {
	Enabled      bool   `mapstructure:"enabled"       yaml:"enabled"`
	Bucket       string `mapstructure:"bucket"        yaml:"bucket,omitempty"`
	Prefix       string `mapstructure:"prefix"        yaml:"prefix,omitempty"`
	Region       string `mapstructure:"region"        yaml:"region,omitempty"`
	Endpoint     string `mapstructure:"endpoint"      yaml:"endpoint,omitempty"      validate:"omitempty,url"`
	AccessKey    string `mapstructure:"access_key"    yaml:"access_key,omitempty"`
	SecretKey    string `mapstructure:"secret_key"    yaml:"secret_key,omitempty"`
	StorageClass string `mapstructure:"storage_class" yaml:"storage_class,omitempty"`
}

// AlertConfig configures the external alerting webhook.
type AlertConfig struct {
	Enabled          bool          `mapstructure:"enabled"           yaml:"enabled"`
	WebhookURL       string        `mapstructure:"webhook_url"       yaml:"webhook_url,omitempty" validate:"omitempty,url"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"     validate:"gte=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"      yaml:"open_timeout"          validate:"gt=0"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address,omitempty"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
}

// SupervisorConfig selects how the application process is stopped and started during a restore.
type SupervisorConfig struct {
	Kind         string   `mapstructure:"kind"          yaml:"kind"          validate:"oneof=none systemd command"`
	Unit         string   `mapstructure:"unit"          yaml:"unit,omitempty"`
	StopCommand  []string `mapstructure:"stop_command"  yaml:"stop_command,omitempty"`
	StartCommand []string `mapstructure:"start_command" yaml:"start_command,omitempty"`
}

// ScheduleConfig carries the cron expressions used by the daemon.
type ScheduleConfig struct {
	Backup   string `mapstructure:"backup"    yaml:"backup"`
	WALCheck string `mapstructure:"wal_check" yaml:"wal_check"`
	Timezone string `mapstructure:"timezone"  yaml:"timezone,omitempty"`
}

// ServerConfig is the daemon's HTTP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// HealthConfig tunes the backup health report.
type HealthConfig struct {
	MaxBackupAge time.Duration `mapstructure:"max_backup_age" yaml:"max_backup_age" validate:"gt=0"`
}

// LogConfig tunes the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"       yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)

	v.SetDefault("backup.directory", "./backups")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.compression", "zstd")
	v.SetDefault("backup.scratch_directory", "")
	v.SetDefault("backup.lock_file", true)
	v.SetDefault("backup.disk_usage_threshold", 0.9)

	v.SetDefault("wal.archive_directory", "./wal_archive")
	v.SetDefault("wal.freshness_window", time.Hour)

	v.SetDefault("datastore.engine", "postgres")
	v.SetDefault("datastore.host", "localhost")
	v.SetDefault("datastore.port", "")
	v.SetDefault("datastore.database", "")
	v.SetDefault("datastore.schema", "public")
	v.SetDefault("datastore.username", "")
	v.SetDefault("datastore.password", "")
	v.SetDefault("datastore.vault_role", "")
	v.SetDefault("datastore.check_tables", []string{"Product", "Location", "Transaction"})

	v.SetDefault("timeouts.dump", 30*time.Minute)
	v.SetDefault("timeouts.restore", time.Hour)
	v.SetDefault("timeouts.wal_apply", 10*time.Minute)
	v.SetDefault("timeouts.check", 30*time.Second)
	v.SetDefault("timeouts.offload", 15*time.Minute)
	v.SetDefault("timeouts.alert", 10*time.Second)

	v.SetDefault("offload.enabled", false)
	v.SetDefault("offload.bucket", "")
	v.SetDefault("offload.prefix", "backups/")
	v.SetDefault("offload.region", "us-east-1")
	v.SetDefault("offload.endpoint", "")
	v.SetDefault("offload.access_key", "")
	v.SetDefault("offload.secret_key", "")
	v.SetDefault("offload.storage_class", "STANDARD_IA")

	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.failure_threshold", 3)
	v.SetDefault("alert.open_timeout", time.Minute)

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.role_id", "")
	v.SetDefault("vault.approle_name", "")

	v.SetDefault("supervisor.kind", "none")
	v.SetDefault("supervisor.unit", "")
	v.SetDefault("supervisor.stop_command", []string{})
	v.SetDefault("supervisor.start_command", []string{})

	v.SetDefault("schedule.backup", "0 2 * * *")
	v.SetDefault("schedule.wal_check", "@hourly")
	v.SetDefault("schedule.timezone", "")

	v.SetDefault("server.listen", "127.0.0.1:9187")
	v.SetDefault("health.max_backup_age", 25*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path loads defaults and environment overrides only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)

		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return nil
}

// Load is a convenience wrapper that loads and validates in one step.
func Load(path string) (Config, error) {
	var cfg Config
	if err := cfg.Load(path); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

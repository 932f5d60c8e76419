// Package config loads the backup tool's configuration from a YAML file and
// the environment. Environment variables override file values.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Backup     BackupConfig     `yaml:"backup"`
	Storage    StorageConfig    `yaml:"storage"`
	Lock       LockConfig       `yaml:"lock"`
	Filter     FilterConfig     `yaml:"filter"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

type BackupConfig struct {
	Name             string  `yaml:"name"`
	DataDir          string  `yaml:"datadir"`
	AriaLogDir       string  `yaml:"aria_log_dir"`
	TargetDir        string  `yaml:"target_dir"`
	Workers          int     `yaml:"workers"`
	NoLock           bool    `yaml:"no_lock"`
	ThrottleMBPerSec float64 `yaml:"throttle_mb_per_sec"`
	// DDLLog is the server's backup DDL log. Relative paths are resolved
	// against DataDir.
	DDLLog string `yaml:"ddl_log"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
	LocalDir   string `yaml:"local_dir"`
	Compress   bool   `yaml:"compress"`
	SpoolDir   string `yaml:"spool_dir"`
}

type LockConfig struct {
	// DSN of the server session used for BACKUP LOCK and BACKUP STAGE.
	// Empty disables locking.
	DSN      string        `yaml:"dsn"`
	LockWait time.Duration `yaml:"lock_wait"`
}

type FilterConfig struct {
	Include          []string `yaml:"include"`
	Exclude          []string `yaml:"exclude"`
	Databases        []string `yaml:"databases"`
	ExcludeDatabases []string `yaml:"exclude_databases"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Backup: BackupConfig{
			DataDir: "/var/lib/mysql",
			Workers: runtime.NumCPU(),
			DDLLog:  "ddl_recovery-backup.log",
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		Lock: LockConfig{
			LockWait: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "hotbackup",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
		},
	}
}

// Load reads path, if not empty, over the defaults and applies environment
// overrides. Callers apply their own overrides and then call Validate.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.Backup.DataDir == "" {
		return errors.New("backup.datadir is required")
	}
	if c.Backup.Workers < 1 {
		return errors.Newf("backup.workers must be at least 1, got %d", c.Backup.Workers)
	}
	if c.Backup.ThrottleMBPerSec < 0 {
		return errors.Newf("backup.throttle_mb_per_sec must not be negative, got %g", c.Backup.ThrottleMBPerSec)
	}
	switch c.Storage.Backend {
	case "local", "file":
		if c.Storage.LocalDir == "" && c.Backup.TargetDir == "" {
			return errors.Newf("storage.local_dir or backup.target_dir is required for %s backend", c.Storage.Backend)
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return errors.Newf("storage.bucket is required for %s backend", c.Storage.Backend)
		}
	case "mem":
	default:
		return errors.Newf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Backup.Name = getenvDefault("HOTBACKUP_NAME", cfg.Backup.Name)
	cfg.Backup.DataDir = getenvDefault("HOTBACKUP_DATADIR", cfg.Backup.DataDir)
	cfg.Backup.AriaLogDir = getenvDefault("HOTBACKUP_ARIA_LOG_DIR", cfg.Backup.AriaLogDir)
	cfg.Backup.TargetDir = getenvDefault("HOTBACKUP_TARGET_DIR", cfg.Backup.TargetDir)
	cfg.Backup.DDLLog = getenvDefault("HOTBACKUP_DDL_LOG", cfg.Backup.DDLLog)
	if v := os.Getenv("HOTBACKUP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse HOTBACKUP_WORKERS")
		}
		cfg.Backup.Workers = n
	}
	if v := os.Getenv("HOTBACKUP_THROTTLE_MB_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "parse HOTBACKUP_THROTTLE_MB_PER_SEC")
		}
		cfg.Backup.ThrottleMBPerSec = f
	}
	cfg.Backup.NoLock = getenvBool("HOTBACKUP_NO_LOCK", cfg.Backup.NoLock)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.LocalDir = getenvDefault("LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Compress = getenvBool("STORAGE_COMPRESS", cfg.Storage.Compress)

	cfg.Lock.DSN = getenvDefault("LOCK_DSN", cfg.Lock.DSN)
	if v := os.Getenv("LOCK_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse LOCK_WAIT")
		}
		cfg.Lock.LockWait = d
	}

	cfg.Filter.Include = getenvList("FILTER_INCLUDE", cfg.Filter.Include)
	cfg.Filter.Exclude = getenvList("FILTER_EXCLUDE", cfg.Filter.Exclude)
	cfg.Filter.Databases = getenvList("FILTER_DATABASES", cfg.Filter.Databases)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)

	cfg.Metrics.Enabled = getenvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	cfg.Checkpoint.Enabled = getenvBool("CHECKPOINT_ENABLED", cfg.Checkpoint.Enabled)
	cfg.Checkpoint.Name = getenvDefault("CHECKPOINT_NAME", cfg.Checkpoint.Name)
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

// getenvList splits a comma-separated variable.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

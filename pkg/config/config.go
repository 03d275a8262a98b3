package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys.
	EnvPrefix = "RUNBOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkspaceRoot is the default directory holding build workspaces.
	DefaultWorkspaceRoot = "./workspace"

	// DefaultReposRoot is the default directory holding bare repository
	// mirrors.
	DefaultReposRoot = "./repos"

	// DefaultNetwork is the default container network name.
	DefaultNetwork = "runboor"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "if-not-present"

	// DefaultCategory is the batch category used for regular pushes.
	DefaultCategory = "default"
)

// Config is the root configuration for runboor.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Container ContainerConfig `yaml:"container" mapstructure:"container"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	GC        GCConfig        `yaml:"gc" mapstructure:"gc"`
	Status    StatusConfig    `yaml:"status" mapstructure:"status"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level" mapstructure:"log_level"`
	Host           string `yaml:"host" mapstructure:"host"`
	WorkspaceRoot  string `yaml:"workspace_root" mapstructure:"workspace_root"`
	WorkspaceOwner string `yaml:"workspace_owner,omitempty" mapstructure:"workspace_owner"`
	ReposRoot      string `yaml:"repos_root" mapstructure:"repos_root"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string                 `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresDatabaseConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresDatabaseConfig contains PostgreSQL connection settings.
type PostgresDatabaseConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// DSN renders the connection string understood by pgx and the gorm driver.
func (c *PostgresDatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ContainerConfig configures the container runtime running build steps.
type ContainerConfig struct {
	Runtime      string `yaml:"runtime" mapstructure:"runtime"`
	Network      string `yaml:"network" mapstructure:"network"`
	Memory       string `yaml:"memory,omitempty" mapstructure:"memory"`
	PullPolicy   string `yaml:"pull_policy" mapstructure:"pull_policy"`
	DefaultImage string `yaml:"default_image,omitempty" mapstructure:"default_image"`
}

// MemoryBytes parses the memory limit. Zero means unlimited.
func (c *ContainerConfig) MemoryBytes() (int64, error) {
	if c.Memory == "" {
		return 0, nil
	}

	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("parsing memory limit %q: %w", c.Memory, err)
	}

	return n, nil
}

// SchedulerConfig configures the per-host job scheduler.
type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxWorkers        int           `yaml:"max_workers" mapstructure:"max_workers"`
	MaxRunning        int           `yaml:"max_running" mapstructure:"max_running"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	StartingPort      int           `yaml:"starting_port" mapstructure:"starting_port"`
	ContainerGrace    time.Duration `yaml:"container_grace" mapstructure:"container_grace"`
	ContainerDeadline time.Duration `yaml:"container_deadline" mapstructure:"container_deadline"`
	DefaultRunStep    string        `yaml:"default_run_step" mapstructure:"default_run_step"`
	ProcessBatches    bool          `yaml:"process_batches" mapstructure:"process_batches"`
}

// BatchConfig configures batch preparation.
type BatchConfig struct {
	Quiescence      time.Duration `yaml:"quiescence" mapstructure:"quiescence"`
	DefaultCategory string        `yaml:"default_category" mapstructure:"default_category"`
	MasterVersion   string        `yaml:"master_version" mapstructure:"master_version"`
}

// GCConfig configures workspace and database retention.
type GCConfig struct {
	RootDays   int           `yaml:"root_days" mapstructure:"root_days"`
	ChildDays  int           `yaml:"child_days" mapstructure:"child_days"`
	FullDays   int           `yaml:"full_days" mapstructure:"full_days"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	AdminDSN   string        `yaml:"admin_dsn,omitempty" mapstructure:"admin_dsn"`
	DBTemplate string        `yaml:"db_template,omitempty" mapstructure:"db_template"`
}

// StatusConfig configures commit status reporting.
type StatusConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	APIURL            string `yaml:"api_url" mapstructure:"api_url"`
	Token             string `yaml:"token,omitempty" mapstructure:"token"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Domain            string `yaml:"domain,omitempty" mapstructure:"domain"`
}

// ArchiveConfig configures archival of build logs before deletion.
type ArchiveConfig struct {
	S3 S3ArchiveConfig `yaml:"s3" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3-compatible storage settings.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// MetricsConfig configures the HTTP endpoint serving metrics and health.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// setDefaults registers every key so env overrides apply even when the
// key is absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.host", "")
	v.SetDefault("global.workspace_root", DefaultWorkspaceRoot)
	v.SetDefault("global.workspace_owner", "")
	v.SetDefault("global.repos_root", DefaultReposRoot)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "runboor.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "runboor")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "runboor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("container.runtime", "docker")
	v.SetDefault("container.network", DefaultNetwork)
	v.SetDefault("container.memory", "")
	v.SetDefault("container.pull_policy", DefaultPullPolicy)
	v.SetDefault("container.default_image", "")

	v.SetDefault("scheduler.poll_interval", 10*time.Second)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.max_workers", 2)
	v.SetDefault("scheduler.max_running", 10)
	v.SetDefault("scheduler.timeout", 10000*time.Second)
	v.SetDefault("scheduler.starting_port", 2000)
	v.SetDefault("scheduler.container_grace", 5*time.Second)
	v.SetDefault("scheduler.container_deadline", 60*time.Second)
	v.SetDefault("scheduler.default_run_step", "run")
	v.SetDefault("scheduler.process_batches", false)

	v.SetDefault("batch.quiescence", 60*time.Second)
	v.SetDefault("batch.default_category", DefaultCategory)
	v.SetDefault("batch.master_version", "master")

	v.SetDefault("gc.root_days", 30)
	v.SetDefault("gc.child_days", 15)
	v.SetDefault("gc.full_days", 365)
	v.SetDefault("gc.interval", time.Hour)
	v.SetDefault("gc.admin_dsn", "")
	v.SetDefault("gc.db_template", "template0")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.api_url", "https://api.github.com")
	v.SetDefault("status.token", "")
	v.SetDefault("status.requests_per_minute", 60)
	v.SetDefault("status.domain", "")

	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.s3.prefix", "builds")
	v.SetDefault("archive.s3.storage_class", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
}

// Load reads the configuration file at path (optional) and applies
// RUNBOOR_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values that can only be resolved at runtime.
func (c *Config) applyDefaults() {
	if c.Global.Host == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Global.Host = hostname
		}
	}

	if c.Batch.DefaultCategory == "" {
		c.Batch.DefaultCategory = DefaultCategory
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Global.Host == "" {
		return fmt.Errorf("global.host is required")
	}

	if c.Global.WorkspaceRoot == "" {
		return fmt.Errorf("global.workspace_root is required")
	}

	if dir := filepath.Dir(c.Global.WorkspaceRoot); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("workspace root parent %q does not exist", dir)
		}
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Container.Runtime {
	case "docker", "podman":
	default:
		return fmt.Errorf("unsupported container runtime %q", c.Container.Runtime)
	}

	switch c.Container.PullPolicy {
	case "always", "if-not-present", "never":
	default:
		return fmt.Errorf("invalid pull policy %q", c.Container.PullPolicy)
	}

	if _, err := c.Container.MemoryBytes(); err != nil {
		return err
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}

	if c.Scheduler.StartingPort < 1 || c.Scheduler.StartingPort > 65535 {
		return fmt.Errorf("scheduler.starting_port %d out of range", c.Scheduler.StartingPort)
	}

	if c.Scheduler.ContainerGrace > c.Scheduler.ContainerDeadline {
		return fmt.Errorf("scheduler.container_grace must not exceed container_deadline")
	}

	if c.GC.RootDays < 0 || c.GC.ChildDays < 0 || c.GC.FullDays < 0 {
		return fmt.Errorf("gc retention days must not be negative")
	}

	if c.Status.Enabled && c.Status.RequestsPerMinute < 1 {
		return fmt.Errorf("status.requests_per_minute must be at least 1")
	}

	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archival is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// Render returns the effective configuration as YAML with secrets masked.
func (c *Config) Render() ([]byte, error) {
	masked := *c
	masked.Database.Postgres.Password = mask(masked.Database.Postgres.Password)
	masked.Status.Token = mask(masked.Status.Token)
	masked.Archive.S3.SecretAccessKey = mask(masked.Archive.S3.SecretAccessKey)
	masked.GC.AdminDSN = mask(masked.GC.AdminDSN)

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}

	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return "********"
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default sqlite database location.
	DefaultSQLitePath = "./playwright-manager.db"

	// DefaultArbitrationTimeout bounds the single arbitration attempt.
	DefaultArbitrationTimeout = "15s"

	// DefaultArbitrationRPM is the default arbitration request budget.
	DefaultArbitrationRPM = 30

	// DefaultRetentionMaxAge is how long runs and results are kept.
	DefaultRetentionMaxAge = "2160h" // 90 days

	// DefaultRetentionSchedule is the cron spec for the retention sweep.
	DefaultRetentionSchedule = "0 3 * * *"

	// DefaultPresignExpiry is the default lifetime of presigned report URLs.
	DefaultPresignExpiry = "1h"
)

// Config is the root configuration for the service.
type Config struct {
	Global      GlobalConfig       `yaml:"global"`
	Database    DatabaseConfig     `yaml:"database"`
	Server      ServerConfig       `yaml:"server"`
	Auth        AuthConfig         `yaml:"auth"`
	Arbitration *ArbitrationConfig `yaml:"arbitration,omitempty"`
	Reports     *ReportsConfig     `yaml:"reports,omitempty"`
	Retention   RetentionConfig    `yaml:"retention"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// AuthConfig contains authentication settings. When disabled the API is
// fully open; when enabled, write operations require HTTP basic auth and
// reads may be allowed anonymously.
type AuthConfig struct {
	Enabled       bool            `yaml:"enabled"`
	AnonymousRead bool            `yaml:"anonymous_read"`
	Users         []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser defines a basic auth user from config.
type BasicAuthUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// ArbitrationConfig configures the optional text-completion collaborator
// used to adjust heuristic flakiness scores. Absent or disabled config is
// a normal operating mode, not an error.
type ArbitrationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key,omitempty"`
	Timeout           string `yaml:"timeout,omitempty"`
	RequestsPerMinute int    `yaml:"requests_per_minute,omitempty"`
}

// TimeoutDuration parses the configured timeout.
func (c *ArbitrationConfig) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.Timeout)
}

// ReportsConfig contains report artifact serving settings. Only one
// backend (S3 or local) may be enabled at a time.
type ReportsConfig struct {
	S3    *S3ReportsConfig    `yaml:"s3,omitempty"`
	Local *LocalReportsConfig `yaml:"local,omitempty"`
}

// LocalReportsConfig serves report files directly from a local directory.
type LocalReportsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// S3ReportsConfig contains S3 settings for presigned report URLs.
type S3ReportsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty"`
}

// RetentionConfig configures the scheduled cleanup of old runs and
// results. Skip rules and error signatures are never purged.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxAge   string `yaml:"max_age,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
}

// MaxAgeDuration parses the configured retention window.
func (c *RetentionConfig) MaxAgeDuration() (time.Duration, error) {
	return time.ParseDuration(c.MaxAge)
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Arbitration != nil {
		if c.Arbitration.Timeout == "" {
			c.Arbitration.Timeout = DefaultArbitrationTimeout
		}

		if c.Arbitration.RequestsPerMinute == 0 {
			c.Arbitration.RequestsPerMinute = DefaultArbitrationRPM
		}
	}

	if c.Reports != nil && c.Reports.S3 != nil && c.Reports.S3.PresignExpiry == "" {
		c.Reports.S3.PresignExpiry = DefaultPresignExpiry
	}

	if c.Retention.MaxAge == "" {
		c.Retention.MaxAge = DefaultRetentionMaxAge
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = DefaultRetentionSchedule
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth is enabled but no users are configured")
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("auth user %d: username and password are required", i)
		}
	}

	if c.Arbitration != nil && c.Arbitration.Enabled {
		if c.Arbitration.Endpoint == "" {
			return fmt.Errorf("arbitration.endpoint is required when arbitration is enabled")
		}

		if c.Arbitration.Model == "" {
			return fmt.Errorf("arbitration.model is required when arbitration is enabled")
		}

		if _, err := c.Arbitration.TimeoutDuration(); err != nil {
			return fmt.Errorf("parsing arbitration.timeout: %w", err)
		}
	}

	if c.Reports != nil {
		s3Enabled := c.Reports.S3 != nil && c.Reports.S3.Enabled
		localEnabled := c.Reports.Local != nil && c.Reports.Local.Enabled

		if s3Enabled && localEnabled {
			return fmt.Errorf("only one report backend (s3 or local) may be enabled")
		}

		if s3Enabled && c.Reports.S3.Bucket == "" {
			return fmt.Errorf("reports.s3.bucket is required")
		}

		if localEnabled && c.Reports.Local.Dir == "" {
			return fmt.Errorf("reports.local.dir is required")
		}
	}

	if c.Retention.Enabled {
		if _, err := c.Retention.MaxAgeDuration(); err != nil {
			return fmt.Errorf("parsing retention.max_age: %w", err)
		}
	}

	return nil
}

// ArbitrationEnabled reports whether the arbitration collaborator is
// configured and enabled.
func (c *Config) ArbitrationEnabled() bool {
	return c.Arbitration != nil && c.Arbitration.Enabled
}

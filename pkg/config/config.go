package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultQueueWorkers is the default number of task queue workers.
	DefaultQueueWorkers = 4

	// DefaultWatchdogInterval is the default Trillian health check interval.
	DefaultWatchdogInterval = "60s"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./zaphod.db"
)

// Config is the root configuration for zaphod.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Queue     QueueConfig      `yaml:"queue"`
	Watchdog  WatchdogConfig   `yaml:"watchdog"`
	Trillians []TrillianConfig `yaml:"trillians,omitempty"`
}

// TrillianConfig declares a remote Trillian node. The list is seeded
// into the database at startup.
type TrillianConfig struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
	Token    string `yaml:"token"`
	Country  string `yaml:"country,omitempty"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// PublicURL is the externally reachable base URL of this server,
	// used to build the callback URLs handed to Trillian nodes.
	PublicURL string `yaml:"public_url"`

	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Callback RateLimitTier `yaml:"callback,omitempty"`
	Public   RateLimitTier `yaml:"public,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
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

// QueueConfig contains background task queue settings.
type QueueConfig struct {
	Workers int `yaml:"workers"`
}

// WatchdogConfig contains Trillian health check settings.
type WatchdogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval,omitempty"`
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
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = DefaultQueueWorkers
	}

	if c.Watchdog.Interval == "" {
		c.Watchdog.Interval = DefaultWatchdogInterval
	}

	if c.Server.RateLimit.Callback.RequestsPerMinute <= 0 {
		c.Server.RateLimit.Callback.RequestsPerMinute = 120
	}

	if c.Server.RateLimit.Public.RequestsPerMinute <= 0 {
		c.Server.RateLimit.Public.RequestsPerMinute = 60
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

	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}

	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.public_url must be an absolute URL")
	}

	if _, err := c.WatchdogInterval(); err != nil {
		return fmt.Errorf("parsing watchdog.interval: %w", err)
	}

	for i, trillian := range c.Trillians {
		if trillian.Name == "" {
			return fmt.Errorf("trillians[%d].name is required", i)
		}

		if trillian.Hostname == "" {
			return fmt.Errorf("trillians[%d].hostname is required", i)
		}
	}

	return nil
}

// WatchdogInterval returns the parsed Trillian health check interval.
func (c *Config) WatchdogInterval() (time.Duration, error) {
	return time.ParseDuration(c.Watchdog.Interval)
}

// CallbackURL returns the callback URL for an instance run, built from
// the configured public URL. Trillian nodes report results back to it.
func (c *Config) CallbackURL(instanceRunID uint) string {
	base := strings.TrimRight(c.Server.PublicURL, "/")

	return fmt.Sprintf("%s/api/v1/instanceruns/%d/", base, instanceRunID)
}

// Package config provides configuration types and loading for oragate
// services: defaults, an optional YAML file, env.config (KEY=VALUE)
// entries and environment variable overrides, applied in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gliderlab/oragate/convstore"
	"github.com/gliderlab/oragate/cursor"
	"github.com/gliderlab/oragate/executor"
)

// Config combines all service configurations.
type Config struct {
	Oracle  executor.Config         `yaml:"oracle"`
	Store   convstore.Config        `yaml:"store"`
	Cursor  cursor.Config           `yaml:"cursor"`
	Janitor convstore.JanitorConfig `yaml:"janitor"`
}

// Default returns a complete default configuration.
func Default() *Config {
	return &Config{
		Oracle:  executor.DefaultConfig(""),
		Store:   convstore.DefaultConfig(),
		Cursor:  cursor.DefaultConfig(),
		Janitor: convstore.DefaultJanitorConfig(),
	}
}

// duration accepts "30s" / "5m" style values in YAML, which the plain
// time.Duration decoder does not.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = duration(time.Duration(n) * time.Second)
	return nil
}

// fileConfig mirrors Config for YAML decoding. It is pre-filled from
// the live config so absent keys keep their current values.
type fileConfig struct {
	Oracle struct {
		DSN             string   `yaml:"dsn"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime duration `yaml:"conn_max_lifetime"`
		AcquireRetries  int      `yaml:"acquire_retries"`
		AcquireBackoff  duration `yaml:"acquire_backoff"`
		DefaultTimeout  duration `yaml:"default_timeout"`
		DefaultMaxRows  int      `yaml:"default_max_rows"`
		FetchArraySize  int      `yaml:"fetch_array_size"`
	} `yaml:"oracle"`
	Store struct {
		SQLitePath      string   `yaml:"sqlite_path"`
		PostgresDSN     string   `yaml:"postgres_dsn"`
		BadgerDir       string   `yaml:"badger_dir"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime duration `yaml:"conn_max_lifetime"`
		WalMode         bool     `yaml:"wal_mode"`
		SyncMode        string   `yaml:"sync_mode"`
		SnapshotKeep    int      `yaml:"snapshot_keep"`
	} `yaml:"store"`
	Cursor struct {
		Capacity        int      `yaml:"capacity"`
		MinPageSize     int      `yaml:"min_page_size"`
		MaxPageSize     int      `yaml:"max_page_size"`
		DefaultPageSize int      `yaml:"default_page_size"`
		IdleTTL         duration `yaml:"idle_ttl"`
		SweepInterval   duration `yaml:"sweep_interval"`
	} `yaml:"cursor"`
	Janitor struct {
		RetentionInterval duration `yaml:"retention_interval"`
		BackupInterval    duration `yaml:"backup_interval"`
		BackupDir         string   `yaml:"backup_dir"`
	} `yaml:"janitor"`
}

// LoadFile merges a YAML file over the receiver. A missing file is not
// an error; defaults stand.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var f fileConfig
	f.Oracle.DSN = c.Oracle.DSN
	f.Oracle.MaxOpenConns = c.Oracle.MaxOpenConns
	f.Oracle.MaxIdleConns = c.Oracle.MaxIdleConns
	f.Oracle.ConnMaxLifetime = duration(c.Oracle.ConnMaxLifetime)
	f.Oracle.AcquireRetries = c.Oracle.AcquireRetries
	f.Oracle.AcquireBackoff = duration(c.Oracle.AcquireBackoff)
	f.Oracle.DefaultTimeout = duration(c.Oracle.DefaultTimeout)
	f.Oracle.DefaultMaxRows = c.Oracle.DefaultMaxRows
	f.Oracle.FetchArraySize = c.Oracle.FetchArraySize
	f.Store.SQLitePath = c.Store.SQLitePath
	f.Store.PostgresDSN = c.Store.PostgresDSN
	f.Store.BadgerDir = c.Store.BadgerDir
	f.Store.MaxOpenConns = c.Store.MaxOpenConns
	f.Store.MaxIdleConns = c.Store.MaxIdleConns
	f.Store.ConnMaxLifetime = duration(c.Store.ConnMaxLifetime)
	f.Store.WalMode = c.Store.WalMode
	f.Store.SyncMode = c.Store.SyncMode
	f.Store.SnapshotKeep = c.Store.SnapshotKeep
	f.Cursor.Capacity = c.Cursor.Capacity
	f.Cursor.MinPageSize = c.Cursor.MinPageSize
	f.Cursor.MaxPageSize = c.Cursor.MaxPageSize
	f.Cursor.DefaultPageSize = c.Cursor.DefaultPageSize
	f.Cursor.IdleTTL = duration(c.Cursor.IdleTTL)
	f.Cursor.SweepInterval = duration(c.Cursor.SweepInterval)
	f.Janitor.RetentionInterval = duration(c.Janitor.RetentionInterval)
	f.Janitor.BackupInterval = duration(c.Janitor.BackupInterval)
	f.Janitor.BackupDir = c.Janitor.BackupDir

	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.Oracle.DSN = f.Oracle.DSN
	c.Oracle.MaxOpenConns = f.Oracle.MaxOpenConns
	c.Oracle.MaxIdleConns = f.Oracle.MaxIdleConns
	c.Oracle.ConnMaxLifetime = time.Duration(f.Oracle.ConnMaxLifetime)
	c.Oracle.AcquireRetries = f.Oracle.AcquireRetries
	c.Oracle.AcquireBackoff = time.Duration(f.Oracle.AcquireBackoff)
	c.Oracle.DefaultTimeout = time.Duration(f.Oracle.DefaultTimeout)
	c.Oracle.DefaultMaxRows = f.Oracle.DefaultMaxRows
	c.Oracle.FetchArraySize = f.Oracle.FetchArraySize
	c.Store.SQLitePath = f.Store.SQLitePath
	c.Store.PostgresDSN = f.Store.PostgresDSN
	c.Store.BadgerDir = f.Store.BadgerDir
	c.Store.MaxOpenConns = f.Store.MaxOpenConns
	c.Store.MaxIdleConns = f.Store.MaxIdleConns
	c.Store.ConnMaxLifetime = time.Duration(f.Store.ConnMaxLifetime)
	c.Store.WalMode = f.Store.WalMode
	c.Store.SyncMode = f.Store.SyncMode
	c.Store.SnapshotKeep = f.Store.SnapshotKeep
	c.Cursor.Capacity = f.Cursor.Capacity
	c.Cursor.MinPageSize = f.Cursor.MinPageSize
	c.Cursor.MaxPageSize = f.Cursor.MaxPageSize
	c.Cursor.DefaultPageSize = f.Cursor.DefaultPageSize
	c.Cursor.IdleTTL = time.Duration(f.Cursor.IdleTTL)
	c.Cursor.SweepInterval = time.Duration(f.Cursor.SweepInterval)
	c.Janitor.RetentionInterval = time.Duration(f.Janitor.RetentionInterval)
	c.Janitor.BackupInterval = time.Duration(f.Janitor.BackupInterval)
	c.Janitor.BackupDir = f.Janitor.BackupDir
	return nil
}

// LoadEnvConfig applies env.config (KEY=VALUE) entries using the same
// keys as environment variable overrides, without the prefix.
func (c *Config) LoadEnvConfig(path string) {
	entries := ReadEnvConfig(path)
	c.apply(func(key string) string { return entries[key] })
}

// LoadFromEnv overrides configuration with environment variables, e.g.
// prefix "ORAGATE_" reads ORAGATE_ORACLE_DSN.
func (c *Config) LoadFromEnv(prefix string) {
	c.apply(func(key string) string { return os.Getenv(prefix + key) })
}

func (c *Config) apply(get func(string) string) {
	// Oracle overrides
	if v := get("ORACLE_DSN"); v != "" {
		c.Oracle.DSN = v
	}
	if v := get("ORACLE_MAX_CONNS"); v != "" {
		c.Oracle.MaxOpenConns = parseInt(v, c.Oracle.MaxOpenConns)
	}
	if v := get("ORACLE_TIMEOUT"); v != "" {
		c.Oracle.DefaultTimeout = parseDuration(v, c.Oracle.DefaultTimeout)
	}
	if v := get("ORACLE_MAX_ROWS"); v != "" {
		c.Oracle.DefaultMaxRows = parseInt(v, c.Oracle.DefaultMaxRows)
	}
	if v := get("ORACLE_PREFETCH_ROWS"); v != "" {
		c.Oracle.FetchArraySize = parseInt(v, c.Oracle.FetchArraySize)
	}

	// Store overrides
	if v := get("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := get("POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := get("BADGER_DIR"); v != "" {
		c.Store.BadgerDir = v
	}

	// Cursor overrides
	if v := get("CURSOR_CAPACITY"); v != "" {
		c.Cursor.Capacity = parseInt(v, c.Cursor.Capacity)
	}
	if v := get("CURSOR_PAGE_SIZE"); v != "" {
		c.Cursor.DefaultPageSize = parseInt(v, c.Cursor.DefaultPageSize)
	}
	if v := get("CURSOR_IDLE_TTL"); v != "" {
		c.Cursor.IdleTTL = parseDuration(v, c.Cursor.IdleTTL)
	}

	// Janitor overrides
	if v := get("RETENTION_INTERVAL"); v != "" {
		c.Janitor.RetentionInterval = parseDuration(v, c.Janitor.RetentionInterval)
	}
	if v := get("BACKUP_INTERVAL"); v != "" {
		c.Janitor.BackupInterval = parseDuration(v, c.Janitor.BackupInterval)
	}
	if v := get("BACKUP_DIR"); v != "" {
		c.Janitor.BackupDir = v
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// (if any), then env.config (if any), then environment variables.
func Load(filePath, envConfigPath, envPrefix string) (*Config, error) {
	c := Default()
	if filePath != "" {
		if err := c.LoadFile(filePath); err != nil {
			return nil, err
		}
	}
	if envConfigPath != "" {
		c.LoadEnvConfig(envConfigPath)
	}
	if envPrefix != "" {
		c.LoadFromEnv(envPrefix)
	}
	return c, nil
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

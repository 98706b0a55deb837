// Package config loads the chatvault configuration document. Values come from
// built-in defaults, then <data_dir>/config.yaml, then CHATVAULT_* environment
// variables (CHATVAULT_SYNC_INTERVAL_SECS overrides sync.interval_secs).
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/source"
)

const (
	EnvPrefix      = "CHATVAULT"
	FileName       = "config.yaml"
	defaultDataDir = ".chatvault"
	bytesPerGB     = 1 << 30
)

type Config struct {
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync" json:"sync"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage" json:"storage"`
	Paths   PathsConfig   `yaml:"paths" mapstructure:"paths" json:"paths"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics" json:"metrics"`
}

type SyncConfig struct {
	IntervalSecs       int     `yaml:"interval_secs" mapstructure:"interval_secs" json:"interval_secs"`
	Enabled            bool    `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Jitter             float64 `yaml:"jitter" mapstructure:"jitter" json:"jitter"`
	ReadTimeoutSecs    int     `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs" json:"read_timeout_secs"`
	WipeThreshold      float64 `yaml:"wipe_threshold" mapstructure:"wipe_threshold" json:"wipe_threshold"`
	WipeDebounceTicks  int     `yaml:"wipe_debounce_ticks" mapstructure:"wipe_debounce_ticks" json:"wipe_debounce_ticks"`
	MinHistory         int     `yaml:"min_history" mapstructure:"min_history" json:"min_history"`
	AutoRestore        bool    `yaml:"auto_restore" mapstructure:"auto_restore" json:"auto_restore"`
	WatchSources       bool    `yaml:"watch_sources" mapstructure:"watch_sources" json:"watch_sources"`
	MaxParallelSources int     `yaml:"max_parallel_sources" mapstructure:"max_parallel_sources" json:"max_parallel_sources"`
}

type StorageConfig struct {
	MaxSizeGB           float64 `yaml:"max_size_gb" mapstructure:"max_size_gb" json:"max_size_gb"`
	BackupRetentionDays int     `yaml:"backup_retention_days" mapstructure:"backup_retention_days" json:"backup_retention_days"`
	Compression         bool    `yaml:"compression" mapstructure:"compression" json:"compression"`
	RecencyFloorHours   int     `yaml:"recency_floor_hours" mapstructure:"recency_floor_hours" json:"recency_floor_hours"`
	DSN                 string  `yaml:"dsn,omitempty" mapstructure:"dsn" json:"dsn"`
}

type PathsConfig struct {
	DataDir   string `yaml:"data_dir,omitempty" mapstructure:"data_dir" json:"data_dir"`
	CursorDir string `yaml:"cursor_dir,omitempty" mapstructure:"cursor_dir" json:"cursor_dir"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty" mapstructure:"textfile" json:"textfile"`
}

func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			IntervalSecs:       120,
			Enabled:            true,
			Jitter:             0.1,
			ReadTimeoutSecs:    30,
			WipeThreshold:      0.5,
			WipeDebounceTicks:  2,
			MinHistory:         1,
			AutoRestore:        true,
			MaxParallelSources: 4,
		},
		Storage: StorageConfig{
			MaxSizeGB:           10,
			BackupRetentionDays: 30,
			Compression:         true,
			RecencyFloorHours:   24,
		},
	}
}

// DefaultDataDir honors CHATVAULT_DATA_DIR before falling back to ~/.chatvault.
func DefaultDataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_DATA_DIR")); dir != "" {
		return expandHome(dir)
	}
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_PATHS_DATA_DIR")); dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(homeDir(), defaultDataDir)
}

func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), FileName)
}

// Load reads the document at path, or DefaultPath when path is empty. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", chatvault.ErrInvalidConfig, path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", chatvault.ErrInvalidConfig, err)
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = filepath.Dir(path)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("sync.interval_secs", cfg.Sync.IntervalSecs)
	v.SetDefault("sync.enabled", cfg.Sync.Enabled)
	v.SetDefault("sync.jitter", cfg.Sync.Jitter)
	v.SetDefault("sync.read_timeout_secs", cfg.Sync.ReadTimeoutSecs)
	v.SetDefault("sync.wipe_threshold", cfg.Sync.WipeThreshold)
	v.SetDefault("sync.wipe_debounce_ticks", cfg.Sync.WipeDebounceTicks)
	v.SetDefault("sync.min_history", cfg.Sync.MinHistory)
	v.SetDefault("sync.auto_restore", cfg.Sync.AutoRestore)
	v.SetDefault("sync.watch_sources", cfg.Sync.WatchSources)
	v.SetDefault("sync.max_parallel_sources", cfg.Sync.MaxParallelSources)
	v.SetDefault("storage.max_size_gb", cfg.Storage.MaxSizeGB)
	v.SetDefault("storage.backup_retention_days", cfg.Storage.BackupRetentionDays)
	v.SetDefault("storage.compression", cfg.Storage.Compression)
	v.SetDefault("storage.recency_floor_hours", cfg.Storage.RecencyFloorHours)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("paths.data_dir", cfg.Paths.DataDir)
	v.SetDefault("paths.cursor_dir", cfg.Paths.CursorDir)
	v.SetDefault("metrics.textfile", cfg.Metrics.Textfile)
}

func (c *Config) resolvePaths() {
	c.Paths.DataDir = expandHome(strings.TrimSpace(c.Paths.DataDir))
	if c.Paths.DataDir != "" && !filepath.IsAbs(c.Paths.DataDir) {
		if abs, err := filepath.Abs(c.Paths.DataDir); err == nil {
			c.Paths.DataDir = abs
		}
	}
	c.Paths.CursorDir = expandHome(strings.TrimSpace(c.Paths.CursorDir))
	if c.Paths.CursorDir == "" {
		c.Paths.CursorDir = source.DetectCursorDir(homeDir())
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Metrics.Textfile = expandHome(strings.TrimSpace(c.Metrics.Textfile))
}

// Validate checks the document against the embedded JSON Schema and then
// the rules the schema cannot express.
func (c *Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if c.Paths.DataDir != "" && !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("%w: paths.data_dir must be absolute, got %q", chatvault.ErrInvalidConfig, c.Paths.DataDir)
	}
	if c.Storage.BackupRetentionDays > 0 && c.Storage.RecencyFloorHours > c.Storage.BackupRetentionDays*24 {
		return fmt.Errorf("%w: storage.recency_floor_hours (%d) exceeds the retention window (%d days)", chatvault.ErrInvalidConfig, c.Storage.RecencyFloorHours, c.Storage.BackupRetentionDays)
	}
	return nil
}

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "https://chatvault.local/config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

func validateSchema(c *Config) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", chatvault.ErrInvalidConfig, err)
	}
	return nil
}

// Save writes c as YAML, replacing any existing file atomically.
func Save(path string, c *Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSecs) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Sync.ReadTimeoutSecs) * time.Second
}

func (c *Config) RecencyFloor() time.Duration {
	return time.Duration(c.Storage.RecencyFloorHours) * time.Hour
}

// QuotaBytes is the storage quota in bytes; zero disables quota enforcement.
func (c *Config) QuotaBytes() int64 {
	return int64(c.Storage.MaxSizeGB * bytesPerGB)
}

func (c *Config) StoreDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return filepath.Join(c.Paths.DataDir, "storage.db")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "daemon.lock")
}

func (c *Config) TickLockPath() string {
	return filepath.Join(c.Paths.DataDir, "tick.lock")
}

func (c *Config) RestoreQueuePath() string {
	return filepath.Join(c.Paths.DataDir, "restore-queue.json")
}

func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.DataDir, "daemon.log")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir(), rest)
	}
	return path
}

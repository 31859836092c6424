// Package config loads the engine configuration from
// ~/.taskerino/config.yaml. The file is optional; every field has a
// default. Parsed YAML is validated against a CUE schema before use so a
// typo'd backend name or malformed duration fails with a position-free but
// precise message instead of silently selecting a default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskerino/taskerino/internal/storage"
)

// Config is the resolved engine configuration.
type Config struct {
	// DataDir holds collections, the WAL, and the backup namespace.
	DataDir string

	// Backend selects the collection store implementation.
	Backend storage.Kind

	// Debounce is the persistence queue's batching window.
	Debounce time.Duration

	// BackupHorizon is how long snapshots are retained.
	BackupHorizon time.Duration

	// BackupInterval is the periodic snapshot interval.
	BackupInterval time.Duration
}

// rawConfig mirrors the YAML file shape.
type rawConfig struct {
	DataDir  string `yaml:"data_dir"`
	Backend  string `yaml:"backend"`
	Debounce string `yaml:"debounce"`
	Backup   struct {
		Horizon  string `yaml:"horizon"`
		Interval string `yaml:"interval"`
	} `yaml:"backup"`
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Config{
		DataDir:        filepath.Join(home, ".taskerino", "data"),
		Backend:        storage.KindFilesystem,
		Debounce:       5 * time.Second,
		BackupHorizon:  7 * 24 * time.Hour,
		BackupInterval: time.Hour,
	}, nil
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".taskerino", "config.yaml"), nil
}

// Load reads, schema-validates, and resolves the config file at path. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if raw.DataDir != "" {
		cfg.DataDir = expandHome(raw.DataDir)
	}
	if raw.Backend != "" {
		cfg.Backend = storage.Kind(raw.Backend)
	}
	if err := overrideDuration(&cfg.Debounce, raw.Debounce); err != nil {
		return nil, fmt.Errorf("config debounce: %w", err)
	}
	if err := overrideDuration(&cfg.BackupHorizon, raw.Backup.Horizon); err != nil {
		return nil, fmt.Errorf("config backup.horizon: %w", err)
	}
	if err := overrideDuration(&cfg.BackupInterval, raw.Backup.Interval); err != nil {
		return nil, fmt.Errorf("config backup.interval: %w", err)
	}
	return cfg, nil
}

func overrideDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// WALPath returns the WAL file location inside the data dir.
func (c *Config) WALPath() string {
	return filepath.Join(c.DataDir, "wal.log")
}

// BackupDir returns the backup namespace inside the data dir.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

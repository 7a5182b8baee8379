package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// cryptsetup
	CryptsetupPath string `mapstructure:"cryptsetup-path"`
	MapperDir      string `mapstructure:"mapper-dir"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory for header images
	WorkDir string `mapstructure:"work-dir"`

	// S3 configuration for header backups
	S3Bucket     string `mapstructure:"s3-bucket"`
	S3Region     string `mapstructure:"s3-region"`
	HeaderBackup bool   `mapstructure:"header-backup"`

	// Block device settling after a partition rescan
	SettleDelay time.Duration `mapstructure:"settle-delay"`

	// Key file limits
	MaxKeyFileSize int64 `mapstructure:"max-key-file-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("cryptsetup-path", "/usr/bin/cryptsetup")
	viper.SetDefault("mapper-dir", "/dev/mapper")
	viper.SetDefault("sqlite-path", "/var/lib/cryptvol/volumes.db")
	viper.SetDefault("fsm-db-path", "/var/lib/cryptvol/fsm.db")
	viper.SetDefault("work-dir", "/var/lib/cryptvol/work")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("header-backup", false)
	viper.SetDefault("settle-delay", time.Second)
	viper.SetDefault("max-key-file-size", 8*1024*1024)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")
	viper.SetDefault("log-file", "")

	// Environment variables (will be CRYPTVOL_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("CRYPTVOL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.cryptvol")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CryptsetupPath == "" {
		return fmt.Errorf("cryptsetup-path cannot be empty")
	}
	if !filepath.IsAbs(c.MapperDir) {
		return fmt.Errorf("mapper-dir must be an absolute path")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.HeaderBackup && c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty when header-backup is enabled")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle-delay must be non-negative")
	}
	if c.MaxKeyFileSize <= 0 {
		return fmt.Errorf("max-key-file-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return level, nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Working and output directories
	WorkDir   string `mapstructure:"work-dir"`
	OutputDir string `mapstructure:"output-dir"`

	// Database paths
	JournalPath string `mapstructure:"journal-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Source catalog
	SourceBaseURL string `mapstructure:"source-base-url"`
	KeyringPath   string `mapstructure:"keyring-path"`

	// Transfer behavior. The catalog host serves a certificate that fails
	// hostname verification, so insecure transfer defaults on; every run
	// logs a warning while it stays enabled.
	InsecureTransfer bool   `mapstructure:"insecure-transfer"`
	S3Region         string `mapstructure:"s3-region"`

	// Derived-image creation
	PrepareScript string `mapstructure:"prepare-script"`
	Compression   string `mapstructure:"compression"`

	// Conversion instance shape
	InstanceBrand string `mapstructure:"instance-brand"`
	InstanceRAMMB int    `mapstructure:"instance-ram-mb"`
	InstanceVCPUs int    `mapstructure:"instance-vcpus"`

	// Extraction security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("work-dir", "/var/tmp/imgderive")
	viper.SetDefault("output-dir", ".")
	viper.SetDefault("journal-path", ".artifacts/runs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("source-base-url", "https://images.smartos.org/images")
	viper.SetDefault("keyring-path", "/usr/share/keyrings/images-certified.gpg")
	viper.SetDefault("insecure-transfer", true)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("prepare-script", "/usr/share/imgderive/prepare-image.sh")
	viper.SetDefault("compression", "gzip")
	viper.SetDefault("instance-brand", "bhyve")
	viper.SetDefault("instance-ram-mb", 256)
	viper.SetDefault("instance-vcpus", 1)
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)

	// Environment variables (will be IMGDERIVE_WORK_DIR, etc.)
	viper.SetEnvPrefix("IMGDERIVE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.imgderive")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output-dir cannot be empty")
	}
	if c.JournalPath == "" {
		return fmt.Errorf("journal-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.SourceBaseURL == "" {
		return fmt.Errorf("source-base-url cannot be empty")
	}
	if c.Compression == "" {
		return fmt.Errorf("compression cannot be empty")
	}
	if c.InstanceRAMMB <= 0 {
		return fmt.Errorf("instance-ram-mb must be positive")
	}
	if c.InstanceVCPUs <= 0 {
		return fmt.Errorf("instance-vcpus must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	return nil
}

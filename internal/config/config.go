package config

import (
	"strings"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Region  string `mapstructure:"region"`
	Verbose bool   `mapstructure:"verbose"`

	// Helper instances
	StatusPort            int    `mapstructure:"status-port"`
	InstanceType          string `mapstructure:"instance-type"`
	EncryptorInstanceType string `mapstructure:"encryptor-instance-type"`

	// Timeouts
	ProgressTimeout time.Duration `mapstructure:"progress-timeout"`
	AgentUpTimeout  time.Duration `mapstructure:"agent-up-timeout"`
	InstanceTimeout time.Duration `mapstructure:"instance-timeout"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot-timeout"`
	ImageTimeout    time.Duration `mapstructure:"image-timeout"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup-timeout"`

	// ConsoleOutputDir receives helper console output on failure
	ConsoleOutputDir string `mapstructure:"console-output-dir"`

	// Session history
	SQLitePath    string `mapstructure:"sqlite-path"`
	FSMDBDir      string `mapstructure:"fsm-db-dir"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// Published encryptor images
	AMIsBucket string `mapstructure:"amis-bucket"`

	// Compute Engine
	GCEProject string `mapstructure:"gce-project"`
	GCEZone    string `mapstructure:"gce-zone"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("region", "us-west-2")
	viper.SetDefault("verbose", false)
	viper.SetDefault("status-port", 8000)
	viper.SetDefault("instance-type", "m4.large")
	viper.SetDefault("encryptor-instance-type", "c4.xlarge")
	viper.SetDefault("progress-timeout", 10*time.Minute)
	viper.SetDefault("agent-up-timeout", 10*time.Minute)
	viper.SetDefault("instance-timeout", 5*time.Minute)
	viper.SetDefault("snapshot-timeout", time.Hour)
	viper.SetDefault("image-timeout", 15*time.Minute)
	viper.SetDefault("cleanup-timeout", 10*time.Minute)
	viper.SetDefault("console-output-dir", "")
	viper.SetDefault("sqlite-path", ".brkt/sessions.db")
	viper.SetDefault("fsm-db-dir", ".brkt/fsm")
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("amis-bucket", "solo-brkt-prod-net")
	viper.SetDefault("gce-project", "")
	viper.SetDefault("gce-zone", "us-central1-a")

	// Environment variables (BRKT_REGION, BRKT_STATUS_PORT, etc.)
	viper.SetEnvPrefix("BRKT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.brkt")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return errors.Validationf("sqlite-path cannot be empty")
	}
	if c.FSMDBDir == "" {
		return errors.Validationf("fsm-db-dir cannot be empty")
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return errors.Validationf("status-port must be between 1 and 65535")
	}
	if c.InstanceType == "" || c.EncryptorInstanceType == "" {
		return errors.Validationf("instance types cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		"progress-timeout": c.ProgressTimeout,
		"agent-up-timeout": c.AgentUpTimeout,
		"instance-timeout": c.InstanceTimeout,
		"snapshot-timeout": c.SnapshotTimeout,
		"image-timeout":    c.ImageTimeout,
		"cleanup-timeout":  c.CleanupTimeout,
	} {
		if d <= 0 {
			return errors.Validationf("%s must be positive", name)
		}
	}
	if c.FSMMaxRetries < 0 {
		return errors.Validationf("fsm-max-retries must be non-negative")
	}
	return nil
}

// ValidateAWS checks the keys the EC2 workflows need.
func (c *Config) ValidateAWS() error {
	if c.Region == "" {
		return errors.Validationf("region cannot be empty")
	}
	if c.AMIsBucket == "" {
		return errors.Validationf("amis-bucket cannot be empty")
	}
	return nil
}

// ValidateGCE checks the keys the Compute Engine workflows need.
func (c *Config) ValidateGCE() error {
	if c.GCEProject == "" {
		return errors.Validationf("gce-project cannot be empty")
	}
	if c.GCEZone == "" {
		return errors.Validationf("gce-zone cannot be empty")
	}
	return nil
}

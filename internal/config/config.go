package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline service
type Config struct {
	// Server configuration
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Database configuration
	DatabasePath string `mapstructure:"database_path"`

	// Storage configuration
	StorePath string `mapstructure:"store_path"` // finished job archives
	WorkPath  string `mapstructure:"work_path"`  // per-job checkouts

	// Repositories registered at start
	Repositories []string `mapstructure:"repositories"`

	// Execution configuration
	Runner           string `mapstructure:"runner"`            // host or container
	ContainerRuntime string `mapstructure:"container_runtime"` // podman or docker
	ContainerImage   string `mapstructure:"container_image"`

	// Job configuration
	MaxPendingJobs          int `mapstructure:"max_pending_jobs"` // 0 is unbounded
	JobTimeoutSeconds       int `mapstructure:"job_timeout_seconds"`
	KillGraceSeconds        int `mapstructure:"kill_grace_seconds"`
	LivenessDeadlineSeconds int `mapstructure:"liveness_deadline_seconds"`
	SweepIntervalSeconds    int `mapstructure:"sweep_interval_seconds"`
	TailPollMillis          int `mapstructure:"tail_poll_millis"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadConfig loads configuration from environment and config file. A
// non-empty path reads that file instead of searching the default locations.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("BUILDOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Try to read config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/buildos/")
		v.AddConfigPath("$HOME/.buildos")
		v.AddConfigPath(".")
	}

	// Config file is optional unless given explicitly
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// BUILDOS_SERVE takes a comma separated list of git URIs
	if serve := v.GetString("serve"); serve != "" {
		config.Repositories = append(config.Repositories, splitList(serve)...)
	}
	// A list given through the environment arrives as one string
	if len(config.Repositories) == 1 && strings.Contains(config.Repositories[0], ",") {
		config.Repositories = splitList(config.Repositories[0])
	}

	if config.LivenessDeadlineSeconds == 0 {
		config.LivenessDeadlineSeconds = config.JobTimeoutSeconds + 120
	}

	// Expand paths
	if err := config.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	// Database defaults
	v.SetDefault("database_path", "./data/buildos.db")

	// Storage defaults
	v.SetDefault("store_path", "./data/artifacts")
	v.SetDefault("work_path", "./data/work")

	// Repositories
	v.SetDefault("repositories", []string{})
	v.SetDefault("serve", "")

	// Execution defaults
	v.SetDefault("runner", "host")
	v.SetDefault("container_runtime", "podman")
	v.SetDefault("container_image", "docker.io/library/alpine:3.20")

	// Job defaults
	v.SetDefault("max_pending_jobs", 0) // unbounded
	v.SetDefault("job_timeout_seconds", 3600) // 1 hour
	v.SetDefault("kill_grace_seconds", 10)
	v.SetDefault("liveness_deadline_seconds", 0) // job timeout + 2 minutes
	v.SetDefault("sweep_interval_seconds", 30)
	v.SetDefault("tail_poll_millis", 500)

	// Metrics
	v.SetDefault("metrics_enabled", true)

	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) expandPaths() error {
	var err error

	c.DatabasePath, err = expandPath(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}

	c.StorePath, err = expandPath(c.StorePath)
	if err != nil {
		return fmt.Errorf("failed to expand store_path: %w", err)
	}

	c.WorkPath, err = expandPath(c.WorkPath)
	if err != nil {
		return fmt.Errorf("failed to expand work_path: %w", err)
	}

	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	// Get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return absPath, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	if c.Runner != "host" && c.Runner != "container" {
		return fmt.Errorf("runner must be 'host' or 'container'")
	}

	if c.ContainerRuntime != "podman" && c.ContainerRuntime != "docker" {
		return fmt.Errorf("container_runtime must be 'podman' or 'docker'")
	}

	if c.Runner == "container" && c.ContainerImage == "" {
		return fmt.Errorf("container_image is required for the container runner")
	}

	if c.MaxPendingJobs < 0 {
		return fmt.Errorf("max_pending_jobs must not be negative")
	}

	if c.JobTimeoutSeconds < 1 {
		return fmt.Errorf("job_timeout_seconds must be positive")
	}

	if c.KillGraceSeconds < 1 {
		return fmt.Errorf("kill_grace_seconds must be positive")
	}

	if c.LivenessDeadlineSeconds <= c.JobTimeoutSeconds {
		return fmt.Errorf("liveness_deadline_seconds must be greater than job_timeout_seconds")
	}

	if c.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}

	if c.TailPollMillis < 10 {
		return fmt.Errorf("tail_poll_millis must be at least 10")
	}

	return nil
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// JobTimeout returns the per-job execution budget.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// KillGrace returns how long a canceled job may take to stop on its own.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// LivenessDeadline returns how long a job may stay running before the sweep
// fails it.
func (c *Config) LivenessDeadline() time.Duration {
	return time.Duration(c.LivenessDeadlineSeconds) * time.Second
}

// SweepInterval returns the period of the liveness sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// TailPoll returns the poll interval of push log streams.
func (c *Config) TailPoll() time.Duration {
	return time.Duration(c.TailPollMillis) * time.Millisecond
}

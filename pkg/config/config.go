package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the download engine
type Config struct {
	// Remote source settings
	Source SourceConfig `yaml:"source" json:"source"`

	// Account pool with per-day quotas
	Accounts []AccountConfig `yaml:"accounts" json:"accounts"`

	// Account rotation thresholds
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Per-item retry behaviour
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Durable state locations
	Paths PathsConfig `yaml:"paths" json:"paths"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SourceConfig holds settings for the remote library
type SourceConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	LoginPath      string        `yaml:"login_path" json:"login_path"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// AccountConfig declares one account of the pool. The password is never kept
// in the config file; it is resolved through the credential stores.
type AccountConfig struct {
	Email             string `yaml:"email" json:"email"`
	MaxDailyDownloads int    `yaml:"max_daily_downloads" json:"max_daily_downloads"`
}

// RotationConfig holds account rotation thresholds
type RotationConfig struct {
	// Threshold is the number of successful transfers on one account before
	// the next selection rotates to a different account
	Threshold int `yaml:"threshold" json:"threshold"`
	// FailureThreshold is the number of consecutive failures that forces a
	// rotation regardless of the sticky rule
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
}

// RetryConfig holds per-item retry behaviour
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	OutputDirectory   string        `yaml:"output_directory" json:"output_directory"`
	MinFileSize       int64         `yaml:"min_file_size" json:"min_file_size"`
	MaxFileSize       int64         `yaml:"max_file_size" json:"max_file_size"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// PathsConfig holds the locations of durable engine state
type PathsConfig struct {
	QueueDB      string `yaml:"queue_db" json:"queue_db"`
	AccountState string `yaml:"account_state" json:"account_state"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	dataDir, _ := DataDirectory()

	return &Config{
		Source: SourceConfig{
			LoginPath:      "/login",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			RequestTimeout: 30 * time.Second,
		},
		Rotation: RotationConfig{
			Threshold:        10,
			FailureThreshold: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       2 * time.Second,
			BackoffCap:        30 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
		},
		Download: DownloadConfig{
			OutputDirectory:   "./downloads",
			MinFileSize:       1000,
			MaxFileSize:       500 * 1024 * 1024,
			Timeout:           5 * time.Minute,
			RequestsPerMinute: 30,
		},
		Paths: PathsConfig{
			QueueDB:      filepath.Join(dataDir, "queue.db"),
			AccountState: filepath.Join(dataDir, "accounts.json"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if baseURL := os.Getenv("BOOKFETCH_BASE_URL"); baseURL != "" {
		c.Source.BaseURL = baseURL
	}
	if userAgent := os.Getenv("BOOKFETCH_USER_AGENT"); userAgent != "" {
		c.Source.UserAgent = userAgent
	}
	if outputDir := os.Getenv("BOOKFETCH_OUTPUT_DIR"); outputDir != "" {
		c.Download.OutputDirectory = outputDir
	}
	if rpm := os.Getenv("BOOKFETCH_REQUESTS_PER_MINUTE"); rpm != "" {
		if val, err := strconv.Atoi(rpm); err == nil && val > 0 {
			c.Download.RequestsPerMinute = val
		}
	}
	if attempts := os.Getenv("BOOKFETCH_MAX_ATTEMPTS"); attempts != "" {
		if val, err := strconv.Atoi(attempts); err == nil && val > 0 {
			c.Retry.MaxAttempts = val
		}
	}
	if queueDB := os.Getenv("BOOKFETCH_QUEUE_DB"); queueDB != "" {
		c.Paths.QueueDB = queueDB
	}
	if logLevel := os.Getenv("BOOKFETCH_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".bookfetch.yaml",
		".bookfetch.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "bookfetch", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "bookfetch", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".bookfetch.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.Email == "" {
			errs = append(errs, errors.New("account email is required"))
			continue
		}
		if seen[a.Email] {
			errs = append(errs, fmt.Errorf("duplicate account: %s", a.Email))
		}
		seen[a.Email] = true
		if a.MaxDailyDownloads <= 0 {
			errs = append(errs, fmt.Errorf("account %s: max daily downloads must be positive", a.Email))
		}
	}

	if c.Rotation.Threshold <= 0 {
		errs = append(errs, errors.New("rotation threshold must be positive"))
	}
	if c.Rotation.FailureThreshold <= 0 {
		errs = append(errs, errors.New("rotation failure threshold must be positive"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Retry.BackoffBase <= 0 {
		errs = append(errs, errors.New("backoff base must be positive"))
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		errs = append(errs, errors.New("backoff cap must not be below backoff base"))
	}

	if c.Download.OutputDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Download.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.Download.MinFileSize < 0 {
		errs = append(errs, errors.New("min file size cannot be negative"))
	}
	if c.Download.MaxFileSize != 0 && c.Download.MaxFileSize < c.Download.MinFileSize {
		errs = append(errs, errors.New("max file size must not be below min file size"))
	}

	if c.Paths.QueueDB == "" {
		errs = append(errs, errors.New("queue database path is required"))
	}
	if c.Paths.AccountState == "" {
		errs = append(errs, errors.New("account state path is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Download.OutputDirectory = outputDir
	}
	if rpm, ok := flags["rate-limit"].(int); ok && rpm > 0 {
		c.Download.RequestsPerMinute = rpm
	}
	if attempts, ok := flags["max-attempts"].(int); ok && attempts > 0 {
		c.Retry.MaxAttempts = attempts
	}
	if queueDB, ok := flags["queue-db"].(string); ok && queueDB != "" {
		c.Paths.QueueDB = queueDB
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".bookfetch.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// DataDirectory returns the directory for durable engine state, creating it
// if needed.
func DataDirectory() (string, error) {
	var dataDir string

	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		dataDir = filepath.Join(xdgDataHome, "bookfetch")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, ".local", "share", "bookfetch")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

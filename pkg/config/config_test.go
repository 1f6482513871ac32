package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Source.BaseURL = "https://library.example.com"
	cfg.Accounts = []AccountConfig{
		{Email: "a@example.com", MaxDailyDownloads: 10},
	}
	return cfg
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Rotation.Threshold)
	assert.Equal(t, 3, cfg.Rotation.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Retry.BackoffCap)
	assert.Equal(t, int64(1000), cfg.Download.MinFileSize)
	assert.Equal(t, int64(500*1024*1024), cfg.Download.MaxFileSize)
	assert.Equal(t, 30, cfg.Download.RequestsPerMinute)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRequiresAccounts(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one account")
}

func TestValidateRejectsDuplicateAccounts(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts = append(cfg.Accounts, AccountConfig{Email: "a@example.com", MaxDailyDownloads: 5})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate account")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Rotation.Threshold = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotation threshold")
	assert.Contains(t, err.Error(), "max attempts")
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestValidateQuotaMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[0].MaxDailyDownloads = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max daily downloads must be positive")
}

func TestValidateBackoffCapBelowBase(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.BackoffBase = time.Minute
	cfg.Retry.BackoffCap = time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff cap")
}

func TestLoadFromFile(t *testing.T) {
	content := `
source:
  base_url: https://library.example.com
  login_path: /signin
accounts:
  - email: a@example.com
    max_daily_downloads: 7
  - email: b@example.com
    max_daily_downloads: 3
rotation:
  threshold: 5
download:
  output_directory: /tmp/books
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "https://library.example.com", cfg.Source.BaseURL)
	assert.Equal(t, "/signin", cfg.Source.LoginPath)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, 7, cfg.Accounts[0].MaxDailyDownloads)
	assert.Equal(t, 5, cfg.Rotation.Threshold)
	assert.Equal(t, "/tmp/books", cfg.Download.OutputDirectory)
	// Untouched values keep their defaults
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOOKFETCH_BASE_URL", "https://env.example.com")
	t.Setenv("BOOKFETCH_REQUESTS_PER_MINUTE", "12")
	t.Setenv("BOOKFETCH_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "https://env.example.com", cfg.Source.BaseURL)
	assert.Equal(t, 12, cfg.Download.RequestsPerMinute)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := validConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"output":       "/srv/books",
		"rate-limit":   5,
		"max-attempts": 7,
		"log-level":    "warn",
	})

	assert.Equal(t, "/srv/books", cfg.Download.OutputDirectory)
	assert.Equal(t, 5, cfg.Download.RequestsPerMinute)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	cfg.Rotation.Threshold = 4
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 4, loaded.Rotation.Threshold)
	assert.Equal(t, cfg.Accounts, loaded.Accounts)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-flowwatch/internal/policy"
)

var envKeys = []string{
	"RPC_ENDPOINT", "WS_ENDPOINT", "RATE_WINDOW_MS", "RATE_MAX_REQUESTS", "RPC_RETRIES",
	"RATE_LIMIT_EXEMPT", "RPC_TIMEOUT_MS", "WS_INITIAL_BACKOFF_MS", "WS_MAX_BACKOFF_MS",
	"WS_MAX_RETRIES", "PROGRAMS", "EVENT_KINDS", "COMMITMENT", "MAX_CONCURRENT",
	"SEEN_CAPACITY", "MINT_AUTHORITY_CHECK", "FREEZE_AUTHORITY_CHECK", "BLOCKED_SUFFIXES",
	"RESOLVE_NAMES", "EXECUTOR_URL", "BUY_AMOUNT_SOL", "AUTO_SELL", "TAKE_PROFIT_PCT",
	"STOP_LOSS_PCT", "WATCH_MODE", "WATCH_WALLETS", "POLL_INTERVAL", "EXPORT_DIR",
	"TRACE_PAGE_SIZE", "SKIP_PROGRAM_ACCOUNTS", "STATUS_ADDR", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every key the loader reads and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFiles("", "")
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.RPC.RateWindowMS)
	assert.Equal(t, 4, cfg.RPC.RateMaxRequests)
	assert.Equal(t, 2*time.Second, cfg.RateWindow())
	assert.Equal(t, 3, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, ModeStream, cfg.Watch.Mode)
	assert.Equal(t, string(policy.ModeForbid), cfg.Policy.MintAuthority)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	yamlPath := writeFile(t, "config.yaml", `
rpc:
  endpoint: https://yaml.example
  rate_max_requests: 10
dispatch:
  max_concurrent: 7
policy:
  blocked_suffixes: [pump]
watch:
  poll_interval: 30s
`)
	t.Setenv("RATE_MAX_REQUESTS", "8")
	t.Setenv("BLOCKED_SUFFIXES", "pump, moon ,,")
	t.Setenv("POLL_INTERVAL", "1500")

	cfg, err := LoadFiles("", yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "https://yaml.example", cfg.RPC.Endpoint)
	assert.Equal(t, 8, cfg.RPC.RateMaxRequests)
	assert.Equal(t, 7, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, []string{"pump", "moon"}, cfg.Policy.BlockedSuffixes)
	assert.Equal(t, 1500*time.Millisecond, cfg.Watch.PollInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	t.Cleanup(func() {
		os.Unsetenv("EXECUTOR_URL")
		os.Unsetenv("LOG_LEVEL")
	})
	t.Setenv("LOG_LEVEL", "warn")
	envPath := writeFile(t, ".env", "EXECUTOR_URL=http://exec.local/buy\nLOG_LEVEL=debug\n")

	cfg, err := LoadFiles(envPath, "")
	require.NoError(t, err)

	assert.Equal(t, "http://exec.local/buy", cfg.Executor.URL)
	assert.Equal(t, "warn", cfg.Log.Level, "the process environment wins over .env")
}

func TestLoad_MissingFiles(t *testing.T) {
	clearEnv(t)

	_, err := LoadFiles(filepath.Join(t.TempDir(), ".env"), "")
	assert.NoError(t, err)

	_, err = LoadFiles("", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONCURRENT", "three")

	_, err := LoadFiles("", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFiles("", "")
	require.NoError(t, err)

	assert.ErrorIs(t, cfg.Validate(), ErrInvalid, "RPC_ENDPOINT is required")

	cfg.RPC.Endpoint = "https://api.mainnet-beta.solana.com"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://api.mainnet-beta.solana.com", cfg.RPC.WSEndpoint)

	cfg.Log.Level = "loud"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestValidateWatch(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.RPC.Endpoint = "http://localhost:8899"
		return &cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"stream defaults", func(*Config) {}, true},
		{"unknown check mode", func(c *Config) { c.Policy.MintAuthority = "sometimes" }, false},
		{"ignore mode", func(c *Config) { c.Policy.FreezeAuthority = "ignore" }, true},
		{"zero buy amount", func(c *Config) { c.Executor.BuyAmountSOL = "0" }, false},
		{"garbage buy amount", func(c *Config) { c.Executor.BuyAmountSOL = "lots" }, false},
		{"poll without wallets", func(c *Config) { c.Watch.Mode = ModePoll }, false},
		{"poll with wallet", func(c *Config) {
			c.Watch.Mode = ModePoll
			c.Watch.Wallets = []string{"So11111111111111111111111111111111111111112"}
		}, true},
		{"bad wallet", func(c *Config) {
			c.Watch.Mode = ModePoll
			c.Watch.Wallets = []string{"nope"}
		}, false},
		{"unknown mode", func(c *Config) { c.Watch.Mode = "push" }, false},
		{"backoff inverted", func(c *Config) { c.Stream.MaxBackoffMS = 10 }, false},
		{"bad executor url", func(c *Config) { c.Executor.URL = "exec.local" }, false},
		{"zero concurrency", func(c *Config) { c.Dispatch.MaxConcurrent = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.ValidateWatch()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestValidateWatch_ParsesBuyAmount(t *testing.T) {
	cfg := Default()
	cfg.RPC.Endpoint = "http://localhost:8899"
	cfg.Executor.BuyAmountSOL = "0.25"

	require.NoError(t, cfg.ValidateWatch())
	assert.Equal(t, "0.25", cfg.Executor.BuyAmount().String())
}

func TestWSConfig(t *testing.T) {
	cfg := Default()
	cfg.Stream.InitialBackoffMS = 500
	cfg.Stream.MaxBackoffMS = 4000
	cfg.Stream.MaxRetries = 3

	ws := cfg.WSConfig()
	assert.Equal(t, 500*time.Millisecond, ws.InitialBackoff)
	assert.Equal(t, 4*time.Second, ws.MaxBackoff)
	assert.Equal(t, 3, ws.MaxRetries)
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = LogConfig{Level: "shout"}.NewLogger()
	assert.ErrorIs(t, err, ErrInvalid)
}

// Package config loads runtime settings from a .env file, an optional YAML
// file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"solana-flowwatch/internal/policy"
	"solana-flowwatch/internal/solana"
)

// ErrInvalid wraps every validation and parse failure.
var ErrInvalid = errors.New("invalid configuration")

// Watch modes.
const (
	ModeStream = "stream"
	ModePoll   = "poll"
)

// RPCConfig controls the JSON-RPC client and its rate window.
type RPCConfig struct {
	Endpoint        string `yaml:"endpoint"`
	WSEndpoint      string `yaml:"ws_endpoint"`
	RateWindowMS    int    `yaml:"rate_window_ms"`
	RateMaxRequests int    `yaml:"rate_max_requests"`
	Retries         int    `yaml:"retries"`
	RateLimitExempt bool   `yaml:"rate_limit_exempt"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

// StreamConfig controls the websocket transport and event selection.
type StreamConfig struct {
	InitialBackoffMS int      `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int      `yaml:"max_backoff_ms"`
	MaxRetries       int      `yaml:"max_retries"`
	Programs         []string `yaml:"programs"` // aliases or program IDs
	Kinds            []string `yaml:"kinds"`
	Commitment       string   `yaml:"commitment"`
}

// DispatchConfig bounds the dispatcher.
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	SeenCapacity  int `yaml:"seen_capacity"`
}

// PolicyConfig configures the pre-execution checks.
type PolicyConfig struct {
	MintAuthority   string   `yaml:"mint_authority"`
	FreezeAuthority string   `yaml:"freeze_authority"`
	BlockedSuffixes []string `yaml:"blocked_suffixes"`
	ResolveNames    bool     `yaml:"resolve_names"`
}

// ExecutorConfig configures the execution service and order template.
// An empty URL selects the dry-run executor.
type ExecutorConfig struct {
	URL           string  `yaml:"url"`
	BuyAmountSOL  string  `yaml:"buy_amount_sol"`
	AutoSell      bool    `yaml:"auto_sell"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`

	buyAmount decimal.Decimal
}

// BuyAmount returns the parsed buy size. Valid after Validate.
func (e ExecutorConfig) BuyAmount() decimal.Decimal {
	return e.buyAmount
}

// WatchConfig selects the event source.
type WatchConfig struct {
	Mode         string        `yaml:"mode"`
	Wallets      []string      `yaml:"wallets"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TraceConfig configures the tracer CLI.
type TraceConfig struct {
	ExportDir           string `yaml:"export_dir"`
	PageSize            int    `yaml:"page_size"`
	SkipProgramAccounts bool   `yaml:"skip_program_accounts"`
}

// StatusConfig configures the status HTTP server. Empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config aggregates all settings.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Stream   StreamConfig   `yaml:"stream"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Policy   PolicyConfig   `yaml:"policy"`
	Executor ExecutorConfig `yaml:"executor"`
	Watch    WatchConfig    `yaml:"watch"`
	Trace    TraceConfig    `yaml:"trace"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		RPC: RPCConfig{
			RateWindowMS:    2000,
			RateMaxRequests: 4,
			Retries:         5,
			TimeoutMS:       30000,
		},
		Stream: StreamConfig{
			InitialBackoffMS: 1000,
			MaxBackoffMS:     30000,
			Programs:         []string{"pumpfun", "raydium"},
			Commitment:       "confirmed",
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 3,
			SeenCapacity:  10000,
		},
		Policy: PolicyConfig{
			MintAuthority:   string(policy.ModeForbid),
			FreezeAuthority: string(policy.ModeForbid),
		},
		Executor: ExecutorConfig{
			BuyAmountSOL: "0.1",
		},
		Watch: WatchConfig{
			Mode:         ModeStream,
			PollInterval: 10 * time.Second,
		},
		Trace: TraceConfig{
			ExportDir: "exports",
			PageSize:  20,
		},
		Status: StatusConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads .env from the working directory and the YAML file at path (if
// non-empty), then applies environment overrides. The result is not
// validated.
func Load(path string) (*Config, error) {
	return LoadFiles(".env", path)
}

// LoadFiles is Load with an explicit .env path. Missing files are tolerated
// for the .env file only.
func LoadFiles(envPath, yamlPath string) (*Config, error) {
	if envPath != "" {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: unable to read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, yamlPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = SplitList(v)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("RPC_ENDPOINT", &c.RPC.Endpoint)
	str("WS_ENDPOINT", &c.RPC.WSEndpoint)
	num("RATE_WINDOW_MS", &c.RPC.RateWindowMS)
	num("RATE_MAX_REQUESTS", &c.RPC.RateMaxRequests)
	num("RPC_RETRIES", &c.RPC.Retries)
	flag("RATE_LIMIT_EXEMPT", &c.RPC.RateLimitExempt)
	num("RPC_TIMEOUT_MS", &c.RPC.TimeoutMS)

	num("WS_INITIAL_BACKOFF_MS", &c.Stream.InitialBackoffMS)
	num("WS_MAX_BACKOFF_MS", &c.Stream.MaxBackoffMS)
	num("WS_MAX_RETRIES", &c.Stream.MaxRetries)
	list("PROGRAMS", &c.Stream.Programs)
	list("EVENT_KINDS", &c.Stream.Kinds)
	str("COMMITMENT", &c.Stream.Commitment)

	num("MAX_CONCURRENT", &c.Dispatch.MaxConcurrent)
	num("SEEN_CAPACITY", &c.Dispatch.SeenCapacity)

	str("MINT_AUTHORITY_CHECK", &c.Policy.MintAuthority)
	str("FREEZE_AUTHORITY_CHECK", &c.Policy.FreezeAuthority)
	list("BLOCKED_SUFFIXES", &c.Policy.BlockedSuffixes)
	flag("RESOLVE_NAMES", &c.Policy.ResolveNames)

	str("EXECUTOR_URL", &c.Executor.URL)
	str("BUY_AMOUNT_SOL", &c.Executor.BuyAmountSOL)
	flag("AUTO_SELL", &c.Executor.AutoSell)
	float("TAKE_PROFIT_PCT", &c.Executor.TakeProfitPct)
	float("STOP_LOSS_PCT", &c.Executor.StopLossPct)

	str("WATCH_MODE", &c.Watch.Mode)
	list("WATCH_WALLETS", &c.Watch.Wallets)
	duration("POLL_INTERVAL", &c.Watch.PollInterval)

	str("EXPORT_DIR", &c.Trace.ExportDir)
	num("TRACE_PAGE_SIZE", &c.Trace.PageSize)
	flag("SKIP_PROGRAM_ACCOUNTS", &c.Trace.SkipProgramAccounts)

	str("STATUS_ADDR", &c.Status.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// parseDuration accepts Go durations ("15s") or bare milliseconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks settings shared by every binary. A missing WS endpoint is
// derived from the RPC endpoint.
func (c *Config) Validate() error {
	var errs []error

	if c.RPC.Endpoint == "" {
		errs = append(errs, errors.New("RPC_ENDPOINT is required"))
	} else if err := checkURL(c.RPC.Endpoint, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("RPC_ENDPOINT: %w", err))
	}
	if c.RPC.WSEndpoint == "" && c.RPC.Endpoint != "" {
		c.RPC.WSEndpoint = deriveWSEndpoint(c.RPC.Endpoint)
	}
	if c.RPC.RateWindowMS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_WINDOW_MS must be positive, got %d", c.RPC.RateWindowMS))
	}
	if c.RPC.RateMaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_MAX_REQUESTS must be positive, got %d", c.RPC.RateMaxRequests))
	}
	if c.RPC.Retries <= 0 {
		errs = append(errs, fmt.Errorf("RPC_RETRIES must be positive, got %d", c.RPC.Retries))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateWatch checks everything the live monitor needs on top of Validate.
func (c *Config) ValidateWatch() error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errs []error
	switch c.Watch.Mode {
	case ModeStream:
		if err := checkURL(c.RPC.WSEndpoint, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("WS_ENDPOINT: %w", err))
		}
		if c.Stream.InitialBackoffMS <= 0 || c.Stream.MaxBackoffMS < c.Stream.InitialBackoffMS {
			errs = append(errs, fmt.Errorf("backoff must satisfy 0 < WS_INITIAL_BACKOFF_MS <= WS_MAX_BACKOFF_MS, got %d/%d",
				c.Stream.InitialBackoffMS, c.Stream.MaxBackoffMS))
		}
		if len(c.Stream.Programs) == 0 {
			errs = append(errs, errors.New("PROGRAMS is required in stream mode"))
		}
	case ModePoll:
		if len(c.Watch.Wallets) == 0 {
			errs = append(errs, errors.New("WATCH_WALLETS is required in poll mode"))
		}
		if c.Watch.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.Watch.PollInterval))
		}
	default:
		errs = append(errs, fmt.Errorf("WATCH_MODE must be %s or %s, got %q", ModeStream, ModePoll, c.Watch.Mode))
	}

	for _, w := range c.Watch.Wallets {
		if err := solana.ValidateAddress(w); err != nil {
			errs = append(errs, fmt.Errorf("WATCH_WALLETS: %w", err))
		}
	}

	if c.Dispatch.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT must be positive, got %d", c.Dispatch.MaxConcurrent))
	}

	if _, err := policy.ParseMode(c.Policy.MintAuthority); err != nil {
		errs = append(errs, fmt.Errorf("MINT_AUTHORITY_CHECK: %w", err))
	}
	if _, err := policy.ParseMode(c.Policy.FreezeAuthority); err != nil {
		errs = append(errs, fmt.Errorf("FREEZE_AUTHORITY_CHECK: %w", err))
	}

	amount, err := decimal.NewFromString(c.Executor.BuyAmountSOL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("BUY_AMOUNT_SOL: %w", err))
	case !amount.IsPositive():
		errs = append(errs, fmt.Errorf("BUY_AMOUNT_SOL must be positive, got %s", amount))
	default:
		c.Executor.buyAmount = amount
	}
	if c.Executor.URL != "" {
		if err := checkURL(c.Executor.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("EXECUTOR_URL: %w", err))
		}
	}
	if c.Executor.TakeProfitPct < 0 || c.Executor.StopLossPct < 0 {
		errs = append(errs, errors.New("TAKE_PROFIT_PCT and STOP_LOSS_PCT must be non-negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// RateWindow returns the configured window duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RPC.RateWindowMS) * time.Millisecond
}

// WSConfig builds the transport configuration.
func (c *Config) WSConfig() solana.WSClientConfig {
	ws := solana.DefaultWSConfig()
	ws.InitialBackoff = time.Duration(c.Stream.InitialBackoffMS) * time.Millisecond
	ws.MaxBackoff = time.Duration(c.Stream.MaxBackoffMS) * time.Millisecond
	ws.MaxRetries = c.Stream.MaxRetries
	return ws
}

// NewLogger builds a logrus logger from the log settings.
func (l LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalid, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if strings.EqualFold(l.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be a %s URL", raw, strings.Join(schemes, "/"))
}

func deriveWSEndpoint(rpc string) string {
	switch {
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}

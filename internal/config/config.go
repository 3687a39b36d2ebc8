// Package config defines the top-level configuration for chainbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CHAINBOT_* environment variables.
type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Invoice   InvoiceConfig   `toml:"invoice"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// GatewayConfig holds the chain gateway endpoint and credentials. The token
// may be given in clear or as a file produced by `chainbot encrypt-token`.
type GatewayConfig struct {
	URL                string   `toml:"url"`
	Canister           string   `toml:"canister"`
	Token              string   `toml:"token"`
	EncryptedTokenPath string   `toml:"encrypted_token_path"`
	TokenPassword      string   `toml:"token_password"`
	Timeout            duration `toml:"timeout"`
	ReadRetries        int      `toml:"read_retries"`
}

// StoreConfig selects the rule and invoice store backend.
type StoreConfig struct {
	// Backend is one of "memory", "postgres" or "sqlite".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the single-node database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When disabled, locks,
// memo, prices and signals stay in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SchedulerConfig holds the rule cycle parameters.
type SchedulerConfig struct {
	AutoStart          bool     `toml:"auto_start"`
	Interval           duration `toml:"interval"`
	MaxConcurrentRules int      `toml:"max_concurrent_rules"`
	LockTTL            duration `toml:"lock_ttl"`
}

// SnapshotConfig bounds the reads of one cycle.
type SnapshotConfig struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	ReadTimeout   duration `toml:"read_timeout"`
	MaxPriceAge   duration `toml:"max_price_age"`
}

// DispatchConfig holds write throttling and idempotency settings.
type DispatchConfig struct {
	WritesPerSecond float64  `toml:"writes_per_second"`
	WriteBurst      int      `toml:"write_burst"`
	WriteCostUSD    string   `toml:"write_cost_usd"`
	CallTimeout     duration `toml:"call_timeout"`
	// MemoTTL is how long a successful outcome is replayed for its key.
	MemoTTL duration `toml:"memo_ttl"`
	// InFlightTTL bounds how long a crashed writer blocks its key in Redis.
	InFlightTTL duration `toml:"in_flight_ttl"`
}

// InvoiceConfig holds payment detection and sweep parameters. Reserves are
// in the chain's smallest unit, keyed by chain name.
type InvoiceConfig struct {
	Detection    string            `toml:"detection"`
	TTL          duration          `toml:"ttl"`
	PollInterval duration          `toml:"poll_interval"`
	AutoSweep    bool              `toml:"auto_sweep"`
	Reserves     map[string]int64  `toml:"reserves"`
	Treasury     map[string]string `toml:"treasury"`
}

// ArchiveConfig controls the execution-log archive to S3.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
	// BatchSize is the number of log entries per archive object.
	BatchSize int `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// SigningSecret enables HMAC-signed requests next to the API key.
	SigningSecret string   `toml:"signing_secret"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// TelemetryConfig holds OpenTelemetry metric export settings.
type TelemetryConfig struct {
	Enabled        bool     `toml:"enabled"`
	OTLPEndpoint   string   `toml:"otlp_endpoint"`
	OTLPInsecure   bool     `toml:"otlp_insecure"`
	MetricInterval duration `toml:"metric_interval"`
	Environment    string   `toml:"environment"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			URL:         "http://localhost:4943",
			Timeout:     duration{120 * time.Second},
			ReadRetries: 2,
		},
		Store: StoreConfig{Backend: "sqlite"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "chainbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "chainbot.db"},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "chainbot",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "chainbot-archive",
			ForcePathStyle: true,
		},
		Scheduler: SchedulerConfig{
			AutoStart:          true,
			Interval:           duration{30 * time.Second},
			MaxConcurrentRules: 4,
			LockTTL:            duration{5 * time.Minute},
		},
		Snapshot: SnapshotConfig{
			MaxConcurrent: 8,
			ReadTimeout:   duration{30 * time.Second},
			MaxPriceAge:   duration{5 * time.Minute},
		},
		Dispatch: DispatchConfig{
			WritesPerSecond: 2,
			WriteBurst:      4,
			WriteCostUSD:    "0.05",
			CallTimeout:     duration{120 * time.Second},
			MemoTTL:         duration{24 * time.Hour},
			InFlightTTL:     duration{10 * time.Minute},
		},
		Invoice: InvoiceConfig{
			Detection:    "delta",
			TTL:          duration{24 * time.Hour},
			PollInterval: duration{time.Minute},
			Reserves: map[string]int64{
				"solana":   5_000_000,
				"ethereum": 0,
				"base":     0,
				"arbitrum": 0,
				"xrp":      1_000_000,
				"ton":      50_000_000,
			},
			Treasury: map[string]string{},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Cron:      "0 3 * * *",
			Prefix:    "execution-logs",
			BatchSize: 5000,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				domain.EventRuleFailed,
				domain.EventRulePartial,
				domain.EventRuleRecovered,
				domain.EventInvoicePaid,
				domain.EventInvoiceSwept,
				domain.EventError,
			},
		},
		Telemetry: TelemetryConfig{
			MetricInterval: duration{30 * time.Second},
			Environment:    "development",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":      true,
	"server":    true,
	"scheduler": true,
	"archive":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, scheduler, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Gateway
	if c.Gateway.URL == "" {
		errs = append(errs, "gateway: url must not be empty")
	}
	if c.Gateway.EncryptedTokenPath != "" && c.Gateway.TokenPassword == "" {
		errs = append(errs, "gateway: token_password is required when encrypted_token_path is set")
	}
	if c.Gateway.Timeout.Duration <= 0 {
		errs = append(errs, "gateway: timeout must be > 0")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, postgres, sqlite)", c.Store.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Scheduler
	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be > 0")
	}
	if c.Scheduler.MaxConcurrentRules < 1 {
		errs = append(errs, "scheduler: max_concurrent_rules must be >= 1")
	}

	// Dispatch
	if c.Dispatch.WritesPerSecond < 0 {
		errs = append(errs, "dispatch: writes_per_second must be >= 0")
	}
	if _, err := c.WriteCost(); err != nil {
		errs = append(errs, "dispatch: "+err.Error())
	}

	// Invoice
	switch c.Invoice.Detection {
	case "delta", "absolute":
	default:
		errs = append(errs, fmt.Sprintf("invoice: unknown detection %q (valid: delta, absolute)", c.Invoice.Detection))
	}
	for name, units := range c.Invoice.Reserves {
		if _, err := domain.ParseChain(name); err != nil {
			errs = append(errs, fmt.Sprintf("invoice: reserves: %v", err))
		}
		if units < 0 {
			errs = append(errs, fmt.Sprintf("invoice: reserve for %s must be >= 0", name))
		}
	}
	for name, addr := range c.Invoice.Treasury {
		chain, err := domain.ParseChain(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invoice: treasury: %v", err))
			continue
		}
		if err := domain.ValidateAddress(chain, addr); err != nil {
			errs = append(errs, fmt.Sprintf("invoice: treasury for %s: %v", name, err))
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
		if c.Store.Backend == "memory" {
			errs = append(errs, "archive: requires a durable store backend")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// WriteCost parses the configured per-write cost.
func (c *Config) WriteCost() (decimal.Decimal, error) {
	if strings.TrimSpace(c.Dispatch.WriteCostUSD) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Dispatch.WriteCostUSD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("write_cost_usd %q is not a number", c.Dispatch.WriteCostUSD)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("write_cost_usd must be >= 0")
	}
	return d, nil
}

// ChainReserves converts the configured reserves to domain chains.
// Unknown chain names are skipped; Validate reports them.
func (c *Config) ChainReserves() map[domain.Chain]decimal.Decimal {
	out := make(map[domain.Chain]decimal.Decimal, len(c.Invoice.Reserves))
	for name, units := range c.Invoice.Reserves {
		if chain, err := domain.ParseChain(name); err == nil {
			out[chain] = decimal.NewFromInt(units)
		}
	}
	return out
}

// ChainTreasury converts the configured treasury addresses to domain chains.
func (c *Config) ChainTreasury() map[domain.Chain]string {
	out := make(map[domain.Chain]string, len(c.Invoice.Treasury))
	for name, addr := range c.Invoice.Treasury {
		if chain, err := domain.ParseChain(name); err == nil {
			out[chain] = addr
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CHAINBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CHAINBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Gateway ──
	setStr(&cfg.Gateway.URL, "CHAINBOT_GATEWAY_URL")
	setStr(&cfg.Gateway.Canister, "CHAINBOT_GATEWAY_CANISTER")
	setStr(&cfg.Gateway.Token, "CHAINBOT_GATEWAY_TOKEN")
	setStr(&cfg.Gateway.EncryptedTokenPath, "CHAINBOT_GATEWAY_ENCRYPTED_TOKEN_PATH")
	setStr(&cfg.Gateway.TokenPassword, "CHAINBOT_GATEWAY_TOKEN_PASSWORD")
	setDuration(&cfg.Gateway.Timeout, "CHAINBOT_GATEWAY_TIMEOUT")
	setInt(&cfg.Gateway.ReadRetries, "CHAINBOT_GATEWAY_READ_RETRIES")

	// ── Store ──
	setStr(&cfg.Store.Backend, "CHAINBOT_STORE_BACKEND")
	setStr(&cfg.SQLite.Path, "CHAINBOT_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "CHAINBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CHAINBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CHAINBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CHAINBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CHAINBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CHAINBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CHAINBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CHAINBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CHAINBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CHAINBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CHAINBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CHAINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CHAINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CHAINBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CHAINBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CHAINBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CHAINBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CHAINBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CHAINBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CHAINBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CHAINBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CHAINBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CHAINBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CHAINBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CHAINBOT_S3_FORCE_PATH_STYLE")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.AutoStart, "CHAINBOT_SCHEDULER_AUTO_START")
	setDuration(&cfg.Scheduler.Interval, "CHAINBOT_SCHEDULER_INTERVAL")
	setInt(&cfg.Scheduler.MaxConcurrentRules, "CHAINBOT_SCHEDULER_MAX_CONCURRENT_RULES")
	setDuration(&cfg.Scheduler.LockTTL, "CHAINBOT_SCHEDULER_LOCK_TTL")

	// ── Snapshot ──
	setInt(&cfg.Snapshot.MaxConcurrent, "CHAINBOT_SNAPSHOT_MAX_CONCURRENT")
	setDuration(&cfg.Snapshot.ReadTimeout, "CHAINBOT_SNAPSHOT_READ_TIMEOUT")
	setDuration(&cfg.Snapshot.MaxPriceAge, "CHAINBOT_SNAPSHOT_MAX_PRICE_AGE")

	// ── Dispatch ──
	setFloat64(&cfg.Dispatch.WritesPerSecond, "CHAINBOT_DISPATCH_WRITES_PER_SECOND")
	setInt(&cfg.Dispatch.WriteBurst, "CHAINBOT_DISPATCH_WRITE_BURST")
	setStr(&cfg.Dispatch.WriteCostUSD, "CHAINBOT_DISPATCH_WRITE_COST_USD")
	setDuration(&cfg.Dispatch.CallTimeout, "CHAINBOT_DISPATCH_CALL_TIMEOUT")
	setDuration(&cfg.Dispatch.MemoTTL, "CHAINBOT_DISPATCH_MEMO_TTL")

	// ── Invoice ──
	setStr(&cfg.Invoice.Detection, "CHAINBOT_INVOICE_DETECTION")
	setDuration(&cfg.Invoice.TTL, "CHAINBOT_INVOICE_TTL")
	setDuration(&cfg.Invoice.PollInterval, "CHAINBOT_INVOICE_POLL_INTERVAL")
	setBool(&cfg.Invoice.AutoSweep, "CHAINBOT_INVOICE_AUTO_SWEEP")
	setStringMap(&cfg.Invoice.Treasury, "CHAINBOT_INVOICE_TREASURY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CHAINBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "CHAINBOT_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "CHAINBOT_ARCHIVE_PREFIX")
	setInt(&cfg.Archive.BatchSize, "CHAINBOT_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CHAINBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CHAINBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CHAINBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CHAINBOT_SERVER_API_KEY")
	setStr(&cfg.Server.SigningSecret, "CHAINBOT_SERVER_SIGNING_SECRET")
	setInt(&cfg.Server.RateLimit, "CHAINBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "CHAINBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CHAINBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CHAINBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CHAINBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CHAINBOT_NOTIFY_EVENTS")

	// ── Telemetry ──
	setBool(&cfg.Telemetry.Enabled, "CHAINBOT_TELEMETRY_ENABLED")
	setStr(&cfg.Telemetry.OTLPEndpoint, "CHAINBOT_TELEMETRY_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.OTLPInsecure, "CHAINBOT_TELEMETRY_OTLP_INSECURE")
	setStr(&cfg.Telemetry.Environment, "CHAINBOT_TELEMETRY_ENVIRONMENT")

	// ── Top-level ──
	setStr(&cfg.Mode, "CHAINBOT_MODE")
	setStr(&cfg.LogLevel, "CHAINBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setStringMap parses "k1=v1,k2=v2" into dst, keeping existing entries that
// the variable does not mention.
func setStringMap(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		(*dst)[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
}

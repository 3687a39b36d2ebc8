package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/chainbot/internal/blob/s3"
	cachemem "github.com/alanyoungcy/chainbot/internal/cache/memory"
	"github.com/alanyoungcy/chainbot/internal/cache/redis"
	"github.com/alanyoungcy/chainbot/internal/config"
	"github.com/alanyoungcy/chainbot/internal/crypto"
	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/executor"
	"github.com/alanyoungcy/chainbot/internal/gateway"
	"github.com/alanyoungcy/chainbot/internal/normalize"
	"github.com/alanyoungcy/chainbot/internal/notify"
	"github.com/alanyoungcy/chainbot/internal/pipeline"
	"github.com/alanyoungcy/chainbot/internal/scheduler"
	"github.com/alanyoungcy/chainbot/internal/server/handler"
	"github.com/alanyoungcy/chainbot/internal/service"
	"github.com/alanyoungcy/chainbot/internal/snapshot"
	"github.com/alanyoungcy/chainbot/internal/store/memory"
	"github.com/alanyoungcy/chainbot/internal/store/postgres"
	"github.com/alanyoungcy/chainbot/internal/store/sqlite"
	"github.com/alanyoungcy/chainbot/internal/strategy"
	"github.com/alanyoungcy/chainbot/internal/telemetry"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Rules    domain.RuleStore
	Invoices domain.InvoiceStore

	// Caches
	Prices  domain.PriceCache
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Limiter domain.RateLimiter
	Memo    domain.OutcomeMemo

	// Gateway side
	Reader     *snapshot.Reader
	Dispatcher *executor.Dispatcher

	// Services
	Events    *notify.Emitter
	Metrics   *telemetry.Metrics
	Scheduler *scheduler.Scheduler
	Ledger    *service.InvoiceLedger
	Watcher   *service.InvoiceWatcher
	Notifier  *notify.Notifier

	// Archive is nil unless archiving is enabled.
	Archive *pipeline.ArchiveJob

	// Health holds one check per external backend.
	Health map[string]handler.HealthCheck
}

// Stores are the rule and invoice stores of one backend.
type Stores struct {
	Rules    domain.RuleStore
	Invoices domain.InvoiceStore
	Ping     handler.HealthCheck
}

// OpenStores opens the configured store backend. Postgres migrations run
// when postgres.run_migrations is set.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return &Stores{
			Rules:    memory.NewRuleStore(),
			Invoices: memory.NewInvoiceStore(),
		}, func() {}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return &Stores{
			Rules:    sqlite.NewRuleStore(db),
			Invoices: sqlite.NewInvoiceStore(db),
			Ping:     db.PingContext,
		}, func() { _ = db.Close() }, nil

	case "postgres":
		pg, err := postgres.New(ctx, PostgresClientConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.RunMigrations {
			applied, err := pg.RunMigrations(ctx)
			if err != nil {
				pg.Close()
				return nil, nil, err
			}
			for _, name := range applied {
				logger.InfoContext(ctx, "migration applied", slog.String("name", name))
			}
		}
		pool := pg.Pool()
		return &Stores{
			Rules:    postgres.NewRuleStore(pool),
			Invoices: postgres.NewInvoiceStore(pool),
			Ping:     pool.Ping,
		}, pg.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// PostgresClientConfig maps the postgres section onto the client settings.
func PostgresClientConfig(cfg *config.Config) postgres.ClientConfig {
	return postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	}
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Stores ---
	stores, closeStores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: store: %w", err))
	}
	closers = append(closers, closeStores)
	deps.Rules = stores.Rules
	deps.Invoices = stores.Invoices
	if stores.Ping != nil {
		deps.Health[cfg.Store.Backend] = stores.Ping
	}

	// --- Caches: Redis when enabled, in process otherwise ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Prices = redis.NewPriceCache(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Limiter = redis.NewRateLimiter(rc)
		deps.Memo = redis.NewOutcomeMemo(rc, cfg.Dispatch.InFlightTTL.Duration, cfg.Dispatch.MemoTTL.Duration)
		deps.Health["redis"] = rc.Ping
	} else {
		deps.Prices = cachemem.NewPriceCache()
		deps.Locks = cachemem.NewLockManager()
		deps.Bus = cachemem.NewSignalBus()
		deps.Limiter = cachemem.NewRateLimiter()
		deps.Memo = executor.NewMemo(cfg.Dispatch.MemoTTL.Duration)
	}

	// --- Telemetry ---
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: telemetry: %w", err))
	}
	closers = append(closers, func() { _ = provider.Shutdown(context.Background()) })
	deps.Metrics = telemetry.NewMetrics()
	deps.Events = notify.NewEmitter(deps.Bus, logger)

	// --- Gateway ---
	token, err := crypto.LoadToken(crypto.TokenConfig{
		RawToken:      cfg.Gateway.Token,
		EncryptedPath: cfg.Gateway.EncryptedTokenPath,
		Password:      cfg.Gateway.TokenPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: gateway token: %w", err))
	}
	gw, err := gateway.NewClient(gateway.ClientConfig{
		URL:         cfg.Gateway.URL,
		Canister:    cfg.Gateway.Canister,
		Token:       token,
		Timeout:     cfg.Gateway.Timeout.Duration,
		ReadRetries: cfg.Gateway.ReadRetries,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: gateway: %w", err))
	}

	table := gateway.DefaultTable()
	norm := normalize.Default()
	deps.Reader = snapshot.NewReader(gw, table, norm, deps.Prices, snapshot.Config{
		MaxConcurrent: cfg.Snapshot.MaxConcurrent,
		ReadTimeout:   cfg.Snapshot.ReadTimeout.Duration,
		MaxPriceAge:   cfg.Snapshot.MaxPriceAge.Duration,
	}, logger)

	writeCost, err := cfg.WriteCost()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Dispatcher = executor.NewDispatcher(gw, table, norm, deps.Memo, executor.Config{
		WritesPerSecond: cfg.Dispatch.WritesPerSecond,
		WriteBurst:      cfg.Dispatch.WriteBurst,
		WriteCostUSD:    writeCost,
		CallTimeout:     cfg.Dispatch.CallTimeout.Duration,
	}, deps.Metrics, logger)

	// --- Scheduler and invoices ---
	deps.Scheduler = scheduler.New(scheduler.Deps{
		Rules:    deps.Rules,
		Reader:   deps.Reader,
		Runner:   deps.Dispatcher,
		Registry: strategy.DefaultRegistry(),
		Locks:    deps.Locks,
		Events:   deps.Events,
		Metrics:  deps.Metrics,
		Logger:   logger,
	})

	deps.Ledger = service.NewInvoiceLedger(
		deps.Invoices,
		deps.Reader,
		deps.Dispatcher,
		deps.Locks,
		deps.Events,
		deps.Metrics,
		service.LedgerConfig{
			Detection: service.DetectionMode(cfg.Invoice.Detection),
			Reserves:  cfg.ChainReserves(),
			Treasury:  cfg.ChainTreasury(),
			TTL:       cfg.Invoice.TTL.Duration,
			LockTTL:   cfg.Scheduler.LockTTL.Duration,
		},
		logger,
	)
	deps.Watcher = service.NewInvoiceWatcher(deps.Ledger, cfg.Invoice.PollInterval.Duration, cfg.Invoice.AutoSweep, logger)

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		archiver, health, err := OpenArchiver(ctx, cfg, deps.Rules, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Archive = pipeline.NewArchiveJob(archiver, logger)
		deps.Health["s3"] = health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// OpenArchiver connects to S3 and returns the execution-log archiver over
// logs, with a bucket health check.
func OpenArchiver(ctx context.Context, cfg *config.Config, logs s3blob.LogSource, logger *slog.Logger) (*s3blob.LogArchiver, handler.HealthCheck, error) {
	c, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("s3: %w", err)
	}
	archiver := s3blob.NewLogArchiver(
		s3blob.NewWriter(c),
		s3blob.NewReader(c),
		logs,
		cfg.Archive.Prefix,
		cfg.Archive.BatchSize,
		logger,
	)
	return archiver, c.Health, nil
}

// SchedulerConfig maps the scheduler section onto a Start configuration.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Interval:           cfg.Scheduler.Interval.Duration,
		MaxConcurrentRules: cfg.Scheduler.MaxConcurrentRules,
		LockTTL:            cfg.Scheduler.LockTTL.Duration,
	}
}

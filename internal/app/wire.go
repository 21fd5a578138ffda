package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/auction"
	s3blob "github.com/alanyoungcy/auctionhouse/internal/blob/s3"
	"github.com/alanyoungcy/auctionhouse/internal/cache/redis"
	"github.com/alanyoungcy/auctionhouse/internal/chain"
	"github.com/alanyoungcy/auctionhouse/internal/config"
	"github.com/alanyoungcy/auctionhouse/internal/crypto"
	"github.com/alanyoungcy/auctionhouse/internal/domain"
	"github.com/alanyoungcy/auctionhouse/internal/executor"
	"github.com/alanyoungcy/auctionhouse/internal/notify"
	"github.com/alanyoungcy/auctionhouse/internal/server/handler"
	"github.com/alanyoungcy/auctionhouse/internal/server/middleware"
	"github.com/alanyoungcy/auctionhouse/internal/store/memory"
	"github.com/alanyoungcy/auctionhouse/internal/store/postgres"
)

// Dependencies bundles every component the application modes run. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	AuctionStore domain.AuctionStore
	AuditStore   domain.AuditStore

	// Settlement collaborators
	Registry       domain.OwnershipRegistry
	Payer          domain.SettlementPayer
	PaymentJournal domain.PaymentJournal

	// Coordination
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Blob storage
	Receipts domain.ReceiptArchive

	// Events and notifications
	Notifier   *notify.Notifier
	Dispatcher *notify.Dispatcher

	Engine   *auction.Engine
	Executor *executor.Executor

	// HealthChecks probes every external dependency that was wired.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Storage ---
	switch cfg.Storage {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.AuctionStore = postgres.NewAuctionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Registry = postgres.NewOwnershipStore(pool)
		deps.Payer = postgres.NewLedgerPayer(pool)
		deps.PaymentJournal = postgres.NewPaymentJournal(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping

	case "memory":
		deps.AuctionStore = memory.NewAuctionStore()
		deps.AuditStore = memory.NewAuditStore()
		registry, payer, err := seededLedgers(cfg.Seed)
		if err != nil {
			return fail(err)
		}
		deps.Registry = registry
		deps.Payer = payer
		deps.PaymentJournal = memory.NewPaymentJournal()
		logger.WarnContext(ctx, "wire: using in-memory storage; state is lost on restart")

	default:
		return fail(fmt.Errorf("wire: unknown storage %q", cfg.Storage))
	}

	// --- Chain settlement replaces the ledger collaborators ---
	if cfg.Settlement == "chain" {
		pk, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
			ExpectedAddress:  cfg.Wallet.Address,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: operator key: %w", err))
		}
		signer := crypto.NewSigner(pk, cfg.Chain.ChainID)

		chainClient, ec, err := chain.Dial(ctx, chain.Config{
			RPCURL:         cfg.Chain.RPCURL,
			ChainID:        cfg.Chain.ChainID,
			Contract:       cfg.Chain.Contract,
			Confirmations:  cfg.Chain.Confirmations,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
			PollInterval:   cfg.Chain.PollInterval.Duration,
		}, signer, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: chain: %w", err))
		}
		closers = append(closers, ec.Close)

		registry, err := chain.NewRegistry(chainClient)
		if err != nil {
			return fail(fmt.Errorf("wire: chain registry: %w", err))
		}
		deps.Registry = registry
		deps.Payer = chain.NewPayer(chainClient, deps.PaymentJournal)
		deps.HealthChecks["chain"] = func(ctx context.Context) error {
			_, err := ec.BlockNumber(ctx)
			return err
		}
		logger.InfoContext(ctx, "wire: chain settlement enabled",
			slog.Int64("chain_id", cfg.Chain.ChainID),
			slog.String("operator", signer.Address().Hex()),
		)
		if cfg.Storage == "memory" {
			logger.WarnContext(ctx, "wire: chain payment journal is in memory; a restart may resend a payment")
		}
	}

	// --- Redis, or in-process fallbacks ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
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
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.LockManager = auction.NewLocalLocks()
		deps.SignalBus = notify.NewLocalBus()
		deps.RateLimiter = middleware.NewLocalLimiter()
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Receipts = s3blob.NewReceiptArchive(s3blob.NewObjects(s3Client), cfg.S3.ReceiptPrefix)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Dispatcher = notify.NewDispatcher(deps.SignalBus, deps.Notifier, cfg.Notify.BufferSize, logger)

	// --- Engine and settler ---
	engine := auction.NewEngine(
		deps.AuctionStore,
		deps.Registry,
		deps.Payer,
		deps.Dispatcher,
		domain.SystemClock{},
		auction.Config{
			MaxCASAttempts:   cfg.Engine.MaxCASAttempts,
			TransferAttempts: cfg.Engine.TransferAttempts,
			RetryBackoff:     cfg.Engine.RetryBackoff.Duration,
			SettleLockTTL:    cfg.Engine.SettleLockTTL.Duration,
			LockAttempts:     cfg.Engine.LockAttempts,
		},
		logger,
	).WithLocks(deps.LockManager).WithAudit(deps.AuditStore)
	if deps.Receipts != nil {
		engine = engine.WithReceipts(deps.Receipts)
	}
	deps.Engine = engine

	deps.Executor = executor.NewExecutor(engine, deps.AuctionStore, domain.SystemClock{}, executor.Config{
		Workers:       cfg.Settler.Workers,
		QueueSize:     cfg.Settler.QueueSize,
		SweepInterval: cfg.Settler.SweepInterval.Duration,
		SweepBatch:    cfg.Settler.SweepBatch,
		RetryCooldown: cfg.Settler.RetryCooldown.Duration,
		SettleTimeout: cfg.Settler.SettleTimeout.Duration,
	}, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("storage", cfg.Storage),
		slog.String("settlement", cfg.Settlement),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("notify_senders", len(senders)),
		slog.Duration("settle_lock_ttl", cfg.Engine.SettleLockTTL.Duration),
	)

	return deps, cleanup, nil
}

// seededLedgers builds the in-memory registry and payer, preloaded from the
// [seed] config section.
func seededLedgers(seed config.SeedConfig) (*memory.OwnershipLedger, *memory.BalanceLedger, error) {
	registry := memory.NewOwnershipLedger()
	for asset, owner := range seed.Assets {
		registry.Mint(asset, owner)
	}

	payer := memory.NewBalanceLedger()
	for account, raw := range seed.Balances {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: seed balance for %s: %w", account, err)
		}
		if amount.IsNegative() {
			return nil, nil, fmt.Errorf("wire: seed balance for %s is negative", account)
		}
		payer.Deposit(account, amount)
	}
	return registry, payer, nil
}

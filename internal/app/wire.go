package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/oraclex/internal/blob/s3"
	"github.com/alanyoungcy/oraclex/internal/cache/redis"
	"github.com/alanyoungcy/oraclex/internal/config"
	"github.com/alanyoungcy/oraclex/internal/crypto"
	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/fanout"
	"github.com/alanyoungcy/oraclex/internal/ledger"
	"github.com/alanyoungcy/oraclex/internal/lifecycle"
	"github.com/alanyoungcy/oraclex/internal/notify"
	"github.com/alanyoungcy/oraclex/internal/server/handler"
	"github.com/alanyoungcy/oraclex/internal/store/memory"
	"github.com/alanyoungcy/oraclex/internal/store/postgres"
)

var _ lifecycle.Ledger = (*ledger.Gateway)(nil)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	AuditStore  domain.AuditStore

	// Redis-backed coordination; nil when Redis is disabled.
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil outside full mode or when the archive is disabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Ledger    *ledger.Gateway
	Events    *fanout.Broadcaster
	Engine    *lifecycle.Engine
	Notifier  *notify.Notifier
	Addresses ledger.Addresses

	// Health checks keyed by dependency name.
	Checks map[string]handler.Pinger
}

// needsS3 returns true when the archiver should run.
func needsS3(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Mode, "full") && cfg.Archive.Enabled
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
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- Stores ---
	if strings.EqualFold(cfg.Store.Backend, "postgres") {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.WarnContext(ctx, "using in-memory store; markets are lost on restart")
		deps.MarketStore = memory.NewMarketStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
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
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Events and notifications ---
	var fanoutOpts []fanout.Option
	if deps.SignalBus != nil {
		fanoutOpts = append(fanoutOpts, fanout.WithBus(deps.SignalBus, cfg.Redis.Channel))
	}
	deps.Events = fanout.New(logger, fanoutOpts...)

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Ledger ---
	key, err := crypto.LoadECDSA(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wire: signer key: %w", err)
	}
	addrs, err := resolveAddresses(cfg.Ledger)
	if err != nil {
		return fail("wire: %w", err)
	}
	deps.Addresses = addrs

	gw, err := ledger.Dial(ctx, ledger.Config{
		RPCURL:         cfg.Ledger.RPCURL,
		ChainID:        cfg.Ledger.ChainID,
		Key:            key,
		Addresses:      addrs,
		ArtifactsDir:   cfg.Ledger.ArtifactsDir,
		ReceiptTimeout: cfg.Ledger.ReceiptTimeout.Duration,
		PollInterval:   cfg.Ledger.PollInterval.Duration,
		GasBufferPct:   cfg.Ledger.GasBufferPct,
	}, logger)
	if err != nil {
		return fail("wire: %w", err)
	}
	closers = append(closers, gw.Close)
	deps.Ledger = gw

	// --- Lifecycle engine ---
	engine, err := lifecycle.New(lifecycle.Deps{
		Store:     deps.MarketStore,
		Audit:     deps.AuditStore,
		Cache:     deps.MarketCache,
		Locks:     deps.LockManager,
		Ledger:    gw,
		Publisher: deps.Events,
		Alerter:   deps.Notifier,
		Verifier:  crypto.VerifyPersonalSign,
		Logger:    logger,
	}, lifecycle.Config{
		MaxEventIDLen:     cfg.Market.MaxEventIDLen,
		MaxDescriptionLen: cfg.Market.MaxDescriptionLen,
		CloseHorizon:      cfg.Market.CloseHorizon.Duration,
		RequireSignature:  cfg.Market.RequireSignature,
		TokenDecimals:     cfg.Ledger.TokenDecimals,
		LockTTL:           cfg.Market.LockTTL.Duration,
		LockWait:          cfg.Market.LockWait.Duration,
		DropAfterPolls:    cfg.Market.DropAfterPolls,
	})
	if err != nil {
		return fail("wire: lifecycle: %w", err)
	}
	deps.Engine = engine

	// --- S3 blob storage (only when the archiver runs) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client, cfg.S3.PartSizeMB*1024*1024)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.MarketStore,
			deps.AuditStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}

// resolveAddresses merges explicitly configured contract addresses over the
// deployed.json registry.
func resolveAddresses(cfg config.LedgerConfig) (ledger.Addresses, error) {
	registry, err := ledger.LoadRegistry(cfg.DeployedPath)
	if err != nil {
		return ledger.Addresses{}, err
	}
	explicit := ledger.Addresses{
		Factory:    hexAddress(cfg.Factory),
		Verifier:   hexAddress(cfg.Verifier),
		Adapter:    hexAddress(cfg.Adapter),
		Collateral: hexAddress(cfg.Collateral),
	}
	return explicit.Merge(registry), nil
}

func hexAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORACLEX_* environment variable overrides, and
// returns the final Config. An empty path skips the file and starts from the
// defaults. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORACLEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ORACLEX_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ORACLEX_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ORACLEX_WALLET_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "ORACLEX_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "ORACLEX_LEDGER_CHAIN_ID")
	setDuration(&cfg.Ledger.ReceiptTimeout, "ORACLEX_LEDGER_RECEIPT_TIMEOUT")
	setDuration(&cfg.Ledger.PollInterval, "ORACLEX_LEDGER_POLL_INTERVAL")
	setUint64(&cfg.Ledger.GasBufferPct, "ORACLEX_LEDGER_GAS_BUFFER_PCT")
	setStr(&cfg.Ledger.DeployedPath, "ORACLEX_LEDGER_DEPLOYED_PATH")
	setStr(&cfg.Ledger.ArtifactsDir, "ORACLEX_LEDGER_ARTIFACTS_DIR")
	setStr(&cfg.Ledger.Factory, "ORACLEX_LEDGER_FACTORY_ADDRESS")
	setStr(&cfg.Ledger.Verifier, "ORACLEX_LEDGER_VERIFIER_ADDRESS")
	setStr(&cfg.Ledger.Adapter, "ORACLEX_LEDGER_ADAPTER_ADDRESS")
	setStr(&cfg.Ledger.Collateral, "ORACLEX_LEDGER_COLLATERAL_ADDRESS")
	setInt32(&cfg.Ledger.TokenDecimals, "ORACLEX_LEDGER_TOKEN_DECIMALS")

	// ── Market ──
	setInt(&cfg.Market.MaxEventIDLen, "ORACLEX_MARKET_MAX_EVENT_ID_LEN")
	setInt(&cfg.Market.MaxDescriptionLen, "ORACLEX_MARKET_MAX_DESCRIPTION_LEN")
	setDuration(&cfg.Market.CloseHorizon, "ORACLEX_MARKET_CLOSE_HORIZON")
	setBool(&cfg.Market.RequireSignature, "ORACLEX_MARKET_REQUIRE_SIGNATURE")
	setDuration(&cfg.Market.LockTTL, "ORACLEX_MARKET_LOCK_TTL")
	setDuration(&cfg.Market.LockWait, "ORACLEX_MARKET_LOCK_WAIT")
	setInt(&cfg.Market.DropAfterPolls, "ORACLEX_MARKET_DROP_AFTER_POLLS")

	// ── Store ──
	setStr(&cfg.Store.Backend, "ORACLEX_STORE_BACKEND")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "ORACLEX_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "ORACLEX_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "ORACLEX_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "ORACLEX_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "ORACLEX_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "ORACLEX_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "ORACLEX_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "ORACLEX_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "ORACLEX_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "ORACLEX_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORACLEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORACLEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLEX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ORACLEX_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.CacheTTL, "ORACLEX_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "ORACLEX_REDIS_CHANNEL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORACLEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLEX_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "ORACLEX_S3_PREFIX")
	setInt64(&cfg.S3.PartSizeMB, "ORACLEX_S3_PART_SIZE_MB")

	// ── Archive / reconcile ──
	setBool(&cfg.Archive.Enabled, "ORACLEX_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ORACLEX_ARCHIVE_INTERVAL")
	setDuration(&cfg.Reconcile.Interval, "ORACLEX_RECONCILE_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORACLEX_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port wins
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORACLEX_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLEX_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLEX_MODE")
	setStr(&cfg.LogLevel, "ORACLEX_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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

// Package config defines the top-level configuration for the oraclex
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORACLEX_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Market    MarketConfig    `toml:"market"`
	Store     StoreConfig     `toml:"store"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the backend signer credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig holds the RPC endpoint, chain and contract addresses.
type LedgerConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	PollInterval   duration `toml:"poll_interval"`
	GasBufferPct   uint64   `toml:"gas_buffer_pct"`
	// DeployedPath points at a deployed.json contract registry. Addresses
	// set below win over the file.
	DeployedPath  string `toml:"deployed_path"`
	ArtifactsDir  string `toml:"artifacts_dir"`
	Factory       string `toml:"factory_address"`
	Verifier      string `toml:"verifier_address"`
	Adapter       string `toml:"adapter_address"`
	Collateral    string `toml:"collateral_address"`
	TokenDecimals int32  `toml:"token_decimals"`
}

// MarketConfig holds the bounds applied to new market terms.
type MarketConfig struct {
	MaxEventIDLen     int      `toml:"max_event_id_len"`
	MaxDescriptionLen int      `toml:"max_description_len"`
	CloseHorizon      duration `toml:"close_horizon"`
	RequireSignature  bool     `toml:"require_signature"`
	LockTTL           duration `toml:"lock_ttl"`
	LockWait          duration `toml:"lock_wait"`
	// DropAfterPolls is how many polls may find a pending transaction
	// unknown to the node before it is cleared as dropped.
	DropAfterPolls int `toml:"drop_after_polls"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // memory | postgres
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters. Redis is optional: without
// it the cache is skipped, locks are process-local and events stay on this
// instance.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	CacheTTL   duration `toml:"cache_ttl"`
	Channel    string   `toml:"channel"`
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
	Prefix         string `toml:"prefix"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// ArchiveConfig controls the settled-market archiver (full mode only).
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// ReconcileConfig controls the background pending-transaction sweep.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
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
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"` // comma-separated; any listed key is accepted
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        31337,
			ReceiptTimeout: duration{60 * time.Second},
			PollInterval:   duration{time.Second},
			GasBufferPct:   20,
			DeployedPath:   "deployed.json",
			TokenDecimals:  6,
		},
		Market: MarketConfig{
			MaxEventIDLen:     128,
			MaxDescriptionLen: 500,
			CloseHorizon:      duration{365 * 24 * time.Hour},
			LockTTL:           duration{5 * time.Minute},
			LockWait:          duration{30 * time.Second},
			DropAfterPolls:    3,
		},
		Store: StoreConfig{Backend: "memory"},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "oraclex:",
			CacheTTL:   duration{10 * time.Minute},
			Channel:    "events:lifecycle",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oraclex-archive",
			ForcePathStyle: true,
			PartSizeMB:     8,
		},
		Archive: ArchiveConfig{
			Interval: duration{time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"ledger_fatal", "market.deploy_failed", "market.settled"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: the backend signs every ledger transaction.
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	if c.Ledger.ReceiptTimeout.Duration <= 0 {
		errs = append(errs, "ledger: receipt_timeout must be > 0")
	}
	if c.Ledger.TokenDecimals < 0 || c.Ledger.TokenDecimals > 36 {
		errs = append(errs, fmt.Sprintf("ledger: token_decimals must be 0-36, got %d", c.Ledger.TokenDecimals))
	}
	for name, v := range map[string]string{
		"factory_address":    c.Ledger.Factory,
		"verifier_address":   c.Ledger.Verifier,
		"adapter_address":    c.Ledger.Adapter,
		"collateral_address": c.Ledger.Collateral,
	} {
		if v != "" && !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("ledger: %s is not a hex address: %q", name, v))
		}
	}

	// Market
	if c.Market.MaxEventIDLen < 1 {
		errs = append(errs, "market: max_event_id_len must be >= 1")
	}
	if c.Market.MaxDescriptionLen < 1 {
		errs = append(errs, "market: max_description_len must be >= 1")
	}
	if c.Market.CloseHorizon.Duration <= 0 {
		errs = append(errs, "market: close_horizon must be > 0")
	}
	if c.Market.LockTTL.Duration <= 0 {
		errs = append(errs, "market: lock_ttl must be > 0")
	}

	// Store
	if !validBackends[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, postgres)", c.Store.Backend))
	}
	if strings.EqualFold(c.Store.Backend, "postgres") {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.Channel == "" {
			errs = append(errs, "redis: channel must not be empty")
		}
	}

	// Archive: only meaningful in full mode, where it needs S3.
	if c.Archive.Enabled && strings.EqualFold(c.Mode, "full") {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	if c.Reconcile.Interval.Duration < 0 {
		errs = append(errs, "reconcile: interval must not be negative")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Notify: a Telegram token without a chat has nowhere to send.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

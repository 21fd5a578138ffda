// Package config defines the top-level configuration for the auction service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AUCTIOND_* environment variables.
type Config struct {
	Postgres   PostgresConfig `toml:"postgres"`
	Redis      RedisConfig    `toml:"redis"`
	S3         S3Config       `toml:"s3"`
	Chain      ChainConfig    `toml:"chain"`
	Wallet     WalletConfig   `toml:"wallet"`
	Engine     EngineConfig   `toml:"engine"`
	Settler    SettlerConfig  `toml:"settler"`
	Server     ServerConfig   `toml:"server"`
	Notify     NotifyConfig   `toml:"notify"`
	Seed       SeedConfig     `toml:"seed"`
	Storage    string         `toml:"storage"`    // postgres | memory
	Settlement string         `toml:"settlement"` // ledger | chain
	Mode       string         `toml:"mode"`
	LogLevel   string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: when
// disabled, settle locks, the event bus and rate limits are in-process.
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

// S3Config holds S3-compatible object storage parameters for the receipt
// archive. Disabled means receipts are served from the auction store only.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ReceiptPrefix  string `toml:"receipt_prefix"`
}

// ChainConfig holds EVM settlement parameters, used when settlement = "chain".
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	Contract       string   `toml:"contract"`
	Confirmations  uint64   `toml:"confirmations"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	PollInterval   duration `toml:"poll_interval"`
}

// WalletConfig holds the operator key that signs chain transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Address, when set, must match the loaded key.
	Address string `toml:"address"`
}

// EngineConfig tunes the auction engine's retry behavior.
type EngineConfig struct {
	MaxCASAttempts   int      `toml:"max_cas_attempts"`
	TransferAttempts int      `toml:"transfer_attempts"`
	RetryBackoff     duration `toml:"retry_backoff"`
	SettleLockTTL    duration `toml:"settle_lock_ttl"`
	LockAttempts     int      `toml:"lock_attempts"`
}

// SettlerConfig tunes the background settlement workers.
type SettlerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Workers       int      `toml:"workers"`
	QueueSize     int      `toml:"queue_size"`
	SweepInterval duration `toml:"sweep_interval"`
	SweepBatch    int      `toml:"sweep_batch"`
	RetryCooldown duration `toml:"retry_cooldown"`
	SettleTimeout duration `toml:"settle_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	BidRateLimit  int      `toml:"bid_rate_limit"`
	BidRateWindow duration `toml:"bid_rate_window"`

	// TrustProxyHeaders keys rate limits on X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
	BufferSize        int      `toml:"buffer_size"`
}

// SeedConfig preloads the in-memory ledgers when storage = "memory" and
// settlement = "ledger". Keys are asset refs and accounts respectively.
type SeedConfig struct {
	Assets   map[string]string `toml:"assets"`   // asset ref -> owner
	Balances map[string]string `toml:"balances"` // account -> decimal amount
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "auctionhouse",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "auctiond:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "auction-receipts",
			ForcePathStyle: true,
			ReceiptPrefix:  "receipts",
		},
		Chain: ChainConfig{
			ChainID:        1,
			Confirmations:  2,
			ReceiptTimeout: duration{2 * time.Minute},
			PollInterval:   duration{2 * time.Second},
		},
		Engine: EngineConfig{
			MaxCASAttempts:   8,
			TransferAttempts: 3,
			RetryBackoff:     duration{25 * time.Millisecond},
			SettleLockTTL:    duration{2 * time.Minute},
			LockAttempts:     3,
		},
		Settler: SettlerConfig{
			Enabled:       true,
			Workers:       4,
			QueueSize:     256,
			SweepInterval: duration{15 * time.Second},
			SweepBatch:    100,
			RetryCooldown: duration{time.Minute},
			SettleTimeout: duration{2 * time.Minute},
		},
		Server: ServerConfig{
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			BidRateLimit:  30,
			BidRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:     []string{"auction_settled", "settlement_failed"},
			BufferSize: 1024,
		},
		Storage:    "postgres",
		Settlement: "ledger",
		Mode:       "full",
		LogLevel:   "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"settler": true,
	"full":    true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, settler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage {
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
	case "memory":
		if c.Mode == "settler" {
			errs = append(errs, "storage: mode settler needs shared storage, not memory")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Settlement
	switch c.Settlement {
	case "ledger":
	case "chain":
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for settlement chain")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for settlement chain")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown settlement %q (valid: ledger, chain)", c.Settlement))
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

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Engine
	if c.Engine.MaxCASAttempts < 1 {
		errs = append(errs, "engine: max_cas_attempts must be >= 1")
	}
	if c.Engine.TransferAttempts < 1 {
		errs = append(errs, "engine: transfer_attempts must be >= 1")
	}
	if c.Engine.SettleLockTTL.Duration <= 0 {
		errs = append(errs, "engine: settle_lock_ttl must be > 0")
	}

	// Settler
	if c.Settler.Enabled {
		if c.Settler.Workers < 1 {
			errs = append(errs, "settler: workers must be >= 1")
		}
		if c.Settler.SweepInterval.Duration <= 0 {
			errs = append(errs, "settler: sweep_interval must be > 0")
		}
		if c.Settler.SettleTimeout.Duration > c.Engine.SettleLockTTL.Duration {
			errs = append(errs, "settler: settle_timeout must not exceed engine.settle_lock_ttl")
		}
	}

	// Server
	if c.Mode != "settler" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.BidRateLimit < 0 {
			errs = append(errs, "server: bid_rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

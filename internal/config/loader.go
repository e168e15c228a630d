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
// built-in defaults, applies MARGIND_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARGIND_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MARGIND_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MARGIND_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MARGIND_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MARGIND_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MARGIND_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARGIND_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARGIND_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARGIND_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARGIND_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARGIND_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARGIND_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARGIND_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARGIND_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARGIND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGIND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGIND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARGIND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARGIND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARGIND_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARGIND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARGIND_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARGIND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARGIND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARGIND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARGIND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARGIND_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setStr(&cfg.Engine.ManagerAddress, "MARGIND_ENGINE_MANAGER_ADDRESS")
	setStr(&cfg.Engine.OwnerAddress, "MARGIND_ENGINE_OWNER_ADDRESS")
	setStr(&cfg.Engine.RouterAddress, "MARGIND_ENGINE_ROUTER_ADDRESS")
	setStr(&cfg.Engine.TreasuryAddress, "MARGIND_ENGINE_TREASURY_ADDRESS")
	setDuration(&cfg.Engine.OracleStaleTolerance, "MARGIND_ENGINE_ORACLE_STALE_TOLERANCE")

	// ── Router ──
	setInt64(&cfg.Router.DefaultBorrowRateBps, "MARGIND_ROUTER_DEFAULT_BORROW_RATE_BPS")
	setInt64(&cfg.Router.MaintenanceMarginBps, "MARGIND_ROUTER_MAINTENANCE_MARGIN_BPS")
	setInt64(&cfg.Router.LiquidatorFeeBps, "MARGIND_ROUTER_LIQUIDATOR_FEE_BPS")
	setInt64(&cfg.Router.MarginFeeBps, "MARGIND_ROUTER_MARGIN_FEE_BPS")
	setStringSlice(&cfg.Router.Keepers, "MARGIND_ROUTER_KEEPERS")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "MARGIND_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "MARGIND_FEED_WS_URL")
	setDuration(&cfg.Feed.ReconnectBackoff, "MARGIND_FEED_RECONNECT_BACKOFF")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "MARGIND_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Address, "MARGIND_KEEPER_ADDRESS")
	setDuration(&cfg.Keeper.ScanInterval, "MARGIND_KEEPER_SCAN_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "MARGIND_KEEPER_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MARGIND_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MARGIND_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "MARGIND_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARGIND_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARGIND_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MARGIND_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MARGIND_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MARGIND_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARGIND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARGIND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARGIND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARGIND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARGIND_MODE")
	setStr(&cfg.LogLevel, "MARGIND_LOG_LEVEL")
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

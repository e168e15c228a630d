// Package config defines the top-level configuration for the margin engine
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MARGIND_* environment
// variables.
type Config struct {
	Wallet      WalletConfig       `toml:"wallet"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Engine      EngineConfig       `toml:"engine"`
	Router      RouterConfig       `toml:"router"`
	Seats       SeatsConfig        `toml:"seats"`
	Assets      []AssetConfig      `toml:"assets"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Feed        FeedConfig         `toml:"feed"`
	Keeper      KeeperConfig       `toml:"keeper"`
	Archive     ArchiveConfig      `toml:"archive"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// WalletConfig holds the treasury signing key used for notifications that
// require authentication and for address derivation.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// EngineConfig holds the engine's privileged addresses and oracle tolerance.
type EngineConfig struct {
	// ManagerAddress is the margin manager's custody account.
	ManagerAddress string `toml:"manager_address"`
	// OwnerAddress receives protocol fees and may whitelist assets.
	OwnerAddress string `toml:"owner_address"`
	// RouterAddress is the only caller allowed to open positions.
	RouterAddress string `toml:"router_address"`
	// TreasuryAddress receives option minting fees.
	TreasuryAddress string `toml:"treasury_address"`
	// OracleStaleTolerance bounds the age of a quote frozen at settlement.
	OracleStaleTolerance duration `toml:"oracle_stale_tolerance"`
}

// RouterConfig holds the margin model parameters.
type RouterConfig struct {
	DefaultBorrowRateBps int64            `toml:"default_borrow_rate_bps"`
	BorrowRateBps        map[string]int64 `toml:"borrow_rate_bps"`
	MaintenanceMarginBps int64            `toml:"maintenance_margin_bps"`
	LiquidatorFeeBps     int64            `toml:"liquidator_fee_bps"`
	MarginFeeBps         int64            `toml:"margin_fee_bps"`
	Keepers              []string         `toml:"keepers"`
}

// SeatsConfig holds the referral seat registry.
type SeatsConfig struct {
	MintingFeeBps uint64       `toml:"minting_fee_bps"`
	Seats         []SeatConfig `toml:"seats"`
}

// SeatConfig is one registered referral seat.
type SeatConfig struct {
	ID    uint64 `toml:"id"`
	Owner string `toml:"owner"`
	Score uint64 `toml:"score"`
}

// AssetConfig is one whitelisted collateral asset and its lending vault.
type AssetConfig struct {
	Address      string `toml:"address"`
	Symbol       string `toml:"symbol"`
	Decimals     uint8  `toml:"decimals"`
	VaultAddress string `toml:"vault_address"`
}

// InstrumentConfig is one option series registered at startup.
type InstrumentConfig struct {
	Address    string `toml:"address"`
	Kind       string `toml:"kind"` // "call" or "put"
	Strike     string `toml:"strike"`
	Expiry     string `toml:"expiry"` // RFC 3339
	Underlying string `toml:"underlying"`
	Quote      string `toml:"quote"`
}

// FeedConfig holds the websocket price feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
	// Symbols maps feed symbols to asset addresses, e.g. "ETHUSDC" -> 0x40...
	Symbols          map[string]string `toml:"symbols"`
	ReconnectBackoff duration          `toml:"reconnect_backoff"`
}

// KeeperConfig holds the liquidation/settlement keeper parameters.
type KeeperConfig struct {
	Enabled bool `toml:"enabled"`
	// Address identifies the keeper on the router allowlist.
	Address      string   `toml:"address"`
	ScanInterval duration `toml:"scan_interval"`
	LockTTL      duration `toml:"lock_ttl"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
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
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit int `toml:"rate_limit"`
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
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "margind",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "margind-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			OracleStaleTolerance: duration{2 * time.Hour},
		},
		Router: RouterConfig{
			DefaultBorrowRateBps: 500,
			MaintenanceMarginBps: 1_000,
			LiquidatorFeeBps:     500,
			MarginFeeBps:         1_000,
		},
		Seats: SeatsConfig{
			MintingFeeBps: 30,
		},
		Feed: FeedConfig{
			Enabled:          false,
			ReconnectBackoff: duration{5 * time.Second},
		},
		Keeper: KeeperConfig{
			Enabled:      false,
			ScanInterval: duration{30 * time.Second},
			LockTTL:      duration{2 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_settled", "position_liquidated", "margin_warning", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Run modes.
const (
	ModeServer = "server"
	ModeKeeper = "keeper"
	ModeFull   = "full"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeServer: true,
	ModeKeeper: true,
	ModeFull:   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Engine addresses
	for _, a := range []struct{ name, val string }{
		{"manager_address", c.Engine.ManagerAddress},
		{"owner_address", c.Engine.OwnerAddress},
		{"router_address", c.Engine.RouterAddress},
		{"treasury_address", c.Engine.TreasuryAddress},
	} {
		if a.val == "" {
			errs = append(errs, "engine: "+a.name+" must be set")
		} else if !isHexAddress(a.val) {
			errs = append(errs, fmt.Sprintf("engine: %s %q is not a valid address", a.name, a.val))
		}
	}
	if c.Engine.OracleStaleTolerance.Duration <= 0 {
		errs = append(errs, "engine: oracle_stale_tolerance must be positive")
	}

	// Router
	if c.Router.DefaultBorrowRateBps < 0 {
		errs = append(errs, "router: default_borrow_rate_bps must be >= 0")
	}
	if c.Router.MaintenanceMarginBps <= 0 || c.Router.MaintenanceMarginBps > 10_000 {
		errs = append(errs, "router: maintenance_margin_bps must be in (0, 10000]")
	}
	if c.Router.LiquidatorFeeBps < 0 || c.Router.LiquidatorFeeBps > 10_000 {
		errs = append(errs, "router: liquidator_fee_bps must be in [0, 10000]")
	}
	if c.Router.MarginFeeBps < 0 || c.Router.MarginFeeBps > 10_000 {
		errs = append(errs, "router: margin_fee_bps must be in [0, 10000]")
	}
	for _, k := range c.Router.Keepers {
		if !isHexAddress(k) {
			errs = append(errs, fmt.Sprintf("router: keeper %q is not a valid address", k))
		}
	}

	// Seats
	if c.Seats.MintingFeeBps > 10_000 {
		errs = append(errs, "seats: minting_fee_bps must be <= 10000")
	}
	for _, s := range c.Seats.Seats {
		if s.ID == 0 {
			errs = append(errs, "seats: seat id 0 is reserved")
		}
		if s.Score > 100 {
			errs = append(errs, fmt.Sprintf("seats: seat %d score must be <= 100", s.ID))
		}
		if !isHexAddress(s.Owner) {
			errs = append(errs, fmt.Sprintf("seats: seat %d owner %q is not a valid address", s.ID, s.Owner))
		}
	}

	// Assets and instruments
	assetAddrs := map[string]bool{}
	for i, a := range c.Assets {
		if !isHexAddress(a.Address) {
			errs = append(errs, fmt.Sprintf("assets[%d]: address %q is not valid", i, a.Address))
		}
		if !isHexAddress(a.VaultAddress) {
			errs = append(errs, fmt.Sprintf("assets[%d]: vault_address %q is not valid", i, a.VaultAddress))
		}
		if a.Symbol == "" {
			errs = append(errs, fmt.Sprintf("assets[%d]: symbol must be set", i))
		}
		assetAddrs[strings.ToLower(a.Address)] = true
	}
	for i, inst := range c.Instruments {
		if !isHexAddress(inst.Address) {
			errs = append(errs, fmt.Sprintf("instruments[%d]: address %q is not valid", i, inst.Address))
		}
		if inst.Kind != "call" && inst.Kind != "put" {
			errs = append(errs, fmt.Sprintf("instruments[%d]: kind must be call or put, got %q", i, inst.Kind))
		}
		if _, err := time.Parse(time.RFC3339, inst.Expiry); err != nil {
			errs = append(errs, fmt.Sprintf("instruments[%d]: expiry %q is not RFC 3339", i, inst.Expiry))
		}
		if !assetAddrs[strings.ToLower(inst.Underlying)] {
			errs = append(errs, fmt.Sprintf("instruments[%d]: underlying %q is not a configured asset", i, inst.Underlying))
		}
		if !assetAddrs[strings.ToLower(inst.Quote)] {
			errs = append(errs, fmt.Sprintf("instruments[%d]: quote %q is not a configured asset", i, inst.Quote))
		}
	}

	// Feed
	if c.Feed.Enabled {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must be set when the feed is enabled")
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: symbols must not be empty when the feed is enabled")
		}
	}

	// Keeper
	if c.Keeper.Enabled {
		if !isHexAddress(c.Keeper.Address) {
			errs = append(errs, fmt.Sprintf("keeper: address %q is not a valid address", c.Keeper.Address))
		}
		if c.Keeper.ScanInterval.Duration <= 0 {
			errs = append(errs, "keeper: scan_interval must be positive")
		}
		if c.Keeper.LockTTL.Duration <= 0 {
			errs = append(errs, "keeper: lock_ttl must be positive")
		}
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 (needed only when archiving)
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Engine.ManagerAddress = "0x0000000000000000000000000000000000000003"
	cfg.Engine.OwnerAddress = "0x0000000000000000000000000000000000000001"
	cfg.Engine.RouterAddress = "0x0000000000000000000000000000000000000002"
	cfg.Engine.TreasuryAddress = "0x0000000000000000000000000000000000000001"
	return cfg
}

func TestValidateDefaultsNeedEngineAddresses(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "manager_address")
}

func TestValidateAccepts(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadInstrument(t *testing.T) {
	cfg := validConfig()
	cfg.Assets = []AssetConfig{{
		Address:      "0x0000000000000000000000000000000000000040",
		Symbol:       "WETH",
		Decimals:     18,
		VaultAddress: "0x0000000000000000000000000000000000000004",
	}}
	cfg.Instruments = []InstrumentConfig{{
		Address:    "0x0000000000000000000000000000000000000005",
		Kind:       "straddle",
		Strike:     "2000000000",
		Expiry:     "not-a-time",
		Underlying: "0x0000000000000000000000000000000000000040",
		Quote:      "0x0000000000000000000000000000000000000041", // unknown asset
	}}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "kind must be call or put")
	require.Contains(t, err.Error(), "not RFC 3339")
	require.Contains(t, err.Error(), "not a configured asset")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARGIND_MODE", "keeper")
	t.Setenv("MARGIND_REDIS_ADDR", "redis:6380")
	t.Setenv("MARGIND_KEEPER_SCAN_INTERVAL", "45s")
	t.Setenv("MARGIND_ROUTER_KEEPERS", "0x0000000000000000000000000000000000000020, 0x0000000000000000000000000000000000000021")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	require.Equal(t, "keeper", cfg.Mode)
	require.Equal(t, "redis:6380", cfg.Redis.Addr)
	require.Equal(t, 45*time.Second, cfg.Keeper.ScanInterval.Duration)
	require.Len(t, cfg.Router.Keepers, 2)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "secret"
	cfg.Wallet.PrivateKey = "0xdeadbeef"

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.S3.SecretKey)
	require.Equal(t, "***", red.Wallet.PrivateKey)
	// The original is untouched.
	require.Equal(t, "hunter2", cfg.Postgres.Password)
}

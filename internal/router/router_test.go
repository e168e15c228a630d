package router

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBorrowRateOverrides(t *testing.T) {
	weth := common.HexToAddress("0x40")
	r := New(Config{
		DefaultBorrowRateBps: 500,
		BorrowRateBps:        map[common.Address]int64{weth: 750},
	})
	require.Equal(t, int64(750), r.BorrowRate(weth).Int64())
	require.Equal(t, int64(500), r.BorrowRate(common.HexToAddress("0x41")).Int64())
}

func TestInterestOwedSimple(t *testing.T) {
	r := New(Config{})
	// 10000 principal at 500 bps for half a year: 250.
	principal := big.NewInt(10_000)
	got := r.InterestOwed(false, common.Address{}, principal, big.NewInt(500), 365*12*time.Hour)
	require.Equal(t, int64(250), got.Int64())

	// Zero elapsed charges nothing.
	got = r.InterestOwed(false, common.Address{}, principal, big.NewInt(500), 0)
	require.Equal(t, int64(0), got.Int64())
}

func TestIsLiquidatable(t *testing.T) {
	r := New(Config{MaintenanceMarginBps: 1_000}) // 10%
	portfolio := big.NewInt(10_000)

	require.False(t, r.IsLiquidatable(big.NewInt(1_000), portfolio)) // exactly at margin
	require.True(t, r.IsLiquidatable(big.NewInt(999), portfolio))
	require.False(t, r.IsLiquidatable(big.NewInt(5_000), portfolio))
}

func TestKeeperAllowlist(t *testing.T) {
	keeper := common.HexToAddress("0x20")
	r := New(Config{Keepers: []common.Address{keeper}})
	require.True(t, r.IsKeeper(keeper))
	require.False(t, r.IsKeeper(common.HexToAddress("0x21")))

	other := common.HexToAddress("0x22")
	r.AddKeeper(other)
	require.True(t, r.IsKeeper(other))
}

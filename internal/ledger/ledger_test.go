package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestMintTransferBurn(t *testing.T) {
	l := New("USDC", 6)

	require.NoError(t, l.Mint(alice, big.NewInt(1_000_000)))
	require.Equal(t, int64(1_000_000), l.BalanceOf(alice).Int64())

	require.NoError(t, l.Transfer(alice, bob, big.NewInt(400_000)))
	require.Equal(t, int64(600_000), l.BalanceOf(alice).Int64())
	require.Equal(t, int64(400_000), l.BalanceOf(bob).Int64())

	require.NoError(t, l.Burn(bob, big.NewInt(400_000)))
	require.Equal(t, int64(0), l.BalanceOf(bob).Int64())
	require.Equal(t, int64(600_000), l.TotalSupply().Int64())
}

func TestTransferInsufficient(t *testing.T) {
	l := New("WETH", 18)
	require.NoError(t, l.Mint(alice, big.NewInt(100)))

	err := l.Transfer(alice, bob, big.NewInt(101))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Failed transfer must not move anything.
	require.Equal(t, int64(100), l.BalanceOf(alice).Int64())
	require.Equal(t, int64(0), l.BalanceOf(bob).Int64())
}

func TestBurnUnknownAccount(t *testing.T) {
	l := New("USDC", 6)
	require.ErrorIs(t, l.Burn(alice, big.NewInt(1)), domain.ErrInsufficientBalance)
}

func TestNegativeAmountRejected(t *testing.T) {
	l := New("USDC", 6)
	require.ErrorIs(t, l.Mint(alice, big.NewInt(-1)), domain.ErrInvalidAmount)
	require.ErrorIs(t, l.Transfer(alice, bob, big.NewInt(-1)), domain.ErrInvalidAmount)
}

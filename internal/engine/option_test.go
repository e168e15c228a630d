package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
)

func TestOptionMintEscrowsCollateral(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)

	qty := big.NewInt(1_000_000)
	net, err := env.opt.Mint(t.Context(), traderAddr, qty, traderAddr, 0)
	require.NoError(t, err)
	require.Equal(t, qty, net) // no fee configured

	require.Equal(t, int64(0), env.balance(traderAddr).Int64())
	require.Equal(t, int64(2_000_000_000), env.balance(instrumentAddr).Int64())
	require.Equal(t, qty, env.opt.Units().BalanceOf(traderAddr))
	require.Equal(t, qty, env.opt.SoldSize(traderAddr))
}

func TestOptionMintFeeSplitWithSeat(t *testing.T) {
	env := newPutEnv(t)
	env.seats.feeBps = 100 // 1%
	env.fund(t, traderAddr, 2_000_000_000)

	// Seat 7 has score 40: fee drops to 60 bps and the seat owner earns 40%
	// of the charged units.
	qty := big.NewInt(1_000_000)
	net, err := env.opt.Mint(t.Context(), traderAddr, qty, traderAddr, 7)
	require.NoError(t, err)

	fee := big.NewInt(6_000) // 60 bps of 1e6
	require.Equal(t, new(big.Int).Sub(qty, fee), net)
	require.Equal(t, big.NewInt(2_400), env.opt.Units().BalanceOf(seatOwnerAddr))
	require.Equal(t, big.NewInt(3_600), env.opt.Units().BalanceOf(ownerAddr))
	// The sold book tracks the gross quantity.
	require.Equal(t, qty, env.opt.SoldSize(traderAddr))
}

func TestOptionMintRejectsUnknownSeat(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, big.NewInt(1_000_000), traderAddr, 99)
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestOptionMintAfterExpiry(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	env.clock.Advance(31 * 24 * time.Hour)
	_, err := env.opt.Mint(t.Context(), traderAddr, big.NewInt(1_000_000), traderAddr, 0)
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestSettlementPriceBeforeExpiry(t *testing.T) {
	env := newPutEnv(t)
	env.oracle.set(big.NewInt(1_800_000_000), env.clock.Now())
	_, err := env.opt.SetSettlementPrice(t.Context())
	require.ErrorIs(t, err, domain.ErrNotExpired)
}

func TestSettlementPriceRejectsStaleQuote(t *testing.T) {
	env := newPutEnv(t)
	env.oracle.set(big.NewInt(1_800_000_000), env.clock.Now())
	env.clock.Advance(30*24*time.Hour + 3*time.Hour) // quote now older than tolerance
	_, err := env.opt.SetSettlementPrice(t.Context())
	require.ErrorIs(t, err, domain.ErrStalePrice)
}

func TestSettlementPriceFreezesOnce(t *testing.T) {
	env := newPutEnv(t)
	env.freeze(t, 1_800_000_000)

	// Later oracle moves must not leak into the frozen price.
	env.oracle.set(big.NewInt(1_000_000_000), env.clock.Now())
	price, err := env.opt.SetSettlementPrice(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(1_800_000_000), price.Int64())
}

func TestPutSettlementPayoffs(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	qty := big.NewInt(1_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, qty, traderAddr, 0)
	require.NoError(t, err)

	env.freeze(t, 1_800_000_000)

	// Holder: (strike - settle) per unit at price scale.
	payout, err := env.opt.BuyerSettlementITM(t.Context(), traderAddr, qty)
	require.NoError(t, err)
	require.Equal(t, int64(200_000_000), payout.Int64())

	// Writer: residual escrow, settle per unit.
	payout, err = env.opt.SellerSettlementITM(t.Context(), traderAddr)
	require.NoError(t, err)
	require.Equal(t, int64(1_800_000_000), payout.Int64())

	// Escrow fully drained, nothing stranded.
	require.Equal(t, int64(0), env.balance(instrumentAddr).Int64())
	require.Equal(t, int64(2_000_000_000), env.balance(traderAddr).Int64())
	require.Equal(t, int64(0), env.opt.SoldSize(traderAddr).Int64())
}

func TestCallSettlementConservesEscrow(t *testing.T) {
	env := newCallEnv(t)
	escrow := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil) // 1 WETH
	env.fundBig(t, traderAddr, escrow)
	qty := big.NewInt(1_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, qty, traderAddr, 0)
	require.NoError(t, err)

	env.freeze(t, 2_500_000_000)

	buyer, err := env.opt.BuyerSettlementITM(t.Context(), traderAddr, qty)
	require.NoError(t, err)
	seller, err := env.opt.SellerSettlementITM(t.Context(), traderAddr)
	require.NoError(t, err)

	// escrow * (settle-strike)/settle plus escrow * strike/settle == escrow
	require.Equal(t, escrow, new(big.Int).Add(buyer, seller))
	require.Equal(t, int64(0), env.balance(instrumentAddr).Int64())
}

func TestSettlementDirectionsAreExclusive(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	qty := big.NewInt(1_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, qty, traderAddr, 0)
	require.NoError(t, err)

	// Exactly at the strike counts as out of the money.
	env.freeze(t, putStrike)

	_, err = env.opt.BuyerSettlementITM(t.Context(), traderAddr, qty)
	require.ErrorIs(t, err, domain.ErrWrongSettlementDirection)
	_, err = env.opt.SellerSettlementITM(t.Context(), traderAddr)
	require.ErrorIs(t, err, domain.ErrWrongSettlementDirection)

	payout, err := env.opt.SellerSettlementOTM(t.Context(), traderAddr)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_000), payout.Int64())
}

func TestSellerSettlementRequiresSoldSize(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, big.NewInt(1_000_000), traderAddr, 0)
	require.NoError(t, err)
	env.freeze(t, 2_100_000_000)

	_, err = env.opt.SellerSettlementOTM(t.Context(), addr(0x99))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Settling twice drains the sold book on the first call.
	_, err = env.opt.SellerSettlementOTM(t.Context(), traderAddr)
	require.NoError(t, err)
	_, err = env.opt.SellerSettlementOTM(t.Context(), traderAddr)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestLiquidationSettlementVaultOnly(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, traderAddr, 2_000_000_000)
	_, err := env.opt.Mint(t.Context(), traderAddr, big.NewInt(1_000_000), traderAddr, 0)
	require.NoError(t, err)

	_, err = env.opt.LiquidationSettlement(t.Context(), traderAddr, big.NewInt(1_000_000))
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestLiquidationSettlementReleasesPrincipalBeforeExpiry(t *testing.T) {
	env := newPutEnv(t)
	env.fundBig(t, vaultAddr, big.NewInt(2_000_000_000))
	qty := big.NewInt(1_000_000)
	_, err := env.opt.Mint(t.Context(), vaultAddr, qty, vaultAddr, 0)
	require.NoError(t, err)

	// No settlement price exists yet; the vault path does not need one.
	payout, err := env.opt.LiquidationSettlement(t.Context(), vaultAddr, qty)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_000), payout.Int64())
	require.Equal(t, int64(0), env.opt.SoldSize(vaultAddr).Int64())
	require.Equal(t, int64(0), env.opt.Units().BalanceOf(vaultAddr).Int64())
}

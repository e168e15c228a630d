package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
)

func openPut(t *testing.T, env *testEnv, collateral, amount int64) domain.Position {
	t.Helper()
	pos, err := env.mgr.OpenShortPosition(t.Context(), routerAddr, domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: instrumentAddr,
		Amount:     big.NewInt(amount),
		Collateral: big.NewInt(collateral),
	})
	require.NoError(t, err)
	return pos
}

func TestOpenShortPositionRouterOnly(t *testing.T) {
	env := newPutEnv(t)
	_, err := env.mgr.OpenShortPosition(t.Context(), traderAddr, domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: instrumentAddr,
		Amount:     big.NewInt(1),
		Collateral: big.NewInt(1),
	})
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestOpenShortPositionUnknownInstrument(t *testing.T) {
	env := newPutEnv(t)
	_, err := env.mgr.OpenShortPosition(t.Context(), routerAddr, domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: addr(0x77),
		Amount:     big.NewInt(1),
		Collateral: big.NewInt(1),
	})
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestOpenShortPosition(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)

	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	require.Equal(t, traderAddr, pos.Owner)
	require.False(t, pos.IsCall)
	require.Equal(t, int64(1_000_000), pos.Size.Int64())
	require.Equal(t, int64(100_000_000), pos.Collateral.Int64())
	require.Equal(t, int64(500), pos.EntryRate.Int64())
	require.Equal(t, env.opt.Expiry(), pos.Expiry)

	// Margin moved into custody, the vault lent the escrow, the manager
	// holds the hedge units.
	require.Equal(t, int64(0), env.balance(traderAddr).Int64())
	require.Equal(t, int64(100_000_000), env.balance(managerAddr).Int64())
	require.Equal(t, int64(2_000_000_000), env.vault.State().TotalBorrows.Int64())
	require.Equal(t, int64(1_000_000), env.opt.Units().BalanceOf(managerAddr).Int64())

	got, err := env.mgr.GetPosition(pos.Key)
	require.NoError(t, err)
	require.Equal(t, pos.Key, got.Key)
	require.Len(t, env.mgr.ListPositions(traderAddr), 1)
}

func TestOpenShortPositionRollsBackOnMintFailure(t *testing.T) {
	env := newPutEnv(t)
	// Vault has no liquidity, so the mint must fail after the margin
	// transfer and the margin must come back.
	env.fund(t, traderAddr, 100_000_000)

	_, err := env.mgr.OpenShortPosition(t.Context(), routerAddr, domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: instrumentAddr,
		Amount:     big.NewInt(2_000_000_000),
		Collateral: big.NewInt(100_000_000),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.Equal(t, int64(100_000_000), env.balance(traderAddr).Int64())
	require.Equal(t, int64(0), env.balance(managerAddr).Int64())
	require.Empty(t, env.mgr.ListPositions(traderAddr))
}

func TestAccrueChargesOncePerInstant(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	env.router.perSecond = big.NewInt(1)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	// Accruing at the open instant is a no-op.
	got, err := env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), got.Collateral.Int64())

	env.clock.Advance(100 * time.Second)
	got, err = env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)
	require.Equal(t, int64(99_999_900), got.Collateral.Int64())

	// A second call at the same time must not double-charge.
	got, err = env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)
	require.Equal(t, int64(99_999_900), got.Collateral.Int64())
}

func TestAccrueSplitsInterest(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	env.router.perSecond = big.NewInt(1)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	ownerBefore := env.balance(ownerAddr)
	env.clock.Advance(1000 * time.Second)
	_, err := env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)

	// 10% of the 1000 charged goes to the owner, the rest to the vault.
	require.Equal(t, int64(100), new(big.Int).Sub(env.balance(ownerAddr), ownerBefore).Int64())
	require.Equal(t, int64(900), env.vault.LiquidBalance().Int64())
	require.Equal(t, int64(900), env.vault.State().CumulativeFees.Int64())
}

func TestAccrueCapsAtExpiry(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	env.router.perSecond = big.NewInt(1)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	// 31 days pass but interest stops at the 30-day expiry.
	env.clock.Advance(31 * 24 * time.Hour)
	got, err := env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)

	expiry := int64(30 * 24 * 3600)
	require.Equal(t, 100_000_000-expiry, got.Collateral.Int64())

	// Nothing further accrues after the cap.
	env.clock.Advance(24 * time.Hour)
	again, err := env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)
	require.Equal(t, got.Collateral, again.Collateral)
}

func TestAccrueClampsToCollateral(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 500)
	env.router.perSecond = big.NewInt(10)
	pos := openPut(t, env, 500, 2_000_000_000)

	env.clock.Advance(1000 * time.Second) // owes 10k, has 500
	got, err := env.mgr.AccruePositionInterest(t.Context(), pos.Key)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Collateral.Int64())
}

func TestAddCollateralAccruesFirst(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_500)
	env.router.perSecond = big.NewInt(1)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	env.clock.Advance(100 * time.Second)
	got, err := env.mgr.AddCollateral(t.Context(), traderAddr, pos.Key, big.NewInt(500))
	require.NoError(t, err)
	// 100 of interest charged before the 500 top-up landed.
	require.Equal(t, int64(100_000_400), got.Collateral.Int64())

	_, err = env.mgr.AddCollateral(t.Context(), traderAddr, pos.Key, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSettlePositionGuards(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	_, err := env.mgr.SettlePosition(t.Context(), traderAddr, pos.Key)
	require.ErrorIs(t, err, domain.ErrNotExpired)

	env.clock.Advance(31 * 24 * time.Hour)
	env.oracle.set(big.NewInt(1_800_000_000), env.clock.Now())

	_, err = env.mgr.SettlePosition(t.Context(), keeperAddr, pos.Key)
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)

	_, err = env.mgr.SettlePosition(t.Context(), traderAddr, common.BytesToHash(addr(0x66).Bytes()))
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestSettlePositionPutITM(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	env.clock.Advance(30 * 24 * time.Hour)
	env.oracle.set(big.NewInt(1_800_000_000), env.clock.Now())

	res, err := env.mgr.SettlePosition(t.Context(), traderAddr, pos.Key)
	require.NoError(t, err)
	require.Equal(t, "settled_itm", res.Outcome)
	require.Equal(t, int64(1_800_000_000), res.SettlePrice.Int64())

	// Strike distance is 10%: the owner forfeits 10% of collateral.
	require.Equal(t, int64(90_000_000), res.CollateralPaid.Int64())
	require.Equal(t, int64(90_000_000), env.balance(traderAddr).Int64())

	// Seller leg (1.8e9) + hedge redemption (0.2e9) + forfeited loss.
	require.Equal(t, int64(2_010_000_000), res.VaultRecovered.Int64())
	require.Equal(t, int64(2_010_000_000), env.vault.LiquidBalance().Int64())
	require.Equal(t, int64(0), env.vault.State().TotalBorrows.Int64())

	// Position and hedge are gone.
	_, err = env.mgr.GetPosition(pos.Key)
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
	require.Equal(t, int64(0), env.opt.Units().BalanceOf(managerAddr).Int64())

	// Settling again fails: the position no longer exists.
	_, err = env.mgr.SettlePosition(t.Context(), traderAddr, pos.Key)
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestSettlePositionCallOTM(t *testing.T) {
	env := newCallEnv(t)
	oneWeth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	env.fundBig(t, vaultAddr, oneWeth)
	margin := big.NewInt(50_000_000_000_000_000) // 0.05 WETH
	env.fundBig(t, traderAddr, margin)

	pos, err := env.mgr.OpenShortPosition(t.Context(), routerAddr, domain.OpenRequest{
		Owner:      traderAddr,
		Instrument: instrumentAddr,
		Amount:     oneWeth,
		Collateral: margin,
	})
	require.NoError(t, err)

	env.clock.Advance(30 * 24 * time.Hour)
	env.oracle.set(big.NewInt(1_900_000_000), env.clock.Now()) // below strike

	res, err := env.mgr.SettlePosition(t.Context(), traderAddr, pos.Key)
	require.NoError(t, err)
	require.Equal(t, "settled_otm", res.Outcome)

	// Full collateral back, full principal recovered, book flat.
	require.Equal(t, margin, res.CollateralPaid)
	require.Equal(t, margin, env.balance(traderAddr))
	require.Equal(t, oneWeth, res.VaultRecovered)
	require.Equal(t, oneWeth, env.vault.LiquidBalance())
	require.Equal(t, int64(0), env.vault.State().TotalBorrows.Int64())
	require.Equal(t, int64(0), env.opt.Units().BalanceOf(managerAddr).Int64())
}

func TestLiquidatePositionKeeperOnly(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 1_000)
	pos := openPut(t, env, 1_000, 2_000_000_000)

	_, err := env.mgr.LiquidatePosition(t.Context(), traderAddr, pos.Key, big.NewInt(2_000_000))
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestLiquidatePositionHealthy(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 1_000)
	pos := openPut(t, env, 1_000, 2_000_000_000)

	env.router.liquidatable = false
	_, err := env.mgr.LiquidatePosition(t.Context(), keeperAddr, pos.Key, big.NewInt(2_000_000))
	require.ErrorIs(t, err, domain.ErrNotLiquidatable)

	// The healthy position survives.
	_, err = env.mgr.GetPosition(pos.Key)
	require.NoError(t, err)
}

func TestLiquidatePositionFeeSplit(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 1_000)
	pos := openPut(t, env, 1_000, 2_000_000_000)

	env.router.liquidatable = true
	res, err := env.mgr.LiquidatePosition(t.Context(), keeperAddr, pos.Key, big.NewInt(2_000_000))
	require.NoError(t, err)
	require.Equal(t, "liquidated", res.Outcome)
	require.Nil(t, res.SettlePrice)

	// 5% of the 1000 collateral to the keeper, the rest plus the redeemed
	// escrow to the vault.
	require.Equal(t, int64(50), res.FeesPaid.Int64())
	require.Equal(t, int64(50), env.balance(keeperAddr).Int64())
	require.Equal(t, int64(2_000_000_950), res.VaultRecovered.Int64())
	require.Equal(t, int64(2_000_000_950), env.vault.LiquidBalance().Int64())
	require.Equal(t, int64(0), env.vault.State().TotalBorrows.Int64())
	require.Equal(t, int64(50), env.vault.State().CumulativeFees.Int64())
	require.Equal(t, int64(0), res.CollateralPaid.Int64())

	_, err = env.mgr.GetPosition(pos.Key)
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
	require.Equal(t, int64(0), env.opt.Units().BalanceOf(managerAddr).Int64())
	require.Equal(t, int64(0), env.opt.SoldSize(vaultAddr).Int64())
}

func TestLiquidatePositionRejectsBadFairValue(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 1_000)
	pos := openPut(t, env, 1_000, 2_000_000_000)

	env.router.liquidatable = true
	_, err := env.mgr.LiquidatePosition(t.Context(), keeperAddr, pos.Key, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLiquidatePositionRejectsExpired(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 4_000_000_000)
	env.fund(t, traderAddr, 200_000_000)
	first := openPut(t, env, 100_000_000, 2_000_000_000)
	second := openPut(t, env, 100_000_000, 2_000_000_000)

	env.clock.Advance(31 * 24 * time.Hour)
	env.oracle.set(big.NewInt(1_800_000_000), env.clock.Now())

	_, err := env.mgr.SettlePosition(t.Context(), traderAddr, first.Key)
	require.NoError(t, err)

	// Past expiry the position settles; it never liquidates, even when the
	// router would mark it under-margined.
	env.router.liquidatable = true
	_, err = env.mgr.LiquidatePosition(t.Context(), keeperAddr, second.Key, big.NewInt(2_000_000))
	require.ErrorIs(t, err, domain.ErrNotLiquidatable)

	// The manager keeps custody of the hedge units and the position stays
	// settleable.
	require.Equal(t, second.Size.Int64(), env.opt.Units().BalanceOf(managerAddr).Int64())
	res, err := env.mgr.SettlePosition(t.Context(), traderAddr, second.Key)
	require.NoError(t, err)
	require.Equal(t, "settled_itm", res.Outcome)
	require.Equal(t, int64(0), env.opt.Units().BalanceOf(managerAddr).Int64())
}

func TestWhitelistAndRegisterOwnerOnly(t *testing.T) {
	env := newPutEnv(t)
	err := env.mgr.WhitelistAsset(traderAddr, env.asset, env.vault, env.ledger)
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
	err = env.mgr.RegisterInstrument(traderAddr, env.opt)
	require.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestRestorePosition(t *testing.T) {
	env := newPutEnv(t)
	env.fund(t, vaultAddr, 2_000_000_000)
	env.fund(t, traderAddr, 100_000_000)
	pos := openPut(t, env, 100_000_000, 2_000_000_000)

	fresh := NewManager(ManagerConfig{
		Address:    managerAddr,
		Owner:      ownerAddr,
		RouterAddr: routerAddr,
		Router:     env.router,
		Clock:      env.clock.Now,
	})
	require.NoError(t, fresh.WhitelistAsset(ownerAddr, env.asset, env.vault, env.ledger))
	require.NoError(t, fresh.RegisterInstrument(ownerAddr, env.opt))

	require.ErrorIs(t, fresh.RestorePosition(traderAddr, pos), domain.ErrUnauthorizedCaller)
	require.NoError(t, fresh.RestorePosition(ownerAddr, pos))

	got, err := fresh.GetPosition(pos.Key)
	require.NoError(t, err)
	require.Equal(t, pos.Key, got.Key)
	require.Equal(t, pos.Collateral, got.Collateral)
}

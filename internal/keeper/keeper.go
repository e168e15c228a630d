// Package keeper runs the background loop that settles expired positions and
// liquidates under-margined ones. Multiple keeper instances may run against
// the same state; a distributed lock per position key keeps them from racing
// each other on the same position.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/service"
)

var (
	priceScale = big.NewInt(1_000_000)
	unitScale  = big.NewInt(1_000_000)
)

// Keeper scans open positions on an interval and drives them through expiry
// settlement or liquidation.
type Keeper struct {
	svc    *service.MarginService
	locks  domain.LockManager
	prices domain.PriceCache
	// address identifies this keeper on the router's allowlist.
	address      common.Address
	scanInterval time.Duration
	lockTTL      time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// Config carries the Keeper's dependencies and tuning.
type Config struct {
	Service      *service.MarginService
	Locks        domain.LockManager
	Prices       domain.PriceCache
	Address      common.Address
	ScanInterval time.Duration
	LockTTL      time.Duration
	// Clock defaults to time.Now. It must match the engine's clock so the
	// keeper and the engine agree on expiry.
	Clock  func() time.Time
	Logger *slog.Logger
}

// New creates a Keeper from the given configuration.
func New(cfg Config) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Keeper{
		svc:          cfg.Service,
		locks:        cfg.Locks,
		prices:       cfg.Prices,
		address:      cfg.Address,
		scanInterval: cfg.ScanInterval,
		lockTTL:      cfg.LockTTL,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With(slog.String("component", "keeper")),
	}
}

// Run scans until ctx is cancelled. The first scan happens immediately.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper starting",
		slog.Duration("scan_interval", k.scanInterval),
		slog.String("address", k.address.Hex()),
	)

	k.Scan(ctx)

	ticker := time.NewTicker(k.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.InfoContext(ctx, "keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			k.Scan(ctx)
		}
	}
}

// Scan walks every open position once. Errors on individual positions are
// logged and do not stop the scan.
func (k *Keeper) Scan(ctx context.Context) {
	positions := k.svc.OpenPositions()
	now := k.clock().UTC()

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		if err := k.process(ctx, pos, now); err != nil {
			k.logger.WarnContext(ctx, "position check failed",
				slog.String("key", pos.Key.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (k *Keeper) process(ctx context.Context, pos domain.Position, now time.Time) error {
	unlock, err := k.locks.Acquire(ctx, "keeper:pos:"+pos.Key.Hex(), k.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil // another keeper has it
		}
		return fmt.Errorf("keeper: acquire lock: %w", err)
	}
	defer unlock()

	if !now.Before(pos.Expiry) {
		return k.settleExpired(ctx, pos)
	}
	return k.maybeLiquidate(ctx, pos)
}

func (k *Keeper) settleExpired(ctx context.Context, pos domain.Position) error {
	res, err := k.svc.SettlePosition(ctx, pos.Owner, pos.Key)
	if err != nil {
		// A stale oracle will clear on a later scan once the feed catches up.
		if errors.Is(err, domain.ErrStalePrice) {
			return nil
		}
		return fmt.Errorf("keeper: settle expired position: %w", err)
	}
	k.logger.InfoContext(ctx, "settled expired position",
		slog.String("key", pos.Key.Hex()),
		slog.String("outcome", res.Outcome),
	)
	return nil
}

func (k *Keeper) maybeLiquidate(ctx context.Context, pos domain.Position) error {
	opt, err := k.svc.Manager().Instrument(pos.Instrument)
	if err != nil {
		return fmt.Errorf("keeper: resolve instrument: %w", err)
	}
	series := opt.Series()

	spot, _, err := k.prices.GetPrice(ctx, series.Underlying)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // no quote yet for this asset
		}
		return fmt.Errorf("keeper: read price: %w", err)
	}

	fair := markFairValue(series, opt.CollateralAsset().Decimals, spot)
	if fair.Sign() <= 0 {
		return nil // no intrinsic exposure, nothing to liquidate against
	}

	_, err = k.svc.LiquidatePosition(ctx, k.address, pos.Key, fair)
	if err != nil {
		if errors.Is(err, domain.ErrNotLiquidatable) {
			return nil // healthy at this mark
		}
		return fmt.Errorf("keeper: liquidate: %w", err)
	}
	k.logger.InfoContext(ctx, "liquidated position",
		slog.String("key", pos.Key.Hex()),
		slog.String("fair_value", fair.String()),
	)
	return nil
}

// markFairValue marks one unit-scale of short exposure at its intrinsic value
// in the position's collateral asset.
//
// Puts are collateralized in the quote asset: intrinsic is
// (strike - spot) * unitScale / priceScale. Calls are collateralized in the
// underlying: intrinsic is 10^decimals * (spot - strike) / spot, the escrow
// share the buyer would claim at the current spot.
func markFairValue(series domain.OptionSeries, collateralDecimals uint8, spot *big.Int) *big.Int {
	if spot == nil || spot.Sign() <= 0 {
		return big.NewInt(0)
	}
	if series.IsCall() {
		diff := new(big.Int).Sub(spot, series.Strike)
		if diff.Sign() <= 0 {
			return big.NewInt(0)
		}
		escrow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(collateralDecimals)), nil)
		out := new(big.Int).Mul(escrow, diff)
		return out.Quo(out, spot)
	}
	diff := new(big.Int).Sub(series.Strike, spot)
	if diff.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(diff, unitScale)
	return out.Quo(out, priceScale)
}

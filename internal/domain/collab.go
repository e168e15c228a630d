package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceOracle supplies settlement prices for whitelisted assets. The engine
// trusts the quote but rejects stale or negative reads.
type PriceOracle interface {
	// LatestPrice returns the most recent price (price scale) for the asset
	// together with the time it was observed.
	LatestPrice(ctx context.Context, asset common.Address) (price *big.Int, updatedAt time.Time, err error)
}

// PositionRouter is the margin/rate model and access-control collaborator.
// The engine treats all of these as trusted view computations.
type PositionRouter interface {
	// BorrowRate returns the current borrow rate for the asset in bps.
	BorrowRate(asset common.Address) *big.Int
	// InterestOwed returns the interest accrued on principal at rateBps over
	// elapsed time, in the same units as principal.
	InterestOwed(isCall bool, asset common.Address, principal, rateBps *big.Int, elapsed time.Duration) *big.Int
	// IsLiquidatable reports whether a position with the given collateral
	// value is under-margined against its portfolio value.
	IsLiquidatable(collateralValue, portfolioValue *big.Int) bool
	// IsKeeper reports whether the address is an authorized liquidation keeper.
	IsKeeper(addr common.Address) bool
	// LiquidatorFeeBps returns the liquidator's fee in bps of collateral.
	LiquidatorFeeBps() *big.Int
	// MarginFeeBps returns the protocol's cut of accrued interest in bps.
	MarginFeeBps() *big.Int
}

// SeatRegistry is the referral/fee-discount registry consulted on mint.
type SeatRegistry interface {
	OwnerOf(seatID uint64) (common.Address, error)
	// SeatScore returns the seat's fee-discount score in [0, 100].
	SeatScore(seatID uint64) (uint64, error)
	ConfirmExists(seatID uint64) bool
	// OptionMintingFeeBps returns the base minting fee in bps.
	OptionMintingFeeBps() uint64
}

package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is one leveraged short option exposure tracked by the margin
// manager. Collateral is the currently posted margin and is adjusted by
// interest accrual and top-ups; it never goes negative.
type Position struct {
	Key            common.Hash
	Owner          common.Address
	IsCall         bool
	Instrument     common.Address
	Strike         *big.Int // quote units per option unit, price scale
	Size           *big.Int // option units outstanding
	Collateral     *big.Int // posted margin in the position's collateral asset
	EntryRate      *big.Int // borrow rate snapshot in bps at last accrual
	LastAccrueTime time.Time
	Expiry         time.Time
	OpenedAt       time.Time
}

// Clone returns a deep copy so callers can hold a snapshot without aliasing
// the engine's big.Int fields.
func (p Position) Clone() Position {
	out := p
	out.Strike = new(big.Int).Set(p.Strike)
	out.Size = new(big.Int).Set(p.Size)
	out.Collateral = new(big.Int).Set(p.Collateral)
	out.EntryRate = new(big.Int).Set(p.EntryRate)
	return out
}

// OpenRequest carries the parameters for opening a short position. It is
// produced by the position router after margin-sizing checks.
type OpenRequest struct {
	Owner      common.Address
	Instrument common.Address
	SeatID     uint64
	Amount     *big.Int // collateral asset amount the vault lends for minting
	Collateral *big.Int // margin posted by the owner
}

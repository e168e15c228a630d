package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OptionKind selects the payoff and collateral-asset convention of a series.
type OptionKind string

const (
	OptionKindCall OptionKind = "call"
	OptionKindPut  OptionKind = "put"
)

// OptionSeries is the immutable description of one option instrument plus its
// single piece of mutable state, the frozen settlement price (nil until the
// first successful freeze at or after expiry).
type OptionSeries struct {
	Instrument      common.Address
	Kind            OptionKind
	Strike          *big.Int // price scale
	Expiry          time.Time
	Underlying      common.Address
	Quote           common.Address
	SettlementPrice *big.Int // nil while unsettled
}

// IsCall reports whether the series is a call.
func (s OptionSeries) IsCall() bool { return s.Kind == OptionKindCall }

// SettlementRecord is the durable outcome of a closed position, written when
// a position is settled or liquidated.
type SettlementRecord struct {
	ID             string
	PositionKey    common.Hash
	Owner          common.Address
	Instrument     common.Address
	Kind           OptionKind
	Outcome        string // "settled_itm", "settled_otm", "liquidated"
	SettlePrice    *big.Int // nil for liquidations before expiry
	CollateralPaid *big.Int // collateral returned to the owner
	VaultRecovered *big.Int // principal recovered by the vault
	FeesPaid       *big.Int // liquidator / interest fees realized
	SettledAt      time.Time
}

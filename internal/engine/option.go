package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/ledger"
)

// defaultStaleTolerance is the maximum age of an oracle quote accepted when
// freezing the settlement price.
const defaultStaleTolerance = 2 * time.Hour

// OptionConfig describes one option series at construction time. All fields
// except StaleTolerance and Clock are required.
type OptionConfig struct {
	Instrument common.Address // escrow address holding writer collateral
	Kind       domain.OptionKind
	Strike     *big.Int // price scale
	Expiry     time.Time
	Underlying domain.Asset
	Quote      domain.Asset

	UnderlyingLedger domain.AssetLedger
	QuoteLedger      domain.AssetLedger
	Oracle           domain.PriceOracle
	Seats            domain.SeatRegistry

	// Vault is the only address allowed to redeem seized exposure early via
	// LiquidationSettlement.
	Vault    common.Address
	Treasury common.Address

	StaleTolerance time.Duration
	Clock          func() time.Time
}

// Option is one cash-settled option series. Writers escrow full collateral at
// mint; holders receive transferable option units. After expiry the oracle
// price is frozen once and all settlement paths pay out against it.
type Option struct {
	mu    sync.Mutex
	cfg   OptionConfig
	units *ledger.Ledger

	settlementPrice *big.Int                    // nil until frozen
	sold            map[common.Address]*big.Int // writer -> outstanding sold units
	guard           reentryGuard
}

// NewOption builds an option series. The unit symbol is derived from the
// underlying for log readability only.
func NewOption(cfg OptionConfig) (*Option, error) {
	if cfg.Strike == nil || cfg.Strike.Sign() <= 0 {
		return nil, fmt.Errorf("engine: option strike must be positive: %w", domain.ErrInvalidAmount)
	}
	if cfg.Kind != domain.OptionKindCall && cfg.Kind != domain.OptionKindPut {
		return nil, fmt.Errorf("engine: unknown option kind %q: %w", cfg.Kind, domain.ErrUnknownEntity)
	}
	if cfg.StaleTolerance == 0 {
		cfg.StaleTolerance = defaultStaleTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	symbol := fmt.Sprintf("o%s-%s", cfg.Underlying.Symbol, cfg.Kind)
	return &Option{
		cfg:   cfg,
		units: ledger.New(symbol, 6),
		sold:  make(map[common.Address]*big.Int),
	}, nil
}

// Series returns an immutable snapshot of the series description.
func (o *Option) Series() domain.OptionSeries {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := domain.OptionSeries{
		Instrument: o.cfg.Instrument,
		Kind:       o.cfg.Kind,
		Strike:     new(big.Int).Set(o.cfg.Strike),
		Expiry:     o.cfg.Expiry,
		Underlying: o.cfg.Underlying.Address,
		Quote:      o.cfg.Quote.Address,
	}
	if o.settlementPrice != nil {
		s.SettlementPrice = new(big.Int).Set(o.settlementPrice)
	}
	return s
}

// Units exposes the option-unit ledger for custody transfers and balance reads.
func (o *Option) Units() domain.AssetLedger { return o.units }

// IsCall reports whether the series is a call.
func (o *Option) IsCall() bool { return o.cfg.Kind == domain.OptionKindCall }

// Expiry returns the series expiry.
func (o *Option) Expiry() time.Time { return o.cfg.Expiry }

// Strike returns a copy of the strike.
func (o *Option) Strike() *big.Int { return new(big.Int).Set(o.cfg.Strike) }

// CollateralAsset returns the asset writers escrow: the underlying for calls,
// the quote for puts.
func (o *Option) CollateralAsset() domain.Asset {
	if o.IsCall() {
		return o.cfg.Underlying
	}
	return o.cfg.Quote
}

// CollateralLedger returns the ledger of the collateral asset.
func (o *Option) CollateralLedger() domain.AssetLedger {
	if o.IsCall() {
		return o.cfg.UnderlyingLedger
	}
	return o.cfg.QuoteLedger
}

// CollateralForUnits returns the full escrow requirement for quantity units.
// Calls escrow one underlying token per unit; puts escrow the strike value.
func (o *Option) CollateralForUnits(quantity *big.Int) *big.Int {
	if o.IsCall() {
		return mulDiv(quantity, pow10(o.cfg.Underlying.Decimals), unitScale)
	}
	return mulDiv(quantity, o.cfg.Strike, priceScale)
}

// UnitsForCollateral is the inverse of CollateralForUnits, rounding down.
func (o *Option) UnitsForCollateral(amount *big.Int) *big.Int {
	if o.IsCall() {
		return mulDiv(amount, unitScale, pow10(o.cfg.Underlying.Decimals))
	}
	return mulDiv(amount, priceScale, o.cfg.Strike)
}

// SoldSize returns the writer's outstanding sold units.
func (o *Option) SoldSize(writer common.Address) *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.sold[writer]; ok {
		return new(big.Int).Set(q)
	}
	return new(big.Int)
}

// Mint escrows collateral from caller and issues quantity option units.
// Minting fees are charged in units: the receiver is credited the net amount,
// the treasury and (optionally) the seat owner split the fee. Returns the net
// units credited to receiver.
func (o *Option) Mint(ctx context.Context, caller common.Address, quantity *big.Int, receiver common.Address, seatID uint64) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guard.enter(); err != nil {
		return nil, err
	}
	defer o.guard.leave()

	if quantity == nil || quantity.Sign() <= 0 {
		return nil, fmt.Errorf("engine: mint quantity must be positive: %w", domain.ErrInvalidAmount)
	}
	if !o.cfg.Clock().Before(o.cfg.Expiry) {
		return nil, fmt.Errorf("engine: series expired %s: %w", o.cfg.Expiry, domain.ErrExpired)
	}

	feeBps := new(big.Int).SetUint64(o.cfg.Seats.OptionMintingFeeBps())
	var seatOwner common.Address
	seatShareBps := new(big.Int)
	if seatID != 0 {
		if !o.cfg.Seats.ConfirmExists(seatID) {
			return nil, fmt.Errorf("engine: seat %d: %w", seatID, domain.ErrUnknownEntity)
		}
		owner, err := o.cfg.Seats.OwnerOf(seatID)
		if err != nil {
			return nil, fmt.Errorf("engine: seat %d owner: %w", seatID, err)
		}
		score, err := o.cfg.Seats.SeatScore(seatID)
		if err != nil {
			return nil, fmt.Errorf("engine: seat %d score: %w", seatID, err)
		}
		// The seat score discounts the fee and earns the seat the same
		// proportion of what remains.
		discount := mulDiv(feeBps, new(big.Int).SetUint64(score), big.NewInt(100))
		feeBps.Sub(feeBps, discount)
		seatShareBps.SetUint64(score)
		seatOwner = owner
	}

	required := o.CollateralForUnits(quantity)
	if err := o.CollateralLedger().Transfer(caller, o.cfg.Instrument, required); err != nil {
		return nil, fmt.Errorf("engine: escrow mint collateral: %w", err)
	}

	fee := mulDiv(quantity, feeBps, bpsDenom)
	net := new(big.Int).Sub(quantity, fee)
	seatCut := mulDiv(fee, seatShareBps, big.NewInt(100))
	treasuryCut := new(big.Int).Sub(fee, seatCut)

	if err := o.units.Mint(receiver, net); err != nil {
		return nil, fmt.Errorf("engine: mint units: %w", err)
	}
	if treasuryCut.Sign() > 0 {
		if err := o.units.Mint(o.cfg.Treasury, treasuryCut); err != nil {
			return nil, fmt.Errorf("engine: mint treasury fee: %w", err)
		}
	}
	if seatCut.Sign() > 0 {
		if err := o.units.Mint(seatOwner, seatCut); err != nil {
			return nil, fmt.Errorf("engine: mint seat fee: %w", err)
		}
	}

	sold, ok := o.sold[caller]
	if !ok {
		sold = new(big.Int)
		o.sold[caller] = sold
	}
	sold.Add(sold, quantity)
	return net, nil
}

// SetSettlementPrice freezes the oracle price at or after expiry. Repeated
// calls return the already frozen price without consulting the oracle.
func (o *Option) SetSettlementPrice(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settlementPrice != nil {
		return new(big.Int).Set(o.settlementPrice), nil
	}
	now := o.cfg.Clock()
	if now.Before(o.cfg.Expiry) {
		return nil, fmt.Errorf("engine: settlement before expiry %s: %w", o.cfg.Expiry, domain.ErrNotExpired)
	}
	price, updatedAt, err := o.cfg.Oracle.LatestPrice(ctx, o.cfg.Underlying.Address)
	if err != nil {
		return nil, fmt.Errorf("engine: oracle read: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("engine: non-positive oracle price: %w", domain.ErrStalePrice)
	}
	if now.Sub(updatedAt) > o.cfg.StaleTolerance {
		return nil, fmt.Errorf("engine: oracle quote from %s too old: %w", updatedAt, domain.ErrStalePrice)
	}
	o.settlementPrice = new(big.Int).Set(price)
	return new(big.Int).Set(o.settlementPrice), nil
}

// InTheMoney reports whether holders are owed a payout. It errors until the
// settlement price has been frozen. Exactly at the strike is out of the money.
func (o *Option) InTheMoney() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inTheMoneyLocked()
}

func (o *Option) inTheMoneyLocked() (bool, error) {
	if o.settlementPrice == nil {
		return false, fmt.Errorf("engine: settlement price not frozen: %w", domain.ErrNotExpired)
	}
	if o.IsCall() {
		return o.settlementPrice.Cmp(o.cfg.Strike) > 0, nil
	}
	return o.settlementPrice.Cmp(o.cfg.Strike) < 0, nil
}

// BuyerSettlementITM burns amount units from caller and pays the intrinsic
// value. Calls pay in underlying: escrow * (settle-strike)/settle. Puts pay in
// quote: amount * (strike-settle) at price scale.
func (o *Option) BuyerSettlementITM(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guard.enter(); err != nil {
		return nil, err
	}
	defer o.guard.leave()

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: settle amount must be positive: %w", domain.ErrInvalidAmount)
	}
	itm, err := o.inTheMoneyLocked()
	if err != nil {
		return nil, err
	}
	if !itm {
		return nil, fmt.Errorf("engine: buyer settlement on out-of-the-money series: %w", domain.ErrWrongSettlementDirection)
	}
	if err := o.units.Burn(caller, amount); err != nil {
		return nil, fmt.Errorf("engine: burn settled units: %w", err)
	}

	var payout *big.Int
	if o.IsCall() {
		diff := new(big.Int).Sub(o.settlementPrice, o.cfg.Strike)
		payout = mulDiv(o.CollateralForUnits(amount), diff, o.settlementPrice)
	} else {
		diff := new(big.Int).Sub(o.cfg.Strike, o.settlementPrice)
		payout = mulDiv(amount, diff, priceScale)
	}
	if err := o.CollateralLedger().Transfer(o.cfg.Instrument, caller, payout); err != nil {
		return nil, fmt.Errorf("engine: pay buyer settlement: %w", err)
	}
	return payout, nil
}

// SellerSettlementITM releases the writer's residual escrow after an
// in-the-money expiry and zeroes the writer's sold size.
func (o *Option) SellerSettlementITM(ctx context.Context, caller common.Address) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guard.enter(); err != nil {
		return nil, err
	}
	defer o.guard.leave()

	itm, err := o.inTheMoneyLocked()
	if err != nil {
		return nil, err
	}
	if !itm {
		return nil, fmt.Errorf("engine: seller ITM settlement on out-of-the-money series: %w", domain.ErrWrongSettlementDirection)
	}
	sold, ok := o.sold[caller]
	if !ok || sold.Sign() == 0 {
		return nil, fmt.Errorf("engine: writer %s has no sold size: %w", caller, domain.ErrInsufficientBalance)
	}

	var payout *big.Int
	if o.IsCall() {
		// Escrow minus the intrinsic value owed to holders, i.e. the strike
		// value of the escrow measured at the settlement price.
		payout = mulDiv(o.CollateralForUnits(sold), o.cfg.Strike, o.settlementPrice)
	} else {
		payout = mulDiv(sold, o.settlementPrice, priceScale)
	}
	sold.SetInt64(0)
	if err := o.CollateralLedger().Transfer(o.cfg.Instrument, caller, payout); err != nil {
		return nil, fmt.Errorf("engine: pay seller settlement: %w", err)
	}
	return payout, nil
}

// SellerSettlementOTM releases the writer's full escrow after an
// out-of-the-money expiry and zeroes the writer's sold size.
func (o *Option) SellerSettlementOTM(ctx context.Context, caller common.Address) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guard.enter(); err != nil {
		return nil, err
	}
	defer o.guard.leave()

	itm, err := o.inTheMoneyLocked()
	if err != nil {
		return nil, err
	}
	if itm {
		return nil, fmt.Errorf("engine: seller OTM settlement on in-the-money series: %w", domain.ErrWrongSettlementDirection)
	}
	sold, ok := o.sold[caller]
	if !ok || sold.Sign() == 0 {
		return nil, fmt.Errorf("engine: writer %s has no sold size: %w", caller, domain.ErrInsufficientBalance)
	}

	payout := o.CollateralForUnits(sold)
	sold.SetInt64(0)
	if err := o.CollateralLedger().Transfer(o.cfg.Instrument, caller, payout); err != nil {
		return nil, fmt.Errorf("engine: pay seller settlement: %w", err)
	}
	return payout, nil
}

// LiquidationSettlement lets the vault unwind seized exposure before expiry:
// amount units are burned from the vault, the vault's sold book is reduced by
// the same amount, and the corresponding escrow principal is released. No
// settlement price is required.
func (o *Option) LiquidationSettlement(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guard.enter(); err != nil {
		return nil, err
	}
	defer o.guard.leave()

	if caller != o.cfg.Vault {
		return nil, fmt.Errorf("engine: liquidation settlement from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: liquidation amount must be positive: %w", domain.ErrInvalidAmount)
	}
	sold, ok := o.sold[caller]
	if !ok || sold.Cmp(amount) < 0 {
		return nil, fmt.Errorf("engine: liquidation exceeds vault sold size: %w", domain.ErrInsufficientBalance)
	}
	if err := o.units.Burn(caller, amount); err != nil {
		return nil, fmt.Errorf("engine: burn seized units: %w", err)
	}
	sold.Sub(sold, amount)

	payout := o.CollateralForUnits(amount)
	if err := o.CollateralLedger().Transfer(o.cfg.Instrument, caller, payout); err != nil {
		return nil, fmt.Errorf("engine: release liquidation principal: %w", err)
	}
	return payout, nil
}

package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
)

// VaultConfig describes one single-asset lending vault.
type VaultConfig struct {
	Address common.Address
	Asset   domain.Asset
	Ledger  domain.AssetLedger
	// Manager is the only caller allowed to move vault funds.
	Manager common.Address
	Clock   func() time.Time
}

// Vault lends its pooled asset to the margin manager as writer collateral for
// option mints and tracks the outstanding principal in totalBorrows. Recovery
// is measured as the vault's own balance delta across each settlement call so
// rounding in the payoff math can never desynchronize the borrow book.
type Vault struct {
	mu  sync.Mutex
	cfg VaultConfig

	totalBorrows   *big.Int
	cumulativeFees *big.Int
	settled        map[common.Address]bool // instrument -> seller leg settled
	guard          reentryGuard
}

// NewVault builds an empty vault. Liquidity is provided by minting or
// transferring the asset to the vault address on its ledger.
func NewVault(cfg VaultConfig) *Vault {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Vault{
		cfg:            cfg,
		totalBorrows:   new(big.Int),
		cumulativeFees: new(big.Int),
		settled:        make(map[common.Address]bool),
	}
}

// Address returns the vault's ledger address.
func (v *Vault) Address() common.Address { return v.cfg.Address }

// Asset returns the vault's pooled asset.
func (v *Vault) Asset() domain.Asset { return v.cfg.Asset }

// State returns a snapshot of the vault's accounting.
func (v *Vault) State() domain.VaultState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.VaultState{
		Asset:          v.cfg.Asset.Address,
		TotalBorrows:   new(big.Int).Set(v.totalBorrows),
		CumulativeFees: new(big.Int).Set(v.cumulativeFees),
	}
}

// LiquidBalance returns the vault's current un-lent balance.
func (v *Vault) LiquidBalance() *big.Int {
	return v.cfg.Ledger.BalanceOf(v.cfg.Address)
}

func (v *Vault) requireManager(caller common.Address) error {
	if caller != v.cfg.Manager {
		return fmt.Errorf("engine: vault call from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	return nil
}

// MintOptions lends up to amount of the vault asset as writer collateral on
// opt, crediting the net minted units to receiver. The lent principal (the
// exact escrow, never more than amount) is added to totalBorrows. Returns the
// net units minted.
func (v *Vault) MintOptions(ctx context.Context, caller common.Address, amount *big.Int, opt *Option, seatID uint64, receiver common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManager(caller); err != nil {
		return nil, err
	}
	if err := v.guard.enter(); err != nil {
		return nil, err
	}
	defer v.guard.leave()

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: mint amount must be positive: %w", domain.ErrInvalidAmount)
	}
	if opt.CollateralAsset().Address != v.cfg.Asset.Address {
		return nil, fmt.Errorf("engine: instrument collateral %s is not the vault asset: %w",
			opt.CollateralAsset().Symbol, domain.ErrUnknownEntity)
	}

	quantity := opt.UnitsForCollateral(amount)
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("engine: amount below one option unit: %w", domain.ErrInvalidAmount)
	}
	lent := opt.CollateralForUnits(quantity)
	if v.LiquidBalance().Cmp(lent) < 0 {
		return nil, fmt.Errorf("engine: vault liquidity %s short of %s: %w",
			v.LiquidBalance(), lent, domain.ErrInsufficientBalance)
	}

	minted, err := opt.Mint(ctx, v.cfg.Address, quantity, receiver, seatID)
	if err != nil {
		return nil, fmt.Errorf("engine: vault mint: %w", err)
	}
	v.totalBorrows.Add(v.totalBorrows, lent)
	return minted, nil
}

// SettleOption runs the vault's post-expiry seller settlement on opt, in the
// direction the caller determined, and reduces totalBorrows by the recovered
// balance delta. Idempotent per instrument: repeated calls are no-ops.
func (v *Vault) SettleOption(ctx context.Context, caller common.Address, opt *Option, inTheMoney bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManager(caller); err != nil {
		return err
	}
	if err := v.guard.enter(); err != nil {
		return err
	}
	defer v.guard.leave()

	instrument := opt.Series().Instrument
	if v.settled[instrument] {
		return nil
	}

	before := v.LiquidBalance()
	var err error
	if inTheMoney {
		_, err = opt.SellerSettlementITM(ctx, v.cfg.Address)
	} else {
		_, err = opt.SellerSettlementOTM(ctx, v.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("engine: vault seller settlement: %w", err)
	}
	recovered := new(big.Int).Sub(v.LiquidBalance(), before)
	v.reduceBorrowsLocked(recovered)
	v.settled[instrument] = true
	return nil
}

// CloseHedgedPosition redeems seized option units held at the vault address
// through the instrument's liquidation path and reduces totalBorrows by the
// recovered balance delta. Returns the recovered amount.
func (v *Vault) CloseHedgedPosition(ctx context.Context, caller common.Address, opt *Option, size *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManager(caller); err != nil {
		return nil, err
	}
	if err := v.guard.enter(); err != nil {
		return nil, err
	}
	defer v.guard.leave()

	before := v.LiquidBalance()
	if _, err := opt.LiquidationSettlement(ctx, v.cfg.Address, size); err != nil {
		return nil, fmt.Errorf("engine: close hedged position: %w", err)
	}
	recovered := new(big.Int).Sub(v.LiquidBalance(), before)
	v.reduceBorrowsLocked(recovered)
	return recovered, nil
}

// CreditRecovered moves amount from the manager's custody account into the
// vault and counts it against totalBorrows. Used when the manager redeems a
// position's hedge units itself and forwards the proceeds.
func (v *Vault) CreditRecovered(caller common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManager(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("engine: recovered amount must be non-negative: %w", domain.ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := v.cfg.Ledger.Transfer(caller, v.cfg.Address, amount); err != nil {
		return fmt.Errorf("engine: credit recovered principal: %w", err)
	}
	v.reduceBorrowsLocked(amount)
	return nil
}

// AddFeesPaid records realized protocol revenue (interest and liquidation
// fees) without moving funds.
func (v *Vault) AddFeesPaid(caller common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManager(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("engine: fee amount must be non-negative: %w", domain.ErrInvalidAmount)
	}
	v.cumulativeFees.Add(v.cumulativeFees, amount)
	return nil
}

// reduceBorrowsLocked decrements totalBorrows, flooring at zero so settlement
// profit never drives the book negative.
func (v *Vault) reduceBorrowsLocked(amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	if v.totalBorrows.Cmp(amount) <= 0 {
		v.totalBorrows.SetInt64(0)
		return
	}
	v.totalBorrows.Sub(v.totalBorrows, amount)
}

package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/margind/internal/domain"
)

// ManagerConfig wires the margin manager's collaborators and privileged
// addresses.
type ManagerConfig struct {
	// Address is the manager's custody account: posted margin and hedge
	// option units live here until the position closes.
	Address common.Address
	// Owner may whitelist assets and register instruments, and receives the
	// protocol's cut of accrued interest.
	Owner common.Address
	// RouterAddr is the only caller allowed to open positions.
	RouterAddr common.Address
	Router     domain.PositionRouter
	Clock      func() time.Time
	Logger     *slog.Logger
}

// SettlementResult summarizes a closed position for persistence and alerts.
type SettlementResult struct {
	Position       domain.Position
	Outcome        string // "settled_itm", "settled_otm", "liquidated"
	SettlePrice    *big.Int // nil for liquidations
	CollateralPaid *big.Int // returned to the owner
	VaultRecovered *big.Int // vault balance delta over the operation
	FeesPaid       *big.Int // interest + liquidator fees realized
}

type assetEntry struct {
	asset  domain.Asset
	vault  *Vault
	ledger domain.AssetLedger
}

// Manager is the central margin accountant. It custodies position margin and
// hedge units, accrues borrow interest into the vault, and drives settlement
// and liquidation of short option positions.
type Manager struct {
	mu  sync.Mutex
	cfg ManagerConfig

	assets      map[common.Address]*assetEntry // collateral asset address -> entry
	instruments map[common.Address]*Option
	positions   map[common.Hash]*domain.Position
	byOwner     map[common.Address][]common.Hash
	seq         uint64
}

// NewManager builds an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "engine.manager")
	return &Manager{
		cfg:         cfg,
		assets:      make(map[common.Address]*assetEntry),
		instruments: make(map[common.Address]*Option),
		positions:   make(map[common.Hash]*domain.Position),
		byOwner:     make(map[common.Address][]common.Hash),
	}
}

// Address returns the manager's custody address.
func (m *Manager) Address() common.Address { return m.cfg.Address }

// WhitelistAsset registers a collateral asset and its lending vault. Owner
// only. Re-whitelisting an address replaces the entry.
func (m *Manager) WhitelistAsset(caller common.Address, asset domain.Asset, vault *Vault, ledger domain.AssetLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.Owner {
		return fmt.Errorf("engine: whitelist from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	if vault.Asset().Address != asset.Address {
		return fmt.Errorf("engine: vault asset mismatch for %s: %w", asset.Symbol, domain.ErrUnknownEntity)
	}
	m.assets[asset.Address] = &assetEntry{asset: asset, vault: vault, ledger: ledger}
	m.cfg.Logger.Info("asset whitelisted", "asset", asset.Symbol, "address", asset.Address.Hex())
	return nil
}

// RegisterInstrument adds an option series to the manager's registry so open
// requests can reference it. Owner only.
func (m *Manager) RegisterInstrument(caller common.Address, opt *Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.Owner {
		return fmt.Errorf("engine: register instrument from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	series := opt.Series()
	if _, ok := m.assets[opt.CollateralAsset().Address]; !ok {
		return fmt.Errorf("engine: instrument collateral %s not whitelisted: %w",
			opt.CollateralAsset().Symbol, domain.ErrUnknownEntity)
	}
	m.instruments[series.Instrument] = opt
	m.cfg.Logger.Info("instrument registered",
		"instrument", series.Instrument.Hex(), "kind", string(series.Kind), "expiry", series.Expiry)
	return nil
}

// Instrument looks up a registered option series.
func (m *Manager) Instrument(addr common.Address) (*Option, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opt, ok := m.instruments[addr]
	if !ok {
		return nil, fmt.Errorf("engine: instrument %s: %w", addr.Hex(), domain.ErrUnknownEntity)
	}
	return opt, nil
}

// Vault looks up the lending vault for a whitelisted asset.
func (m *Manager) Vault(asset common.Address) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.assets[asset]
	if !ok {
		return nil, fmt.Errorf("engine: asset %s: %w", asset.Hex(), domain.ErrUnknownEntity)
	}
	return entry.vault, nil
}

// GetPosition returns a snapshot of an open position.
func (m *Manager) GetPosition(key common.Hash) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: position %s: %w", key.Hex(), domain.ErrUnknownEntity)
	}
	return pos.Clone(), nil
}

// ListPositions returns snapshots of an owner's open positions.
func (m *Manager) ListPositions(owner common.Address) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.byOwner[owner]
	out := make([]domain.Position, 0, len(keys))
	for _, k := range keys {
		if pos, ok := m.positions[k]; ok {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// OpenPositions returns snapshots of every open position.
func (m *Manager) OpenPositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// positionKey derives the unique fingerprint of a new position.
func positionKey(owner, instrument common.Address, size *big.Int, isCall bool, openedAt time.Time, seq uint64) common.Hash {
	var callByte, seqBuf, timeBuf [8]byte
	if isCall {
		callByte[7] = 1
	}
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	binary.BigEndian.PutUint64(timeBuf[:], uint64(openedAt.UnixNano()))
	return crypto.Keccak256Hash(
		owner.Bytes(),
		instrument.Bytes(),
		size.Bytes(),
		callByte[:],
		timeBuf[:],
		seqBuf[:],
	)
}

// OpenShortPosition opens a vault-financed short option position for
// req.Owner. Only the position router may call it: sizing and margin checks
// happen there. The owner's posted collateral moves into manager custody, the
// vault lends req.Amount of writer collateral to mint the exposure, and the
// net minted units are custodied by the manager as the position's hedge.
func (m *Manager) OpenShortPosition(ctx context.Context, caller common.Address, req domain.OpenRequest) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.RouterAddr {
		return domain.Position{}, fmt.Errorf("engine: open from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	opt, ok := m.instruments[req.Instrument]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: instrument %s: %w", req.Instrument.Hex(), domain.ErrUnknownEntity)
	}
	entry, ok := m.assets[opt.CollateralAsset().Address]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: asset %s not whitelisted: %w",
			opt.CollateralAsset().Symbol, domain.ErrUnknownEntity)
	}
	if req.Collateral == nil || req.Collateral.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: posted collateral must be positive: %w", domain.ErrInvalidAmount)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: borrow amount must be positive: %w", domain.ErrInvalidAmount)
	}

	if err := entry.ledger.Transfer(req.Owner, m.cfg.Address, req.Collateral); err != nil {
		return domain.Position{}, fmt.Errorf("engine: post collateral: %w", err)
	}
	minted, err := entry.vault.MintOptions(ctx, m.cfg.Address, req.Amount, opt, req.SeatID, m.cfg.Address)
	if err != nil {
		// Unwind the collateral transfer so a failed open has no effect.
		if rbErr := entry.ledger.Transfer(m.cfg.Address, req.Owner, req.Collateral); rbErr != nil {
			m.cfg.Logger.Error("collateral rollback failed", "owner", req.Owner.Hex(), "error", rbErr)
		}
		return domain.Position{}, fmt.Errorf("engine: vault mint: %w", err)
	}

	now := m.cfg.Clock()
	m.seq++
	pos := &domain.Position{
		Owner:          req.Owner,
		IsCall:         opt.IsCall(),
		Instrument:     req.Instrument,
		Strike:         opt.Strike(),
		Size:           minted,
		Collateral:     new(big.Int).Set(req.Collateral),
		EntryRate:      m.cfg.Router.BorrowRate(entry.asset.Address),
		LastAccrueTime: now,
		Expiry:         opt.Expiry(),
		OpenedAt:       now,
	}
	pos.Key = positionKey(pos.Owner, pos.Instrument, pos.Size, pos.IsCall, now, m.seq)
	m.positions[pos.Key] = pos
	m.byOwner[pos.Owner] = append(m.byOwner[pos.Owner], pos.Key)

	m.cfg.Logger.Info("position opened",
		"key", pos.Key.Hex(), "owner", pos.Owner.Hex(),
		"size", pos.Size.String(), "collateral", pos.Collateral.String())
	return pos.Clone(), nil
}

// RestorePosition reinstates a previously persisted position, used when
// rebuilding engine state from the store at startup. Owner only.
func (m *Manager) RestorePosition(caller common.Address, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.Owner {
		return fmt.Errorf("engine: restore from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	if _, ok := m.instruments[pos.Instrument]; !ok {
		return fmt.Errorf("engine: restore against instrument %s: %w", pos.Instrument.Hex(), domain.ErrUnknownEntity)
	}
	clone := pos.Clone()
	m.positions[clone.Key] = &clone
	m.byOwner[clone.Owner] = append(m.byOwner[clone.Owner], clone.Key)
	return nil
}

// AccruePositionInterest charges borrow interest on a position up to now,
// capped at expiry. Callable by anyone.
func (m *Manager) AccruePositionInterest(ctx context.Context, key common.Hash) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: position %s: %w", key.Hex(), domain.ErrUnknownEntity)
	}
	if err := m.accrueLocked(pos); err != nil {
		return domain.Position{}, err
	}
	return pos.Clone(), nil
}

// accrueLocked charges interest since LastAccrueTime and resnapshots the
// borrow rate. Interest is split between the vault and the owner's fee cut,
// clamped so collateral never goes negative.
func (m *Manager) accrueLocked(pos *domain.Position) error {
	now := m.cfg.Clock()
	// Interest accrues only once time has moved forward; a second call at
	// the same instant is a no-op.
	if !now.After(pos.LastAccrueTime) {
		return nil
	}
	end := now
	if end.After(pos.Expiry) {
		end = pos.Expiry
	}
	if !end.After(pos.LastAccrueTime) {
		pos.LastAccrueTime = now
		return nil
	}
	elapsed := end.Sub(pos.LastAccrueTime)

	opt := m.instruments[pos.Instrument]
	entry := m.assets[opt.CollateralAsset().Address]
	principal := opt.CollateralForUnits(pos.Size)
	interest := m.cfg.Router.InterestOwed(pos.IsCall, entry.asset.Address, principal, pos.EntryRate, elapsed)
	if interest.Sign() < 0 {
		return fmt.Errorf("engine: negative interest: %w", domain.ErrInvalidAmount)
	}
	interest = bigMin(interest, pos.Collateral)

	if interest.Sign() > 0 {
		fee := mulDiv(interest, m.cfg.Router.MarginFeeBps(), bpsDenom)
		toVault := new(big.Int).Sub(interest, fee)
		if toVault.Sign() > 0 {
			if err := entry.ledger.Transfer(m.cfg.Address, entry.vault.Address(), toVault); err != nil {
				return fmt.Errorf("engine: pay interest to vault: %w", err)
			}
			if err := entry.vault.AddFeesPaid(m.cfg.Address, toVault); err != nil {
				return fmt.Errorf("engine: record interest: %w", err)
			}
		}
		if fee.Sign() > 0 {
			if err := entry.ledger.Transfer(m.cfg.Address, m.cfg.Owner, fee); err != nil {
				return fmt.Errorf("engine: pay interest fee: %w", err)
			}
		}
		pos.Collateral.Sub(pos.Collateral, interest)
	}
	pos.EntryRate = m.cfg.Router.BorrowRate(entry.asset.Address)
	pos.LastAccrueTime = now
	return nil
}

// AddCollateral tops up a position's margin from the caller's balance.
// Interest is accrued first so the top-up cannot retroactively cheapen it.
func (m *Manager) AddCollateral(ctx context.Context, caller common.Address, key common.Hash, amount *big.Int) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: position %s: %w", key.Hex(), domain.ErrUnknownEntity)
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: top-up must be positive: %w", domain.ErrInvalidAmount)
	}
	if err := m.accrueLocked(pos); err != nil {
		return domain.Position{}, err
	}
	opt := m.instruments[pos.Instrument]
	entry := m.assets[opt.CollateralAsset().Address]
	if err := entry.ledger.Transfer(caller, m.cfg.Address, amount); err != nil {
		return domain.Position{}, fmt.Errorf("engine: top-up collateral: %w", err)
	}
	pos.Collateral.Add(pos.Collateral, amount)
	return pos.Clone(), nil
}

// SettlePosition closes an expired position: final interest accrues, the
// settlement price freezes, the vault's seller leg settles, the hedge units
// are redeemed (in the money) or retired (out of the money), and the owner is
// paid their residual collateral. In the money the owner forfeits the strike
// distance as a proportional collateral loss to the vault. Owner only.
func (m *Manager) SettlePosition(ctx context.Context, caller common.Address, key common.Hash) (SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[key]
	if !ok {
		return SettlementResult{}, fmt.Errorf("engine: position %s: %w", key.Hex(), domain.ErrUnknownEntity)
	}
	if caller != pos.Owner {
		return SettlementResult{}, fmt.Errorf("engine: settle from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	if m.cfg.Clock().Before(pos.Expiry) {
		return SettlementResult{}, fmt.Errorf("engine: position expires %s: %w", pos.Expiry, domain.ErrNotExpired)
	}
	feesBefore := new(big.Int).Set(pos.Collateral)
	if err := m.accrueLocked(pos); err != nil {
		return SettlementResult{}, err
	}
	interestPaid := new(big.Int).Sub(feesBefore, pos.Collateral)

	opt := m.instruments[pos.Instrument]
	entry := m.assets[opt.CollateralAsset().Address]
	settle, err := opt.SetSettlementPrice(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	itm, err := opt.InTheMoney()
	if err != nil {
		return SettlementResult{}, err
	}

	vaultBefore := entry.vault.LiquidBalance()
	if err := entry.vault.SettleOption(ctx, m.cfg.Address, opt, itm); err != nil {
		return SettlementResult{}, err
	}

	outcome := "settled_otm"
	if itm {
		outcome = "settled_itm"
		// Redeem the custody hedge and forward the proceeds to the vault.
		payout, err := opt.BuyerSettlementITM(ctx, m.cfg.Address, pos.Size)
		if err != nil {
			return SettlementResult{}, fmt.Errorf("engine: redeem hedge: %w", err)
		}
		if err := entry.vault.CreditRecovered(m.cfg.Address, payout); err != nil {
			return SettlementResult{}, err
		}
		// The owner forfeits the proportional strike-distance loss.
		loss := mulDiv(pos.Collateral, m.percentLoss(opt, settle), bpsDenom)
		if loss.Sign() > 0 {
			if err := entry.ledger.Transfer(m.cfg.Address, entry.vault.Address(), loss); err != nil {
				return SettlementResult{}, fmt.Errorf("engine: forfeit collateral loss: %w", err)
			}
			pos.Collateral.Sub(pos.Collateral, loss)
		}
	} else {
		// The hedge units claim nothing out of the money; retire them.
		if err := opt.Units().Burn(m.cfg.Address, pos.Size); err != nil {
			return SettlementResult{}, fmt.Errorf("engine: retire hedge units: %w", err)
		}
	}

	if pos.Collateral.Sign() > 0 {
		if err := entry.ledger.Transfer(m.cfg.Address, pos.Owner, pos.Collateral); err != nil {
			return SettlementResult{}, fmt.Errorf("engine: return collateral: %w", err)
		}
	}
	recovered := new(big.Int).Sub(entry.vault.LiquidBalance(), vaultBefore)

	result := SettlementResult{
		Position:       pos.Clone(),
		Outcome:        outcome,
		SettlePrice:    settle,
		CollateralPaid: new(big.Int).Set(pos.Collateral),
		VaultRecovered: recovered,
		FeesPaid:       interestPaid,
	}
	m.deletePositionLocked(pos)
	m.cfg.Logger.Info("position settled",
		"key", key.Hex(), "outcome", outcome,
		"returned", result.CollateralPaid.String(), "recovered", recovered.String())
	return result, nil
}

// percentLoss returns the owner's collateral haircut in bps for an
// in-the-money expiry: the strike distance relative to settle (calls) or
// strike (puts).
func (m *Manager) percentLoss(opt *Option, settle *big.Int) *big.Int {
	strike := opt.Strike()
	if opt.IsCall() {
		diff := new(big.Int).Sub(settle, strike)
		return mulDiv(diff, bpsDenom, settle)
	}
	diff := new(big.Int).Sub(strike, settle)
	return mulDiv(diff, bpsDenom, strike)
}

// LiquidatePosition force-closes an under-margined position before expiry.
// Keeper only. The hedge units move to the vault and are redeemed for their
// escrow principal; the liquidator earns a fee cut of the collateral and the
// vault keeps the rest.
func (m *Manager) LiquidatePosition(ctx context.Context, caller common.Address, key common.Hash, fairValue *big.Int) (SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Router.IsKeeper(caller) {
		return SettlementResult{}, fmt.Errorf("engine: liquidate from %s: %w", caller, domain.ErrUnauthorizedCaller)
	}
	pos, ok := m.positions[key]
	if !ok {
		return SettlementResult{}, fmt.Errorf("engine: position %s: %w", key.Hex(), domain.ErrUnknownEntity)
	}
	if fairValue == nil || fairValue.Sign() <= 0 {
		return SettlementResult{}, fmt.Errorf("engine: fair value must be positive: %w", domain.ErrInvalidAmount)
	}
	// Expired positions go through settlement, never liquidation.
	if !m.cfg.Clock().Before(pos.Expiry) {
		return SettlementResult{}, fmt.Errorf("engine: position %s expired %s: %w", key.Hex(), pos.Expiry, domain.ErrNotLiquidatable)
	}
	if err := m.accrueLocked(pos); err != nil {
		return SettlementResult{}, err
	}

	portfolioValue := mulDiv(pos.Size, fairValue, unitScale)
	if !m.cfg.Router.IsLiquidatable(pos.Collateral, portfolioValue) {
		return SettlementResult{}, fmt.Errorf("engine: position %s healthy: %w", key.Hex(), domain.ErrNotLiquidatable)
	}

	opt := m.instruments[pos.Instrument]
	entry := m.assets[opt.CollateralAsset().Address]
	vaultBefore := entry.vault.LiquidBalance()

	// Hand the hedge exposure to the vault and unwind it at the instrument.
	if err := opt.Units().Transfer(m.cfg.Address, entry.vault.Address(), pos.Size); err != nil {
		return SettlementResult{}, fmt.Errorf("engine: seize hedge units: %w", err)
	}
	if _, err := entry.vault.CloseHedgedPosition(ctx, m.cfg.Address, opt, pos.Size); err != nil {
		// Return the seized units so the position stays settleable.
		if undoErr := opt.Units().Transfer(entry.vault.Address(), m.cfg.Address, pos.Size); undoErr != nil {
			return SettlementResult{}, fmt.Errorf("engine: unwind seized units: %w", errors.Join(err, undoErr))
		}
		return SettlementResult{}, err
	}

	fee := mulDiv(pos.Collateral, m.cfg.Router.LiquidatorFeeBps(), bpsDenom)
	remainder := new(big.Int).Sub(pos.Collateral, fee)
	if fee.Sign() > 0 {
		if err := entry.ledger.Transfer(m.cfg.Address, caller, fee); err != nil {
			return SettlementResult{}, fmt.Errorf("engine: pay liquidator fee: %w", err)
		}
	}
	if remainder.Sign() > 0 {
		if err := entry.ledger.Transfer(m.cfg.Address, entry.vault.Address(), remainder); err != nil {
			return SettlementResult{}, fmt.Errorf("engine: forfeit collateral to vault: %w", err)
		}
	}
	if err := entry.vault.AddFeesPaid(m.cfg.Address, fee); err != nil {
		return SettlementResult{}, err
	}
	recovered := new(big.Int).Sub(entry.vault.LiquidBalance(), vaultBefore)

	result := SettlementResult{
		Position:       pos.Clone(),
		Outcome:        "liquidated",
		CollateralPaid: new(big.Int), // the owner forfeits everything
		VaultRecovered: recovered,
		FeesPaid:       fee,
	}
	m.deletePositionLocked(pos)
	m.cfg.Logger.Warn("position liquidated",
		"key", key.Hex(), "owner", pos.Owner.Hex(),
		"liquidator", caller.Hex(), "fee", fee.String(), "recovered", recovered.String())
	return result, nil
}

func (m *Manager) deletePositionLocked(pos *domain.Position) {
	delete(m.positions, pos.Key)
	keys := m.byOwner[pos.Owner]
	for i, k := range keys {
		if k == pos.Key {
			m.byOwner[pos.Owner] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(m.byOwner[pos.Owner]) == 0 {
		delete(m.byOwner, pos.Owner)
	}
}

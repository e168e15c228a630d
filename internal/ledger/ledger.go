// Package ledger provides an in-process implementation of the fungible asset
// ledger the engine books collateral and option units against. Production
// deployments back this with the chain's token contracts; the engine only
// ever talks to the domain.AssetLedger interface.
package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
)

// Ledger is a thread-safe in-memory balance table for one asset.
type Ledger struct {
	mu       sync.Mutex
	symbol   string
	decimals uint8
	balances map[common.Address]*big.Int
}

// New creates an empty Ledger for an asset with the given symbol and decimals.
func New(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
	}
}

// Symbol returns the asset symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the asset's decimal places.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// Mint credits amount to the given account.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: mint %s: %w", l.symbol, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	return nil
}

// Burn debits amount from the given account. It fails with
// domain.ErrInsufficientBalance when the account holds less than amount.
func (l *Ledger) Burn(from common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: burn %s: %w", l.symbol, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(from, amount)
}

// Transfer moves amount between accounts atomically.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: transfer %s: %w", l.symbol, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// BalanceOf returns a copy of the account's balance.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, b := range l.balances {
		total.Add(total, b)
	}
	return total
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	if b, ok := l.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}

func (l *Ledger) debit(addr common.Address, amount *big.Int) error {
	b, ok := l.balances[addr]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: debit %s from %s: %w", l.symbol, addr.Hex(), domain.ErrInsufficientBalance)
	}
	b.Sub(b, amount)
	return nil
}

// Compile-time interface check.
var _ domain.AssetLedger = (*Ledger)(nil)

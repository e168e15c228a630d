// Package router implements the margin model consulted by the engine: borrow
// rates, interest, maintenance-margin checks, and the keeper allowlist.
package router

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
)

const secondsPerYear = 365 * 24 * 3600

var bpsDenom = big.NewInt(10_000)

// Config parameterizes the router. Rates are annualized basis points.
type Config struct {
	// DefaultBorrowRateBps applies to assets without an explicit override.
	DefaultBorrowRateBps int64
	// BorrowRateBps overrides the borrow rate per asset.
	BorrowRateBps map[common.Address]int64
	// MaintenanceMarginBps is the minimum collateral-to-portfolio ratio; a
	// position below it is liquidatable.
	MaintenanceMarginBps int64
	// LiquidatorFeeBps is the liquidator's cut of seized collateral.
	LiquidatorFeeBps int64
	// MarginFeeBps is the protocol's cut of accrued interest.
	MarginFeeBps int64
	Keepers      []common.Address
}

// Router is a static, config-driven implementation of domain.PositionRouter
// with simple (non-compounding) annualized interest.
type Router struct {
	mu      sync.RWMutex
	cfg     Config
	keepers map[common.Address]bool
}

// New builds a Router from config.
func New(cfg Config) *Router {
	keepers := make(map[common.Address]bool, len(cfg.Keepers))
	for _, k := range cfg.Keepers {
		keepers[k] = true
	}
	return &Router{cfg: cfg, keepers: keepers}
}

// BorrowRate returns the current annualized borrow rate for the asset in bps.
func (r *Router) BorrowRate(asset common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rate, ok := r.cfg.BorrowRateBps[asset]; ok {
		return big.NewInt(rate)
	}
	return big.NewInt(r.cfg.DefaultBorrowRateBps)
}

// InterestOwed returns simple interest: principal * rateBps * elapsed over a
// 365-day year, floored.
func (r *Router) InterestOwed(_ bool, _ common.Address, principal, rateBps *big.Int, elapsed time.Duration) *big.Int {
	secs := big.NewInt(int64(elapsed / time.Second))
	out := new(big.Int).Mul(principal, rateBps)
	out.Mul(out, secs)
	denom := new(big.Int).Mul(bpsDenom, big.NewInt(secondsPerYear))
	return out.Quo(out, denom)
}

// IsLiquidatable reports whether collateralValue has fallen below the
// maintenance fraction of portfolioValue.
func (r *Router) IsLiquidatable(collateralValue, portfolioValue *big.Int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// collateral * 10000 < portfolio * maintenanceBps
	lhs := new(big.Int).Mul(collateralValue, bpsDenom)
	rhs := new(big.Int).Mul(portfolioValue, big.NewInt(r.cfg.MaintenanceMarginBps))
	return lhs.Cmp(rhs) < 0
}

// IsKeeper reports whether addr is on the keeper allowlist.
func (r *Router) IsKeeper(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keepers[addr]
}

// AddKeeper adds an address to the keeper allowlist at runtime.
func (r *Router) AddKeeper(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepers[addr] = true
}

// LiquidatorFeeBps returns the liquidator's fee in bps of collateral.
func (r *Router) LiquidatorFeeBps() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return big.NewInt(r.cfg.LiquidatorFeeBps)
}

// MarginFeeBps returns the protocol's cut of accrued interest in bps.
func (r *Router) MarginFeeBps() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return big.NewInt(r.cfg.MarginFeeBps)
}

// Compile-time interface check.
var _ domain.PositionRouter = (*Router)(nil)

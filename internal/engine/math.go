package engine

import "math/big"

// All monetary ratios in the engine are computed as floor(x*y/z) with the
// multiplication performed before the division, so rounding loss is bounded
// by one unit and always favors the pool.

var (
	// priceScale is the fixed-point scale for strikes and oracle prices.
	priceScale = big.NewInt(1_000_000)
	// unitScale is the fixed-point scale for option units.
	unitScale = big.NewInt(1_000_000)
	// bpsDenom converts basis points to a ratio.
	bpsDenom = big.NewInt(10_000)
)

// mulDiv returns floor(x*y/z). z must be positive.
func mulDiv(x, y, z *big.Int) *big.Int {
	out := new(big.Int).Mul(x, y)
	return out.Quo(out, z)
}

// pow10 returns 10^n.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// bigMin returns the smaller of a and b.
func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

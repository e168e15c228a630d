package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Asset describes one fungible collateral asset known to the engine.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// AssetLedger is the narrow balance/transfer surface the engine requires from
// a fungible token. Option instruments use the same interface for their own
// option-unit bookkeeping. Transfers are synchronous: they either complete or
// return an error with no partial effect.
type AssetLedger interface {
	Transfer(from, to common.Address, amount *big.Int) error
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
	BalanceOf(addr common.Address) *big.Int
	Decimals() uint8
}

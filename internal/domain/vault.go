package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VaultState is a read-only snapshot of one collateral pool. TotalBorrows
// decreases exactly by what settlement recovers, never by more than was lent.
type VaultState struct {
	Asset          common.Address
	TotalBorrows   *big.Int
	CumulativeFees *big.Int
}

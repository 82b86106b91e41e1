package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a coin-denominated amount to the chain's smallest unit.
// For example, ToBaseUnits(1.5, 8) returns 150000000. Fractions below one base
// unit are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive: %s", amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	if !shifted.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", amount)
	}
	return shifted.BigInt().Uint64(), nil
}

// FromBaseUnits converts an amount in smallest units back to coins.
func FromBaseUnits(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}

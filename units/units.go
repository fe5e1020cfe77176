package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals は cUSD/ETH と同じ18桁
const DefaultDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// FormatUnits は最小単位の値を10進数表記に変換する (fromWei 相当)
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// ParseUnits は10進数表記を最小単位に変換する (toWei 相当)
// 最小単位より細かい端数はエラー
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return shifted.BigInt(), nil
}

package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	Decimals int   // Number of decimal places
	Scale    int64 // 10^Decimals
}

var (
	// Standard configs
	NativeConfig = DecimalConfig{Decimals: 18, Scale: 1_000_000_000_000_000_000} // wei-style native units
	OracleConfig = DecimalConfig{Decimals: 8, Scale: 100_000_000}                // oracle price quotes
	USDConfig    = DecimalConfig{Decimals: 6, Scale: 1_000_000}                  // normalized USD unit
)

var (
	// ErrPrecision is returned when the target precision cannot be reached
	// from the source and price precisions.
	ErrPrecision = errors.New("target decimals exceed source plus price decimals")

	// ErrOutOfRange is returned when the normalized value does not fit uint64.
	ErrOutOfRange = errors.New("normalized value out of range")
)

// wideInt is a pooled big.Int for intermediate calculations
var wideIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWideInt() *big.Int {
	return wideIntPool.Get().(*big.Int)
}

func putWideInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	wideIntPool.Put(v)
}

// Normalize converts an amount in the asset's native precision, priced in the
// oracle's precision, into targetDecimals fixed-point units:
//
//	amount * price / 10^(sourceDecimals + priceDecimals - targetDecimals)
//
// Division is floor division — the fractional remainder is truncated, which is
// the documented precision loss, not an error. The multiplication runs on wide
// integers so it never wraps; a quotient that does not fit uint64 fails with
// ErrOutOfRange.
func Normalize(amount uint64, sourceDecimals int, price int64, priceDecimals int, targetDecimals int) (uint64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price: %d", price)
	}

	shift := sourceDecimals + priceDecimals - targetDecimals
	if shift < 0 {
		return 0, ErrPrecision
	}

	product := getWideInt()
	defer putWideInt(product)

	product.SetUint64(amount)
	product.Mul(product, big.NewInt(price))

	divisor := getWideInt()
	defer putWideInt(divisor)

	divisor.Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)

	// Both operands are non-negative, so Quo is floor division.
	product.Quo(product, divisor)

	if !product.IsUint64() {
		return 0, ErrOutOfRange
	}

	return product.Uint64(), nil
}

// FormatUSD renders a normalized 6-decimal amount as a decimal string,
// e.g. 4117881700 -> "4117.881700".
func FormatUSD(amount uint64) string {
	v := new(big.Int).SetUint64(amount)
	return decimal.NewFromBigInt(v, -int32(USDConfig.Decimals)).StringFixed(int32(USDConfig.Decimals))
}

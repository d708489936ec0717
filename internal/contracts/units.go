package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MistPerSUI is the number of MIST in one SUI.
const MistPerSUI = 1_000_000_000

var (
	mistScale = decimal.New(1, 9)
	maxMist   = decimal.NewFromBigInt(new(big.Int).SetUint64(^uint64(0)), 0)
)

// ParseSUI converts a decimal SUI amount such as "1.25" into MIST.
// More than nine fractional digits, negative values and overflow are rejected.
func ParseSUI(s string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid SUI amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid SUI amount %q: negative", s)
	}
	mist := d.Mul(mistScale)
	if !mist.Equal(mist.Truncate(0)) {
		return 0, fmt.Errorf("invalid SUI amount %q: more than 9 decimal places", s)
	}
	if mist.GreaterThan(maxMist) {
		return 0, fmt.Errorf("invalid SUI amount %q: out of range", s)
	}
	return mist.BigInt().Uint64(), nil
}

// FormatSUI renders a MIST amount as SUI without trailing zeros.
func FormatSUI(mist uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(mist), -9).String()
}

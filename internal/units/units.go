package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

const (
	MonDecimals  = 18
	GweiDecimals = 9
)

// ToBaseUnits scales a decimal amount by 10^decimals. Amounts with more
// fractional digits than decimals are rejected instead of truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %s exceeds %d decimal places", amount.String(), decimals))
	}
	return scaled.BigInt(), nil
}

func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func MonToWei(mon decimal.Decimal) (*big.Int, error) {
	return ToBaseUnits(mon, MonDecimals)
}

func WeiToMon(wei *big.Int) decimal.Decimal {
	return FromBaseUnits(wei, MonDecimals)
}

func GweiToWei(gwei decimal.Decimal) (*big.Int, error) {
	return ToBaseUnits(gwei, GweiDecimals)
}

func WeiToGwei(wei *big.Int) decimal.Decimal {
	return FromBaseUnits(wei, GweiDecimals)
}

// ParseDecimal parses a user-supplied decimal such as "0.25". Empty input is
// a usage error.
func ParseDecimal(name, raw string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", name))
	}
	v, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("%s must be a decimal number", name), err)
	}
	if v.IsNegative() {
		return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be non-negative", name))
	}
	return v, nil
}

// ParseAmount accepts either a base-unit integer or a decimal amount (never
// both) and returns the base-unit value.
func ParseAmount(baseUnits, decimalAmount string, decimals int32) (*big.Int, error) {
	baseUnits = strings.TrimSpace(baseUnits)
	decimalAmount = strings.TrimSpace(decimalAmount)
	if baseUnits != "" && decimalAmount != "" {
		return nil, clierr.New(clierr.CodeUsage, "use either a base-unit amount or a decimal amount, not both")
	}
	if baseUnits == "" && decimalAmount == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if baseUnits != "" {
		n, ok := new(big.Int).SetString(baseUnits, 10)
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, "base-unit amount must be an integer string")
		}
		if n.Sign() < 0 {
			return nil, clierr.New(clierr.CodeUsage, "base-unit amount must be non-negative")
		}
		return n, nil
	}
	v, err := ParseDecimal("amount", decimalAmount)
	if err != nil {
		return nil, err
	}
	return ToBaseUnits(v, decimals)
}

package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseHumanAmount parses a positive, finite decimal amount as typed by a user.
func ParseHumanAmount(input string) (decimal.Decimal, error) {
	v := strings.TrimSpace(input)
	if !decimalPattern.MatchString(v) {
		return decimal.Zero, clierr.New(clierr.CodeInvalidAmount, fmt.Sprintf("amount %q must be a positive decimal like 1.25", input))
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeInvalidAmount, "parse amount", err)
	}
	if !d.IsPositive() {
		return decimal.Zero, clierr.New(clierr.CodeInvalidAmount, "amount must be greater than zero")
	}
	return d, nil
}

// ToBaseUnits returns round(human * 10^decimals). A result of zero is an
// InvalidAmount: the amount is below the token's smallest unit.
func ToBaseUnits(human decimal.Decimal, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeInvalidAmount, "decimals must be >= 0")
	}
	if !human.IsPositive() {
		return nil, clierr.New(clierr.CodeInvalidAmount, "amount must be greater than zero")
	}
	base := human.Shift(int32(decimals)).Round(0).BigInt()
	if base.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeInvalidAmount, fmt.Sprintf("amount %s rounds to zero at %d decimals", human.String(), decimals))
	}
	return base, nil
}

// FromBaseUnits converts an integer base-unit string into a human decimal.
func FromBaseUnits(baseUnits string, decimals int) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid base unit amount %q", baseUnits)
	}
	return decimal.NewFromBigInt(n, -int32(decimals)), nil
}

// FormatBaseUnits renders base units as a trimmed decimal string.
func FormatBaseUnits(baseUnits string, decimals int) string {
	n := new(big.Int)
	if _, ok := n.SetString(baseUnits, 10); !ok {
		return "0"
	}
	if decimals == 0 {
		return n.String()
	}

	s := n.String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

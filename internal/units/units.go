// Package units converts between user-facing decimal strings and base-unit integers.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the number of decimals of the native currency on EVM chains
const EtherDecimals = 18

var (
	// ErrEmptyAmount is returned for an empty or whitespace-only amount
	ErrEmptyAmount = errors.New("amount is empty")
	// ErrNegativeAmount is returned for amounts with a leading minus sign
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// ParseUnits converts a decimal string such as "1.5" into base units.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// ParseEther converts an ether-denominated decimal string to wei.
func ParseEther(s string) (*big.Int, error) {
	return ParseUnits(s, EtherDecimals)
}

// FormatUnits renders base units as a decimal string. The fractional part is
// trimmed of trailing zeros but always keeps one digit ("2.0", "0.0").
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()

	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
	}

	whole := digits
	frac := "0"
	if decimals > 0 {
		whole = digits[:len(digits)-decimals]
		frac = strings.TrimRight(digits[len(digits)-decimals:], "0")
		if frac == "" {
			frac = "0"
		}
	}

	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// FormatEther renders wei as an ether-denominated decimal string.
func FormatEther(v *big.Int) string {
	return FormatUnits(v, EtherDecimals)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

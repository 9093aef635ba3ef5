// Package domain holds the shared value types, enums, and error kinds used
// across the routing engine. Types here are deliberately free of any
// dependency on store, observability, or provider packages so that scoring
// and state-machine logic can be exercised without I/O.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is a fixed-point monetary amount stored as micro-units of its
// currency (1 Money unit = 1e-6 currency units) to avoid the rounding drift
// that binary floating point introduces over many budget updates.
type Money int64

const moneyScale = 1_000_000

// NewMoneyFromFloat builds a Money value from a float64 amount (e.g. USD).
// Use sparingly — prefer arithmetic on Money directly once a value exists.
func NewMoneyFromFloat(amount float64) Money {
	return Money(math.Round(amount * moneyScale))
}

// Float64 returns the amount as a float64, for display or export only.
func (m Money) Float64() float64 {
	return float64(m) / moneyScale
}

func (m Money) String() string {
	return strconv.FormatFloat(m.Float64(), 'f', 6, 64)
}

// Add returns m + other.
func (m Money) Add(other Money) Money { return m + other }

// Sub returns m - other.
func (m Money) Sub(other Money) Money { return m - other }

// ParseMoney parses a decimal string amount into Money.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return NewMoneyFromFloat(f), nil
}

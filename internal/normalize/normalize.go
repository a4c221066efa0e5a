// Package normalize turns free-text form input into non-negative quantities.
// Malformed input never fails; it degrades to zero.
package normalize

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MaxCount bounds unit counters so oversized input cannot overflow.
const MaxCount = 1_000_000

// Amount parses raw into a non-negative decimal. Everything except digits and
// the first decimal point is dropped. A minus sign ahead of the first digit
// marks the value negative, which clamps to zero.
func Amount(raw string) decimal.Decimal {
	digits, negative := strip(raw)
	if negative || digits == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(digits)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Count parses raw into a non-negative whole number of units. Fractions are
// truncated.
func Count(raw string) int {
	d := Amount(raw)
	if d.GreaterThan(decimal.NewFromInt(MaxCount)) {
		return MaxCount
	}
	return int(d.IntPart())
}

// Step moves a counter by delta, never below zero nor above MaxCount.
func Step(current int, delta int) int {
	next := current + delta
	if next < 0 {
		return 0
	}
	if next > MaxCount {
		return MaxCount
	}
	return next
}

// Text trims free-text names and bounds their length.
func Text(raw string, max int) string {
	s := strings.TrimSpace(raw)
	if max > 0 {
		runes := []rune(s)
		if len(runes) > max {
			s = string(runes[:max])
		}
	}
	return s
}

// Display formats an amount with two decimal places.
func Display(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func strip(raw string) (string, bool) {
	var b strings.Builder
	negative := false
	seenDigit := false
	seenPoint := false
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
			b.WriteRune(r)
		case r == '.' && !seenPoint:
			seenPoint = true
			b.WriteRune(r)
		case r == '-' && !seenDigit:
			negative = true
		}
	}
	out := b.String()
	if out == "." {
		return "", negative
	}
	if strings.HasPrefix(out, ".") {
		out = "0" + out
	}
	out = strings.TrimSuffix(out, ".")
	return out, negative
}

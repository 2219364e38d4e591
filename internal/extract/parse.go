// Package extract pulls a BRL price out of a rendered store page using
// layered strategies: JSON-LD, meta tags, DOM heuristics, body-text regex.
package extract

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseBRL parses a Brazilian-formatted price string into a decimal value.
//
// Rules: everything but digits, commas and dots is stripped. When both
// separators are present, the right-most one is the decimal mark. With only
// commas, a single comma followed by exactly two digits is the decimal mark;
// otherwise commas are thousands separators. Dots follow the same rule.
// Values that fail to parse or are <= 1 are rejected.
func ParseBRL(raw string) (decimal.Decimal, bool) {
	cleaned := stripNonNumeric(raw)
	if cleaned == "" {
		return decimal.Zero, false
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")

	var normalized string
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Right-most separator is the decimal mark; the other is thousands.
		if lastComma > lastDot {
			normalized = strings.ReplaceAll(cleaned, ".", "")
			normalized = strings.Replace(normalized, ",", ".", 1)
		} else {
			normalized = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		normalized = singleSeparator(cleaned, ",")
	case lastDot >= 0:
		normalized = singleSeparator(cleaned, ".")
	default:
		normalized = cleaned
	}

	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, false
	}
	if value.LessThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, false
	}
	return value, true
}

// singleSeparator normalizes a number that uses only one separator kind:
// exactly one occurrence with two trailing digits means decimal mark,
// anything else means thousands grouping.
func singleSeparator(s, sep string) string {
	if strings.Count(s, sep) == 1 {
		if i := strings.Index(s, sep); len(s)-i-1 == 2 {
			return strings.Replace(s, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(s, sep, "")
}

func stripNonNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ",.")
}

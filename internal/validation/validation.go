// Package validation checks identifiers that become part of storage and
// cache keys.
//
// Logical keys join identifiers with ':' and derived health aggregates
// join script and metric names with '.', so the rules below keep those
// separators out of the parts that must stay splittable.
package validation

import (
	"fmt"
	"regexp"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for an identifier.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSlash   bool
}

// MetricTypeRules returns the rules for metric types. A metric type is the
// first segment of a logical key and of every derived metric name.
func MetricTypeRules() NameRules {
	return NameRules{
		MinLength:   1,
		MaxLength:   64,
		AllowUnders: true,
	}
}

// MetricNameRules returns the rules for metric names. Dots separate
// derived suffixes such as ".p95".
func MetricNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ScriptNameRules returns the rules for health script names. A dot would
// make "<script>.<metric>" ambiguous.
func ScriptNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// SymbolRules returns the rules for instrument symbols, e.g. "BRK.B",
// "BTC/USD" or an OCC option symbol.
func SymbolRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSlash:   true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("too long: maximum %d characters allowed", rules.MaxLength)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case '/':
		return rules.AllowSlash
	}
	return false
}

// =============================================================================
// LIKE patterns
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern. The
// result must be used with ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

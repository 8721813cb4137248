package property

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	priceRangeSep = regexp.MustCompile(`\s*(?:-|–|\bto\b)\s*`)
	priceAmount   = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-z]*)`)
	bedsCount     = regexp.MustCompile(`^\s*([0-9]+)`)
)

// unitMultipliers covers the Indian numbering units used by listing sites
// plus the western short forms.
var unitMultipliers = map[string]int64{
	"":         1,
	"k":        1_000,
	"thousand": 1_000,
	"l":        100_000,
	"lac":      100_000,
	"lacs":     100_000,
	"lakh":     100_000,
	"lakhs":    100_000,
	"m":        1_000_000,
	"mn":       1_000_000,
	"million":  1_000_000,
	"cr":       10_000_000,
	"crore":    10_000_000,
	"crores":   10_000_000,
	"b":        1_000_000_000,
	"bn":       1_000_000_000,
	"billion":  1_000_000_000,
}

// ParsePrice reads a displayed price such as "₹1.2 Cr", "85 Lac",
// "$425,000" or "1.1 - 1.4 Cr" into an absolute amount. Ranges yield their
// lower bound. Per-area rates and unrecognised text are rejected.
func ParsePrice(s string) (decimal.Decimal, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || strings.Contains(s, "sq") || strings.Contains(s, "/") {
		return decimal.Decimal{}, false
	}
	for _, sym := range []string{"₹", "$", "rs.", "inr", "usd", "rs"} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "onwards"))

	parts := priceRangeSep.Split(s, 2)
	num, unit, ok := splitAmount(parts[0])
	if !ok {
		return decimal.Decimal{}, false
	}
	if unit == "" && len(parts) == 2 {
		if _, upper, ok := splitAmount(parts[1]); ok {
			unit = upper
		}
	}
	mult, ok := unitMultipliers[unit]
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(num)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d.Mul(decimal.NewFromInt(mult)), true
}

func splitAmount(s string) (num, unit string, ok bool) {
	m := priceAmount.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// parseCount reads the leading integer of values like "3", "3 BHK" or "2 baths".
func parseCount(s string) string {
	if m := bedsCount.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

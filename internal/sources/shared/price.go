package shared

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var priceCharset = regexp.MustCompile(`[^\d.,]`)

// ParsePrice converts a display price such as "$1,234.56" or "¥199" into a
// decimal amount. Unparseable input yields zero.
func ParsePrice(text string) decimal.Decimal {
	cleaned := priceCharset.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// FirstMatch applies patterns in order and returns the first capture group
// that matches the input.
func FirstMatch(patterns []*regexp.Regexp, input string) string {
	if input == "" {
		return ""
	}
	for _, pattern := range patterns {
		if groups := pattern.FindStringSubmatch(input); len(groups) > 1 {
			return groups[1]
		}
	}
	return ""
}

package utils

import "strings"

// SplitMarket returns the base and quote symbols of a "BASE-QUOTE" alias.
func SplitMarket(alias string) (string, string, bool) {
	base, quote, ok := strings.Cut(alias, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return "", "", false
	}
	return base, quote, true
}

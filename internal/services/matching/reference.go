package matching

import (
	"strings"
	"unicode"
)

// DigitsOnly keeps the ASCII digits of s, so "VS-2024/001" and
// "INV-2024-001" both become "2024001".
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReferencesMatch compares two references digit by digit. References
// without digits never match.
func ReferencesMatch(a, b string) bool {
	da := DigitsOnly(a)
	return da != "" && da == DigitsOnly(b)
}

// NormalizeName lowercases s and drops everything but letters and digits.
func NormalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NamesMatch reports whether either normalized name contains the other.
func NamesMatch(a, b string) bool {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

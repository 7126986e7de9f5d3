package types

import (
	"strconv"
	"strings"
)

// NormalizeTaxID canonicalizes a tax id: punctuation stripped, check digit
// upper-cased and separated by a single hyphen ("76.123.456-k" -> "76123456-K").
// Returns "" when nothing usable remains.
func NormalizeTaxID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || r == 'K' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) < 2 {
		return ""
	}
	body, dv := s[:len(s)-1], s[len(s)-1:]
	if strings.ContainsRune(body, 'K') {
		return ""
	}
	body = strings.TrimLeft(body, "0")
	if body == "" {
		return ""
	}
	return body + "-" + dv
}

// JoinTaxID builds a tax id from its numeric body and check digit as
// returned by the portal's list endpoints.
func JoinTaxID(body int64, dv string) string {
	if body <= 0 {
		return ""
	}
	return NormalizeTaxID(strconv.FormatInt(body, 10) + dv)
}

// SplitTaxID returns the numeric body and the check digit of a normalized id.
func SplitTaxID(normalized string) (string, string) {
	i := strings.LastIndexByte(normalized, '-')
	if i < 0 {
		return normalized, ""
	}
	return normalized[:i], normalized[i+1:]
}

// ValidTaxID verifies the modulo-11 check digit of a normalized id.
func ValidTaxID(normalized string) bool {
	body, dv := SplitTaxID(normalized)
	if body == "" || dv == "" {
		return false
	}
	sum, factor := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	var want string
	switch r := 11 - sum%11; r {
	case 11:
		want = "0"
	case 10:
		want = "K"
	default:
		want = strconv.Itoa(r)
	}
	return dv == want
}

package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// PlainText strips markup and control characters, collapses whitespace runs and returns the NFC form.
func PlainText(value string) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(plainTextPolicy.Sanitize(value))
	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, stripped)
	return norm.NFC.String(strings.Join(strings.Fields(stripped), " "))
}

// Truncate limits value to max runes.
func Truncate(value string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}

// CountryCode canonicalises an ISO 3166-1 region code. ok is false for unknown regions.
func CountryCode(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	region, err := language.ParseRegion(trimmed)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	return region.String(), true
}

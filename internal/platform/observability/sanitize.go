package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if count == limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeOwner keeps the owner kind and a short identifier prefix so logs
// can correlate requests without carrying full session tokens.
func SanitizeOwner(key string) string {
	key = sanitizeString(key, 96)
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	if kind == "session" && len(id) > 8 {
		id = id[:8] + "…"
	}
	return kind + ":" + id
}

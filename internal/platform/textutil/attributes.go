package textutil

import (
	"strings"
	"unicode/utf8"
)

// Pub/Sub rejects attribute keys over 256 bytes and values over 1024 bytes.
const (
	maxAttributeKeyBytes   = 256
	maxAttributeValueBytes = 1024
)

// MessageAttributes prepares message attributes for publishing. Keys are trimmed,
// values are reduced to plain text, and entries whose key or value ends up empty
// are dropped. Returns nil when nothing is left.
func MessageAttributes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" || len(key) > maxAttributeKeyBytes {
			continue
		}
		value = truncateBytes(PlainText(value), maxAttributeValueBytes)
		if value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// truncateBytes cuts value to at most max bytes without splitting a rune.
func truncateBytes(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

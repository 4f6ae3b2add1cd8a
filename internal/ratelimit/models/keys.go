package models

import "strings"

// KeyPrefix namespaces limiter keys in shared stores.
const KeyPrefix = "ratelimit"

// SanitizeKeySegment escapes the ':' delimiter so a caller-controlled key
// cannot spill into an adjacent segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// WindowKey builds the storage key for a (surface, key) window.
func WindowKey(surface Surface, key string) string {
	return KeyPrefix + ":" + string(surface) + ":" + SanitizeKeySegment(key)
}

// Package stringutil has small string helpers shared across services.
package stringutil

// TruncateString cuts s to at most maxLen bytes.
func TruncateString(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis cuts s to at most maxLen bytes, replacing
// the tail with "..." when something was removed. Budgets too small to
// hold the ellipsis fall back to a plain cut.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return s[:maxLen-3] + "..."
}

// Package util provides small shared helpers used across the library.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging sensitive values like codes and tokens,
// where only a prefix should ever be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

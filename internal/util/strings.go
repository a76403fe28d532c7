package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking. Used
// when logging token prefixes, where only the first few characters may ever
// appear in a log line. A negative maxLen yields the empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so URL comparisons treat
// "https://example.com" and "https://example.com/" as the same resource.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

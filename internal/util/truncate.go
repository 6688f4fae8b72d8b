package util

import "fmt"

// MaxErrorLen bounds error text persisted alongside webhook events.
const MaxErrorLen = 1024

// Truncate cuts s to maxLen bytes and notes the original size.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is Truncate for response bodies.
func TruncateBytes(b []byte, maxLen int) string {
	return Truncate(string(b), maxLen)
}

package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter caps a provider's Retry-After so one response cannot
// stall a refresh past its caller's patience.
const maxRetryAfter = 30 * time.Second

// parseRetryAfter reads the Retry-After header as delta-seconds or an
// HTTP date. It returns 0 when the header is absent or unusable.
func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(raw); err == nil {
		d = t.Sub(now)
	}
	switch {
	case d <= 0:
		return 0
	case d > maxRetryAfter:
		return maxRetryAfter
	}
	return d
}

package upstream

import (
	"net/http"
	"strconv"
	"time"
)

// RateHeaders carries the quota information a platform reports on each
// response. Fitbit uses the Fitbit-Rate-Limit-* trio; the standard
// X-RateLimit-* names are accepted as a fallback.
type RateHeaders struct {
	Present   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// ParseRateHeaders extracts quota headers from a response. Present is false
// when the platform reported nothing usable.
func ParseRateHeaders(resp *http.Response) RateHeaders {
	if resp == nil {
		return RateHeaders{}
	}

	remaining, okRemaining := headerInt(resp, "Fitbit-Rate-Limit-Remaining", "X-RateLimit-Remaining")
	limit, _ := headerInt(resp, "Fitbit-Rate-Limit-Limit", "X-RateLimit-Limit")
	resetSec, _ := headerInt(resp, "Fitbit-Rate-Limit-Reset", "X-RateLimit-Reset")

	if !okRemaining {
		return RateHeaders{}
	}
	return RateHeaders{
		Present:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   time.Duration(resetSec) * time.Second,
	}
}

func headerInt(resp *http.Response, names ...string) (int, bool) {
	for _, name := range names {
		if v := resp.Header.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ParseRetryDelay attempts to extract a retry duration from a 429 response.
// It checks the standard Retry-After header in both seconds and HTTP-date
// form. Returns 0 if no retry information is found.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		// Try seconds
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		// Try HTTP date
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}
	return 0
}

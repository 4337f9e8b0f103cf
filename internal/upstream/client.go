// Package upstream performs the HTTP calls against a platform's data API
// and classifies failures for the orchestrator. No response shape is
// interpreted here beyond the error envelope; series parsing belongs to
// the vitals strategies.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/vitalsync/vitalsync/internal/platform"
	"github.com/vitalsync/vitalsync/internal/util"
	"github.com/vitalsync/vitalsync/internal/vitals"
)

var (
	// ErrAuth means the platform rejected the access token. The caller
	// should refresh and retry, or surface a reconnect.
	ErrAuth = errors.New("upstream: unauthorized")

	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("upstream: transient failure")
)

// RateLimitedError is returned on 429 with the provider's retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream: rate limited, retry after %s", e.RetryAfter)
}

// Client talks to platform data APIs.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an upstream client. Per-request deadlines come from
// the platform catalog via context; the client timeout is a backstop.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// FetchSeries fetches the raw payload for one vital type and date range.
// Returns the body plus whatever quota headers the platform reported.
func (c *Client) FetchSeries(ctx context.Context, info platform.Info, accessToken string, desc vitals.Descriptor, r vitals.DateRange) ([]byte, RateHeaders, error) {
	url := info.APIBaseURL + desc.Path(r)

	ctx, cancel := context.WithTimeout(ctx, info.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, RateHeaders{}, fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and context deadlines are retryable, never auth.
		return nil, RateHeaders{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	rateHeaders := ParseRateHeaders(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rateHeaders, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, rateHeaders, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Printf("⚠️ %s returned %d: %s", info.ID, resp.StatusCode, util.TruncateBytes(body))
		return nil, rateHeaders, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := ParseRetryDelay(resp)
		if retryAfter == 0 && rateHeaders.Present {
			retryAfter = rateHeaders.ResetIn
		}
		return nil, rateHeaders, &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		log.Printf("⚠️ %s returned %d: %s", info.ID, resp.StatusCode, util.TruncateBytes(body))
		return nil, rateHeaders, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return nil, rateHeaders, fmt.Errorf("upstream: unexpected status %d: %s", resp.StatusCode, util.TruncateBytes(body))
	}
}

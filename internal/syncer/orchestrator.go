// Package syncer is the engine's top-level entry point. It sequences a
// vitals read as credential check → quota check → cache check → upstream
// fetch → normalize → cache write, degrading to stale cache when the
// upstream quota is spent.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/cache"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/db/models"
	"github.com/vitalsync/vitalsync/internal/logging"
	"github.com/vitalsync/vitalsync/internal/platform"
	"github.com/vitalsync/vitalsync/internal/ratelimit"
	"github.com/vitalsync/vitalsync/internal/upstream"
	"github.com/vitalsync/vitalsync/internal/vitals"
)

var (
	// ErrReconnectRequired means the platform revoked the connection; the
	// clinician must issue a new link. The credential is already gone.
	ErrReconnectRequired = errors.New("sync: reconnect required")

	// ErrUpstreamUnavailable means transient failures persisted through
	// the bounded retries.
	ErrUpstreamUnavailable = errors.New("sync: upstream unavailable")

	// ErrUpstreamFormat means the provider's response no longer matches
	// the registered shape for the vital type. Schema drift: log loudly.
	ErrUpstreamFormat = errors.New("sync: upstream format error")
)

// RateLimitedError is returned when quota is exhausted and no cached data
// exists to fall back on.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("sync: rate limited, retry after %s", e.RetryAfter)
}

const (
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
)

// Result is one answered vitals read. Stale marks a series served from an
// expired cache entry because the upstream quota was spent.
type Result struct {
	Measurements []vitals.Measurement `json:"measurements"`
	Stale        bool                 `json:"stale"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

// Orchestrator wires the engine components into the fetch pipeline.
type Orchestrator struct {
	creds    *credential.Store
	exchange *exchange.Service
	limiter  *ratelimit.Limiter
	cache    *cache.Store
	client   *upstream.Client

	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator with default retry policy.
func New(creds *credential.Store, ex *exchange.Service, limiter *ratelimit.Limiter, c *cache.Store, client *upstream.Client) *Orchestrator {
	return &Orchestrator{
		creds:      creds,
		exchange:   ex,
		limiter:    limiter,
		cache:      c,
		client:     client,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchVitals answers a clinician read for one vital type over a date
// range. force bypasses the cache read but still writes through.
func (o *Orchestrator) FetchVitals(ctx context.Context, patientRef string, vitalType vitals.Type, dateRange vitals.DateRange, force bool) (*Result, error) {
	reqID := logging.GetRequestID(ctx)

	desc, ok := vitals.Lookup(vitalType)
	if !ok {
		return nil, fmt.Errorf("sync: unsupported vital type %q", vitalType)
	}

	// 1. Short-circuit when the patient never connected.
	cred, err := o.creds.GetForPatient(patientRef)
	if err != nil {
		return nil, err
	}
	info, err := platform.Get(cred.Platform)
	if err != nil {
		return nil, err
	}

	// 2. Make sure the access token outlives the fetch.
	fresh, err := o.creds.EnsureFresh(ctx, patientRef, cred.Platform, o.refreshWithRetry)
	if err != nil {
		return nil, o.mapRefreshError(err, patientRef, cred)
	}
	cred = fresh

	// 3. Cache read, unless the caller forces a sync.
	key := cache.NewKey(patientRef, vitalType, dateRange)
	if !force {
		if entry, ok := o.cache.Get(key); ok {
			return &Result{Measurements: entry.Series, FetchedAt: entry.FetchedAt}, nil
		}
	}

	// 4. Quota gate. A denial degrades to stale cache when possible.
	decision := o.limiter.TryAcquire(cred.AccountKey(), info.RateLimit, info.RateWindow)
	if !decision.Allowed {
		if entry, ok := o.cache.GetStale(key); ok {
			log.Printf("[%s] ⏳ Quota spent for %s, serving stale series fetched %s",
				reqID, cred.AccountKey(), entry.FetchedAt.Format(time.RFC3339))
			return &Result{Measurements: entry.Series, Stale: true, FetchedAt: entry.FetchedAt}, nil
		}
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	// 5. Upstream fetch with bounded retries on transient failures.
	raw, err := o.fetchWithRetry(ctx, info, cred, desc, dateRange)
	if err != nil {
		var rle *upstream.RateLimitedError
		if errors.As(err, &rle) {
			if entry, ok := o.cache.GetStale(key); ok {
				return &Result{Measurements: entry.Series, Stale: true, FetchedAt: entry.FetchedAt}, nil
			}
			return nil, &RateLimitedError{RetryAfter: rle.RetryAfter}
		}
		return nil, err
	}

	// 6. Normalize. A shape mismatch is schema drift, not connectivity.
	series, err := vitals.Normalize(vitalType, raw)
	if err != nil {
		var parseErr *vitals.ParseError
		if errors.As(err, &parseErr) {
			log.Printf("[%s] 🚨 Upstream format drift for %s/%s: %v", reqID, info.ID, vitalType, parseErr)
			return nil, fmt.Errorf("%w: %v", ErrUpstreamFormat, parseErr)
		}
		return nil, err
	}

	// 7. Write-through.
	o.cache.Put(key, series)
	return &Result{Measurements: series, FetchedAt: time.Now()}, nil
}

// refreshWithRetry is the RefreshFunc handed to the credential store:
// bounded retries with exponential backoff on transient failures, denial
// passed through untouched for classification upstream.
func (o *Orchestrator) refreshWithRetry(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.backoff<<uint(attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: %v", exchange.ErrTransient, err)
			}
		}

		refreshed, err := o.exchange.Refresh(ctx, cred)
		if err == nil {
			return refreshed, nil
		}
		if !errors.Is(err, exchange.ErrTransient) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// mapRefreshError turns exchange failures into the orchestrator's caller
// contract: denial invalidates the credential and demands a reconnect,
// exhausted transient retries surface as upstream unavailability.
func (o *Orchestrator) mapRefreshError(err error, patientRef string, cred *models.PlatformCredential) error {
	switch {
	case errors.Is(err, exchange.ErrRefreshDenied):
		if cred != nil {
			if invErr := o.creds.Invalidate(patientRef, cred.Platform); invErr != nil {
				log.Printf("⚠️ Failed to invalidate credential for %s: %v", patientRef, invErr)
			}
			o.cache.InvalidateForPatient(patientRef)
		}
		return fmt.Errorf("%w: %v", ErrReconnectRequired, err)
	case errors.Is(err, exchange.ErrTransient):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	default:
		return err
	}
}

// fetchWithRetry performs the data call, reconciling quota headers on
// every response. A 401 mid-fetch (token revoked between expiry checks)
// gets one forced refresh before giving up with a reconnect demand.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, info platform.Info, cred *models.PlatformCredential, desc vitals.Descriptor, dateRange vitals.DateRange) ([]byte, error) {
	refreshedOnce := false
	var lastErr error

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.backoff<<uint(attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
		}

		raw, rateHeaders, err := o.client.FetchSeries(ctx, info, cred.AccessToken, desc, dateRange)
		if rateHeaders.Present {
			o.limiter.ObserveResponse(cred.AccountKey(), info.RateLimit, info.RateWindow,
				rateHeaders.Remaining, rateHeaders.ResetIn)
		}
		if err == nil {
			return raw, nil
		}

		switch {
		case errors.Is(err, upstream.ErrAuth):
			if refreshedOnce {
				if invErr := o.creds.Invalidate(cred.PatientRef, cred.Platform); invErr != nil {
					log.Printf("⚠️ Failed to invalidate credential for %s: %v", cred.PatientRef, invErr)
				}
				return nil, fmt.Errorf("%w: token rejected after refresh", ErrReconnectRequired)
			}
			refreshedOnce = true
			refreshed, refreshErr := o.creds.RefreshNow(ctx, cred.PatientRef, cred.Platform, o.refreshWithRetry)
			if refreshErr != nil {
				return nil, o.mapRefreshError(refreshErr, cred.PatientRef, cred)
			}
			cred = refreshed
		case errors.Is(err, upstream.ErrTransient):
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// ForceSync drops the cached series for a key and refetches.
func (o *Orchestrator) ForceSync(ctx context.Context, patientRef string, vitalType vitals.Type, dateRange vitals.DateRange) (*Result, error) {
	o.cache.Invalidate(cache.NewKey(patientRef, vitalType, dateRange))
	return o.FetchVitals(ctx, patientRef, vitalType, dateRange, true)
}

// Disconnect severs a patient's platform connection: credential gone,
// cached series gone. Outstanding links are left to their expiry.
func (o *Orchestrator) Disconnect(patientRef, platformID string) error {
	if err := o.creds.Invalidate(patientRef, platformID); err != nil {
		return err
	}
	o.cache.InvalidateForPatient(patientRef)
	log.Printf("🔌 Disconnected patient %s from %s", patientRef, platformID)
	return nil
}

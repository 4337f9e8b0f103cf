package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/cache"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/db/models"
	"github.com/vitalsync/vitalsync/internal/link"
	"github.com/vitalsync/vitalsync/internal/platform"
	"github.com/vitalsync/vitalsync/internal/ratelimit"
	"github.com/vitalsync/vitalsync/internal/upstream"
	"github.com/vitalsync/vitalsync/internal/vitals"
	"gorm.io/gorm"
)

const stepsBody = `{"activities-steps":[{"dateTime":"2024-03-01","value":"8421"},{"dateTime":"2024-03-02","value":"9050"}]}`

func stepsRange() vitals.DateRange {
	r, err := vitals.ParseDateRange("2024-03-01", "2024-03-07")
	if err != nil {
		panic(err)
	}
	return r
}

type testEnv struct {
	orch  *Orchestrator
	creds *credential.Store
	cache *cache.Store
}

// newEnv stands up one test server that plays both the platform's token
// endpoint (/oauth2/token) and its data API, and wires a full pipeline
// around it with fast retry backoff.
func newEnv(t *testing.T, handler http.HandlerFunc, cacheTTL time.Duration, rateLimit int) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	platform.ResetForTest()
	t.Cleanup(platform.ResetForTest)
	cfgPath := filepath.Join(t.TempDir(), "platforms.yaml")
	cfg := fmt.Sprintf(`platforms:
  - id: fitbit
    auth_url: %s/authorize
    token_url: %s/oauth2/token
    api_base_url: %s
    rate_limit: %d
    rate_window: 1h
`, srv.URL, srv.URL, srv.URL, rateLimit)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := platform.Init(cfgPath); err != nil {
		t.Fatalf("platform init: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.ConnectionLink{}, &models.PlatformCredential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	links := link.NewStore(db, time.Hour)
	creds := credential.NewStore(db)
	ex := exchange.NewService(links, creds, "http://engine/connect/callback")
	c := cache.NewStore(cacheTTL)

	orch := New(creds, ex, ratelimit.NewLimiter(), c, upstream.NewClient())
	orch.backoff = time.Millisecond

	return &testEnv{orch: orch, creds: creds, cache: c}
}

func (e *testEnv) connect(t *testing.T, patientRef string, expiresAt time.Time) {
	t.Helper()
	err := e.creds.Save(&models.PlatformCredential{
		PatientRef:     patientRef,
		Platform:       "fitbit",
		AccessToken:    "valid-access",
		RefreshToken:   "valid-refresh",
		TokenExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("save credential: %v", err)
	}
}

func refreshTokenJSON(w http.ResponseWriter, access string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"fresh-refresh","token_type":"Bearer","expires_in":3600}`, access)
}

func TestFetchVitalsHappyPath(t *testing.T) {
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Stale {
		t.Fatal("live fetch must not be stale")
	}
	if len(res.Measurements) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(res.Measurements))
	}
	if res.Measurements[0].Value != 8421 || res.Measurements[0].Unit != "steps" {
		t.Fatalf("unexpected first measurement: %+v", res.Measurements[0])
	}
	if res.FetchedAt.IsZero() {
		t.Fatal("FetchedAt must be set")
	}
}

func TestRepeatFetchServedFromCache(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
			t.Fatalf("fetch %d: %v", i+1, err)
		}
	}

	if got := atomic.LoadInt32(&dataCalls); got != 1 {
		t.Fatalf("two identical reads must cost one upstream call, got %d", got)
	}
}

func TestForceBypassesCacheRead(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), true); err != nil {
		t.Fatalf("forced fetch: %v", err)
	}

	if got := atomic.LoadInt32(&dataCalls); got != 2 {
		t.Fatalf("force must reach upstream, got %d calls", got)
	}
}

func TestNotConnectedShortCircuits(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
	}, time.Minute, 150)

	_, err := env.orch.FetchVitals(context.Background(), "nobody", vitals.TypeSteps, stepsRange(), false)
	if !errors.Is(err, credential.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if atomic.LoadInt32(&dataCalls) != 0 {
		t.Fatal("upstream must not be touched for an unconnected patient")
	}
}

func TestQuotaSpentServesStaleCache(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		fmt.Fprint(w, stepsBody)
	}, 30*time.Millisecond, 1)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	// First read spends the single quota slot and primes the cache.
	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Let the cache entry expire so the read cannot be a fresh hit.
	time.Sleep(60 * time.Millisecond)

	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.Stale {
		t.Fatal("quota-denied read with expired cache must be marked stale")
	}
	if len(res.Measurements) != 2 {
		t.Fatalf("stale series lost data: %+v", res.Measurements)
	}
	if got := atomic.LoadInt32(&dataCalls); got != 1 {
		t.Fatalf("denied read must not reach upstream, got %d calls", got)
	}
}

func TestQuotaSpentWithoutCacheIsRateLimited(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 1)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Different range: different cache key, nothing to fall back on.
	other, err := vitals.ParseDateRange("2024-04-01", "2024-04-07")
	if err != nil {
		t.Fatalf("parse range: %v", err)
	}
	_, err = env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, other, false)

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter <= 0 {
		t.Fatalf("retry hint must be positive, got %s", rle.RetryAfter)
	}
	if got := atomic.LoadInt32(&dataCalls); got != 1 {
		t.Fatalf("denied read must not attempt upstream, got %d calls", got)
	}
}

func TestExpiredTokenRefreshedBeforeFetch(t *testing.T) {
	var refreshCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			atomic.AddInt32(&refreshCalls, 1)
			refreshTokenJSON(w, "fresh-access")
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-access" {
			t.Errorf("data call must use the refreshed token, got %q", got)
		}
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(-time.Minute))

	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Measurements) != 2 {
		t.Fatalf("unexpected series: %+v", res.Measurements)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
}

func TestConcurrentFetchesRefreshOnce(t *testing.T) {
	var refreshCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			atomic.AddInt32(&refreshCalls, 1)
			time.Sleep(20 * time.Millisecond) // widen the race window
			refreshTokenJSON(w, "fresh-access")
			return
		}
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(-time.Minute))

	const goroutines = 5
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("concurrent reads must share one refresh, got %d", got)
	}
}

func TestRefreshDeniedDemandsReconnect(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Refresh token invalid"}`)
			return
		}
		atomic.AddInt32(&dataCalls, 1)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(-time.Minute))

	_, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected ErrReconnectRequired, got %v", err)
	}
	// The revoked credential must be gone so the clinician sees the state.
	if _, err := env.creds.Get("patient-1", "fitbit"); !errors.Is(err, credential.ErrNotConnected) {
		t.Fatalf("expected credential invalidated, got %v", err)
	}
	if atomic.LoadInt32(&dataCalls) != 0 {
		t.Fatal("no data call may happen once the refresh is denied")
	}
}

func TestMidFetchAuthRejectionGetsOneRefresh(t *testing.T) {
	var dataCalls, refreshCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			atomic.AddInt32(&refreshCalls, 1)
			refreshTokenJSON(w, "fresh-access")
			return
		}
		// Token revoked server-side before its recorded expiry: first data
		// call bounces, the refreshed one succeeds.
		if atomic.AddInt32(&dataCalls, 1) == 1 {
			http.Error(w, `{"errors":[{"errorType":"expired_token"}]}`, http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Measurements) != 2 {
		t.Fatalf("unexpected series: %+v", res.Measurements)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", got)
	}
}

func TestPersistentAuthRejectionDemandsReconnect(t *testing.T) {
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			refreshTokenJSON(w, "fresh-access")
			return
		}
		http.Error(w, "nope", http.StatusUnauthorized)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	_, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected ErrReconnectRequired, got %v", err)
	}
	if _, err := env.creds.Get("patient-1", "fitbit"); !errors.Is(err, credential.ErrNotConnected) {
		t.Fatalf("expected credential invalidated, got %v", err)
	}
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		http.Error(w, "flaky", http.StatusBadGateway)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	_, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&dataCalls); got != defaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries, got)
	}
}

func TestFormatDriftSurfacesAsFormatError(t *testing.T) {
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"completely":"different shape"}`)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	_, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if !errors.Is(err, ErrUpstreamFormat) {
		t.Fatalf("expected ErrUpstreamFormat, got %v", err)
	}
}

func TestEmptySeriesIsAValidResult(t *testing.T) {
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"activities-steps":[]}`)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Measurements) != 0 {
		t.Fatalf("expected empty series, got %+v", res.Measurements)
	}
}

func TestUpstream429FallsBackToStale(t *testing.T) {
	var dataCalls int32
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&dataCalls, 1) == 1 {
			fmt.Fprint(w, stepsBody)
			return
		}
		w.Header().Set("Retry-After", "600")
		w.WriteHeader(http.StatusTooManyRequests)
	}, 30*time.Millisecond, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	// Local quota still has room, but the provider says otherwise.
	res, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.Stale {
		t.Fatal("provider 429 with cached data must degrade to stale")
	}
}

func TestDisconnectDropsCredentialAndCache(t *testing.T) {
	env := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stepsBody)
	}, time.Minute, 150)
	env.connect(t, "patient-1", time.Now().Add(time.Hour))

	if _, err := env.orch.FetchVitals(context.Background(), "patient-1", vitals.TypeSteps, stepsRange(), false); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := env.orch.Disconnect("patient-1", "fitbit"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := env.creds.Get("patient-1", "fitbit"); !errors.Is(err, credential.ErrNotConnected) {
		t.Fatalf("expected credential gone, got %v", err)
	}
	key := cache.NewKey("patient-1", vitals.TypeSteps, stepsRange())
	if _, ok := env.cache.GetStale(key); ok {
		t.Fatal("disconnect must purge the patient's cached series")
	}
}

package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/vitalsync/vitalsync/internal/db"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// APIKeyAuth middleware validates the API key from the Authorization header.
// The key is generated on first run and stored in the database.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// No API key configured, allow all requests (first-run scenario)
				next.ServeHTTP(w, r)
				return
			}

			// Check Authorization header (Bearer token)
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				if strings.TrimPrefix(authHeader, "Bearer ") == expectedKey {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Check x-api-key header (alternative)
			if r.Header.Get("x-api-key") == expectedKey {
				next.ServeHTTP(w, r)
				return
			}

			// Unauthorized
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"code": "unauthorized", "message": "Invalid API key"}}`))
		})
	}
}

// EdgeLimiter stores rate limiters per caller so one misbehaving client
// cannot starve the rest of the HTTP surface. This is separate from the
// upstream quota tracker, which guards the platform's budget.
type EdgeLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewEdgeLimiter creates a per-client limiter.
func NewEdgeLimiter(r rate.Limit, b int) *EdgeLimiter {
	return &EdgeLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

func (el *EdgeLimiter) limiter(identifier string) *rate.Limiter {
	el.mu.Lock()
	defer el.mu.Unlock()

	lim, exists := el.limiters[identifier]
	if !exists {
		lim = rate.NewLimiter(el.rate, el.burst)
		el.limiters[identifier] = lim
	}
	return lim
}

// Middleware rejects callers that exceed the per-client rate.
func (el *EdgeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !el.limiter(r.RemoteAddr).Allow() {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

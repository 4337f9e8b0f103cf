// Package jobs runs the engine's background maintenance: proactive token
// refresh ahead of expiry and cache sweeping.
package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/cache"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/db/models"
)

// refreshHorizon is how far ahead of expiry the background refresher acts,
// so clinician reads rarely pay refresh latency inline.
const refreshHorizon = 20 * time.Minute

// sweepGrace is how long past its TTL a cache entry stays available for
// stale-fallback before the sweeper drops it.
const sweepGrace = time.Hour

// Scheduler owns the cron jobs.
type Scheduler struct {
	cron  *cron.Cron
	creds *credential.Store
	ex    *exchange.Service
	cache *cache.Store
}

// NewScheduler creates the background scheduler.
func NewScheduler(creds *credential.Store, ex *exchange.Service, c *cache.Store) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		creds: creds,
		ex:    ex,
		cache: c,
	}
}

// Start registers and starts the jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 10m", s.refreshExpiring); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", s.sweepCache); err != nil {
		return err
	}
	s.cron.Start()
	log.Println("🔄 Background scheduler started (refresh @10m, cache sweep @15m)")
	return nil
}

// Stop halts the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// refreshExpiring renews credentials whose access token dies within the
// horizon. It shares the per-account lock with on-demand refreshes, so an
// account never sees two refresh calls in flight.
func (s *Scheduler) refreshExpiring() {
	deadline := time.Now().Add(refreshHorizon)
	creds, err := s.creds.ExpiringBefore(deadline)
	if err != nil {
		log.Printf("⚠️ Background refresh: listing credentials: %v", err)
		return
	}

	for _, c := range creds {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_, err := s.creds.RefreshNow(ctx, c.PatientRef, c.Platform, s.refreshIfStillExpiring(deadline))
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, exchange.ErrRefreshDenied):
			// Terminal: clear the credential so reads surface a reconnect.
			if invErr := s.creds.Invalidate(c.PatientRef, c.Platform); invErr != nil {
				log.Printf("⚠️ Background refresh: invalidate %s/%s: %v", c.PatientRef, c.Platform, invErr)
			}
		case errors.Is(err, exchange.ErrTransient):
			log.Printf("⏳ Background refresh: transient failure for %s/%s, will retry next run", c.PatientRef, c.Platform)
		default:
			log.Printf("⚠️ Background refresh: %s/%s: %v", c.PatientRef, c.Platform, err)
		}
	}
}

// refreshIfStillExpiring skips the refresh when a concurrent on-demand
// caller renewed the credential between listing and locking.
func (s *Scheduler) refreshIfStillExpiring(deadline time.Time) credential.RefreshFunc {
	return func(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
		if cred.TokenExpiresAt.After(deadline) {
			return cred, nil
		}
		return s.ex.Refresh(ctx, cred)
	}
}

func (s *Scheduler) sweepCache() {
	if evicted := s.cache.Sweep(sweepGrace); evicted > 0 {
		log.Printf("🧹 Cache sweep evicted %d dead entries", evicted)
	}
}

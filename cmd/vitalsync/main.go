package main

import (
	"log"
	"net/http"

	"github.com/vitalsync/vitalsync/internal/api"
	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/cache"
	"github.com/vitalsync/vitalsync/internal/config"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/db"
	"github.com/vitalsync/vitalsync/internal/jobs"
	"github.com/vitalsync/vitalsync/internal/link"
	"github.com/vitalsync/vitalsync/internal/platform"
	"github.com/vitalsync/vitalsync/internal/ratelimit"
	"github.com/vitalsync/vitalsync/internal/syncer"
	"github.com/vitalsync/vitalsync/internal/upstream"
	"golang.org/x/time/rate"
)

func main() {
	cfg := config.Load()

	// Platform catalog (built-in Fitbit + optional YAML overrides)
	if err := platform.Init(cfg.PlatformsFile); err != nil {
		log.Fatalf("Failed to load platform catalog: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Engine components
	links := link.NewStore(database, cfg.LinkTTL)
	creds := credential.NewStore(database)
	ex := exchange.NewService(links, creds, cfg.RedirectURL())
	limiter := ratelimit.NewLimiter()
	readCache := cache.NewStore(cfg.CacheTTL)
	client := upstream.NewClient()
	orch := syncer.New(creds, ex, limiter, readCache, client)

	// Background maintenance
	scheduler := jobs.NewScheduler(creds, ex, readCache)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	router := api.NewRouter(api.Deps{
		DB:       database,
		Links:    links,
		Creds:    creds,
		Exchange: ex,
		Orch:     orch,
		Limiter:  limiter,
		Edge:     api.NewEdgeLimiter(rate.Limit(cfg.EdgeRatePerSec), cfg.EdgeBurst),
	})

	log.Printf("🚀 VitalSync starting on http://%s", cfg.Addr())
	log.Printf("🔌 OAuth callback: %s", cfg.RedirectURL())
	for _, p := range platform.All() {
		log.Printf("⌚ Platform: %s (%d calls per %s)", p.ID, p.RateLimit, p.RateWindow)
	}

	if err := http.ListenAndServe(cfg.Addr(), router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/link"
	"github.com/vitalsync/vitalsync/internal/ratelimit"
	"github.com/vitalsync/vitalsync/internal/syncer"
	"github.com/vitalsync/vitalsync/internal/version"
	"gorm.io/gorm"
)

// Deps bundles what the router needs.
type Deps struct {
	DB       *gorm.DB
	Links    *link.Store
	Creds    *credential.Store
	Exchange *exchange.Service
	Orch     *syncer.Orchestrator
	Limiter  *ratelimit.Limiter
	Edge     *EdgeLimiter
}

// NewRouter builds the engine's HTTP surface. The OAuth callback is public
// (it is the patient's browser); everything under /api requires the
// engine's API key.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "x-api-key"},
	}))
	if d.Edge != nil {
		r.Use(d.Edge.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	// OAuth flow: the platform redirects the patient's browser here.
	r.Get("/connect/callback", CallbackHandler(d.Exchange))

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(d.DB))

		r.Post("/links", CreateLinkHandler(d.Links, d.Exchange))
		r.Get("/platforms", PlatformsHandler())
		r.Get("/vital-types", VitalTypesHandler())

		r.Route("/patients/{patientRef}", func(r chi.Router) {
			r.Get("/vitals/{type}", VitalsHandler(d.Orch))
			r.Get("/platforms", ConnectionsHandler(d.Creds, d.Limiter))
			r.Delete("/platforms/{platform}", DisconnectHandler(d.Orch))
		})
	})

	return r
}

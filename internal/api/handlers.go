package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vitalsync/vitalsync/internal/auth/exchange"
	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/link"
	"github.com/vitalsync/vitalsync/internal/logging"
	"github.com/vitalsync/vitalsync/internal/platform"
	"github.com/vitalsync/vitalsync/internal/ratelimit"
	"github.com/vitalsync/vitalsync/internal/syncer"
	"github.com/vitalsync/vitalsync/internal/vitals"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// CreateLinkHandler issues a one-time connection link and the authorization
// URL the patient should be handed (mail/SMS/QR is the caller's business).
func CreateLinkHandler(links *link.Store, ex *exchange.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PatientRef string `json:"patient_ref"`
			DoctorRef  string `json:"doctor_ref"`
			Platform   string `json:"platform"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		if _, err := platform.Get(req.Platform); err != nil {
			writeError(w, http.StatusBadRequest, "unsupported_platform",
				fmt.Sprintf("unknown platform %q", req.Platform))
			return
		}

		lnk, err := links.Create(req.PatientRef, req.DoctorRef, req.Platform)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		authURL, err := ex.AuthorizationURL(lnk)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"link_id":           lnk.ID,
			"authorization_url": authURL,
			"expires_at":        lnk.ExpiresAt,
		})
	}
}

// CallbackHandler processes the OAuth redirect from the platform. This is
// the patient's browser, so it answers with a small HTML page instead of
// JSON.
func CallbackHandler(ex *exchange.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			http.Error(w, "Missing state or code parameter", http.StatusBadRequest)
			return
		}

		cred, err := ex.HandleCallback(r.Context(), state, code)
		if err != nil {
			status, message := callbackFailure(err)
			http.Error(w, message, status)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Connection Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
	</style>
</head>
<body>
	<h1 class="success">✅ Connection Successful!</h1>
	<p>Your %s account is now linked. Your clinician can see your vitals data.</p>
	<p>You can close this window.</p>
</body>
</html>`, cred.Platform)
	}
}

func callbackFailure(err error) (int, string) {
	switch {
	case errors.Is(err, link.ErrNotFound):
		return http.StatusNotFound, "This connection link does not exist."
	case errors.Is(err, link.ErrExpired):
		return http.StatusGone, "This connection link has expired. Ask your clinician for a new one."
	case errors.Is(err, link.ErrAlreadyUsed):
		return http.StatusGone, "This connection link was already used."
	case errors.Is(err, platform.ErrUnsupported):
		return http.StatusBadRequest, "Unsupported platform."
	case errors.Is(err, exchange.ErrExchangeFailed):
		return http.StatusBadGateway, "The platform rejected the authorization. Please try again."
	default:
		return http.StatusInternalServerError, "Unexpected error completing the connection."
	}
}

// VitalsHandler answers a clinician read for one vital type over a date
// range. Query params: start, end (2006-01-02), force (bool).
func VitalsHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef := chi.URLParam(r, "patientRef")
		vitalType := vitals.Type(chi.URLParam(r, "type"))

		dateRange, err := vitals.ParseDateRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_range", err.Error())
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

		ctx := logging.WithRequestID(r.Context(), logging.GenerateRequestID())
		result, err := orch.FetchVitals(ctx, patientRef, vitalType, dateRange, force)
		if err != nil {
			writeFetchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeFetchError(w http.ResponseWriter, err error) {
	var rle *syncer.RateLimitedError
	switch {
	case errors.Is(err, credential.ErrNotConnected):
		writeError(w, http.StatusNotFound, "not_connected", "patient has no active platform connection")
	case errors.Is(err, syncer.ErrReconnectRequired):
		writeError(w, http.StatusConflict, "reconnect_required", "platform connection was revoked; issue a new link")
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, syncer.ErrUpstreamFormat):
		writeError(w, http.StatusBadGateway, "upstream_format", "platform response shape changed")
	case errors.Is(err, syncer.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "platform is unreachable; try again later")
	default:
		log.Printf("⚠️ Unhandled fetch error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// ConnectionsHandler lists a patient's platform connections with token
// expiry and current quota usage, so the record system can render
// connection status.
func ConnectionsHandler(creds *credential.Store, limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef := chi.URLParam(r, "patientRef")
		list, err := creds.ListForPatient(patientRef)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}

		type connection struct {
			Platform        string    `json:"platform"`
			ConnectedAt     time.Time `json:"connected_at"`
			TokenExpiresAt  time.Time `json:"token_expires_at"`
			QuotaUsed       int       `json:"quota_used"`
			QuotaLimit      int       `json:"quota_limit"`
			QuotaResetInSec int       `json:"quota_reset_in_seconds"`
		}
		connections := make([]connection, 0, len(list))
		for _, c := range list {
			conn := connection{
				Platform:       c.Platform,
				ConnectedAt:    c.CreatedAt,
				TokenExpiresAt: c.TokenExpiresAt,
			}
			if info, err := platform.Get(c.Platform); err == nil {
				used, resetIn := limiter.Snapshot(c.AccountKey(), info.RateLimit, info.RateWindow)
				conn.QuotaUsed = used
				conn.QuotaLimit = info.RateLimit
				conn.QuotaResetInSec = int(resetIn.Seconds())
			}
			connections = append(connections, conn)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"connections": connections})
	}
}

// DisconnectHandler severs a patient's platform connection.
func DisconnectHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef := chi.URLParam(r, "patientRef")
		platformID := chi.URLParam(r, "platform")

		if err := orch.Disconnect(patientRef, platformID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}

// PlatformsHandler lists the platforms the engine supports.
func PlatformsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": platform.All()})
	}
}

// VitalTypesHandler lists the registered vital types.
func VitalTypesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"types": vitals.Supported()})
	}
}

// Package exchange drives the OAuth2 authorization-code and refresh-token
// flows against a platform's token endpoints. It is the only place a
// PlatformCredential is ever created.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vitalsync/vitalsync/internal/credential"
	"github.com/vitalsync/vitalsync/internal/db/models"
	"github.com/vitalsync/vitalsync/internal/link"
	"github.com/vitalsync/vitalsync/internal/platform"
	"golang.org/x/oauth2"
)

var (
	// ErrExchangeFailed means the code-for-token exchange was rejected or
	// returned a malformed payload. Terminal for this link.
	ErrExchangeFailed = errors.New("exchange: token exchange failed")

	// ErrRefreshDenied means the platform revoked the refresh token.
	// Terminal: the credential must be invalidated and a new link issued.
	ErrRefreshDenied = errors.New("exchange: refresh denied")

	// ErrTransient covers network failures, timeouts and 5xx responses.
	// Callers may retry with backoff.
	ErrTransient = errors.New("exchange: transient failure")
)

// Service performs code exchange and token refresh for all platforms.
type Service struct {
	links       *link.Store
	creds       *credential.Store
	redirectURL string
}

// NewService creates an exchange service. redirectURL is the engine's own
// callback endpoint, registered with each platform.
func NewService(links *link.Store, creds *credential.Store, redirectURL string) *Service {
	return &Service{links: links, creds: creds, redirectURL: redirectURL}
}

// AuthorizationURL builds the platform authorize URL for a pending link.
// The link id rides along as the OAuth state parameter so the callback can
// be correlated back to exactly one link.
func (s *Service) AuthorizationURL(lnk *models.ConnectionLink) (string, error) {
	cfg, err := platform.OAuthConfig(lnk.Platform, s.redirectURL)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(lnk.ID, oauth2.AccessTypeOffline), nil
}

// HandleCallback redeems the link named by state, exchanges the code for a
// token pair and persists the credential. Link errors (not found, expired,
// already used) propagate unchanged.
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*models.PlatformCredential, error) {
	lnk, err := s.links.Redeem(state)
	if err != nil {
		return nil, err
	}

	info, err := platform.Get(lnk.Platform)
	if err != nil {
		return nil, err
	}
	cfg, err := platform.OAuthConfig(lnk.Platform, s.redirectURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, info.Timeout)
	defer cancel()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response missing access or refresh token", ErrExchangeFailed)
	}

	cred := &models.PlatformCredential{
		PatientRef:     lnk.PatientRef,
		Platform:       lnk.Platform,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiresAt: token.Expiry,
	}
	if err := s.creds.Save(cred); err != nil {
		return nil, err
	}

	log.Printf("✅ Connected patient %s to %s (token expires %s)",
		lnk.PatientRef, lnk.Platform, token.Expiry.Format(time.RFC3339))
	return cred, nil
}

// Refresh renews an expired credential via the refresh-token grant and
// persists the result, including a rotated refresh token if the platform
// issues one. Failures are classified: ErrRefreshDenied is terminal,
// ErrTransient is retryable.
func (s *Service) Refresh(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	info, err := platform.Get(cred.Platform)
	if err != nil {
		return nil, err
	}
	cfg, err := platform.OAuthConfig(cred.Platform, s.redirectURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, info.Timeout)
	defer cancel()

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("❌ Refresh denied for patient %s on %s: %v", cred.PatientRef, cred.Platform, err)
			return nil, fmt.Errorf("%w: %v", ErrRefreshDenied, err)
		}
		// Timeouts are never treated as a revoked token.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	cred.AccessToken = newToken.AccessToken
	cred.TokenExpiresAt = newToken.Expiry
	if newToken.RefreshToken != "" && newToken.RefreshToken != cred.RefreshToken {
		log.Printf("🔄 Rotating refresh token for patient %s on %s", cred.PatientRef, cred.Platform)
		cred.RefreshToken = newToken.RefreshToken
	}
	if err := s.creds.Save(cred); err != nil {
		return nil, err
	}

	log.Printf("✅ Refreshed token for patient %s on %s (expires %s)",
		cred.PatientRef, cred.Platform, newToken.Expiry.Format(time.RFC3339))
	return cred, nil
}

// isPermanentRefreshError distinguishes a revoked grant from a flaky
// network. OAuth servers report revocation in the error body, which the
// oauth2 package folds into the error string.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

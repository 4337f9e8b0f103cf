// Package credential persists the OAuth token pair per (patient, platform)
// and serializes refreshes per account so concurrent readers trigger at
// most one refresh call.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vitalsync/vitalsync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotConnected means the patient has no active credential for the
// platform; a new link must be issued and redeemed.
var ErrNotConnected = errors.New("credential: not connected")

// ExpirySkew is subtracted from the token expiry so in-flight requests do
// not race a token that dies mid-call.
const ExpirySkew = 60 * time.Second

// RefreshFunc renews a credential against the platform and persists the
// result. Injected by the orchestrator to keep the dependency one-way.
type RefreshFunc func(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error)

// Store is the gorm-backed credential store.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewStore creates a credential store.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:           db,
		now:          time.Now,
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// Get returns the active credential for a patient/platform pair.
func (s *Store) Get(patientRef, platform string) (*models.PlatformCredential, error) {
	var cred models.PlatformCredential
	err := s.db.Where("patient_ref = ? AND platform = ?", patientRef, platform).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("credential: lookup: %w", err)
	}
	return &cred, nil
}

// GetForPatient returns the patient's connected credential regardless of
// platform. Patients hold at most one connection per platform and the
// common deployment connects exactly one platform.
func (s *Store) GetForPatient(patientRef string) (*models.PlatformCredential, error) {
	var cred models.PlatformCredential
	err := s.db.Where("patient_ref = ?", patientRef).Order("updated_at DESC").First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("credential: lookup: %w", err)
	}
	return &cred, nil
}

// ListForPatient returns every platform credential a patient holds.
func (s *Store) ListForPatient(patientRef string) ([]models.PlatformCredential, error) {
	var creds []models.PlatformCredential
	if err := s.db.Where("patient_ref = ?", patientRef).Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("credential: list: %w", err)
	}
	return creds, nil
}

// Save upserts a credential, overwriting any prior one for the same
// (patient, platform) pair. Reconnecting replaces, never duplicates.
func (s *Store) Save(cred *models.PlatformCredential) error {
	// A credential loaded from the store carries its id: plain update.
	if cred.ID != 0 {
		if err := s.db.Save(cred).Error; err != nil {
			return fmt.Errorf("credential: save: %w", err)
		}
		return nil
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "patient_ref"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_expires_at", "updated_at",
		}),
	}).Create(cred).Error
	if err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}
	return nil
}

// Invalidate removes the credential. Used on refresh denial (token revoked)
// and on explicit disconnect; subsequent Get returns ErrNotConnected.
func (s *Store) Invalidate(patientRef, platform string) error {
	res := s.db.Where("patient_ref = ? AND platform = ?", patientRef, platform).
		Delete(&models.PlatformCredential{})
	if res.Error != nil {
		return fmt.Errorf("credential: invalidate: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("🔒 Invalidated credential for patient %s on %s", patientRef, platform)
	}
	return nil
}

// InvalidateForPatient removes every credential a patient owns. Called when
// the patient record is deleted.
func (s *Store) InvalidateForPatient(patientRef string) error {
	res := s.db.Where("patient_ref = ?", patientRef).Delete(&models.PlatformCredential{})
	if res.Error != nil {
		return fmt.Errorf("credential: invalidate for patient: %w", res.Error)
	}
	return nil
}

// IsExpired reports whether the access token is past (or within ExpirySkew
// of) its expiry.
func (s *Store) IsExpired(cred *models.PlatformCredential) bool {
	return !s.now().Before(cred.TokenExpiresAt.Add(-ExpirySkew))
}

// ExpiringBefore lists credentials whose access token dies before the given
// deadline. The background refresher feeds on this.
func (s *Store) ExpiringBefore(deadline time.Time) ([]models.PlatformCredential, error) {
	var creds []models.PlatformCredential
	if err := s.db.Where("token_expires_at < ?", deadline).Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("credential: list expiring: %w", err)
	}
	return creds, nil
}

// accountLock returns the mutex guarding one account key, creating it on
// first use. Locks are per account so independent patients never contend.
func (s *Store) accountLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.accountLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.accountLocks[key] = l
	}
	return l
}

// EnsureFresh returns a credential with a usable access token, refreshing
// it via refresh if needed. Refresh is single-flight per account: the
// second concurrent caller blocks on the account lock, then re-reads the
// already-renewed credential instead of refreshing again.
func (s *Store) EnsureFresh(ctx context.Context, patientRef, platform string, refresh RefreshFunc) (*models.PlatformCredential, error) {
	cred, err := s.Get(patientRef, platform)
	if err != nil {
		return nil, err
	}
	if !s.IsExpired(cred) {
		return cred, nil
	}

	lock := s.accountLock(cred.AccountKey())
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: the winner of the race already refreshed.
	cred, err = s.Get(patientRef, platform)
	if err != nil {
		return nil, err
	}
	if !s.IsExpired(cred) {
		return cred, nil
	}

	return refresh(ctx, cred)
}

// RefreshNow refreshes unconditionally under the account lock. Used when
// the platform rejects a token that has not reached its recorded expiry,
// and by the background refresher; both share the same lock as on-demand
// refreshes, so an account never sees two refresh calls in flight.
func (s *Store) RefreshNow(ctx context.Context, patientRef, platform string, refresh RefreshFunc) (*models.PlatformCredential, error) {
	cred, err := s.Get(patientRef, platform)
	if err != nil {
		return nil, err
	}

	lock := s.accountLock(cred.AccountKey())
	lock.Lock()
	defer lock.Unlock()

	cred, err = s.Get(patientRef, platform)
	if err != nil {
		return nil, err
	}
	return refresh(ctx, cred)
}

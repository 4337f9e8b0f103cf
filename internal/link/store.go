// Package link issues and redeems one-time connection links. A link is the
// only way a patient can start a platform connection, and it can be spent
// exactly once.
package link

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vitalsync/vitalsync/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means no link exists with the given id.
	ErrNotFound = errors.New("link: not found")
	// ErrExpired means the link's validity window has passed.
	ErrExpired = errors.New("link: expired")
	// ErrAlreadyUsed means the link was redeemed before.
	ErrAlreadyUsed = errors.New("link: already used")
)

// DefaultTTL is how long a freshly issued link stays redeemable.
const DefaultTTL = 24 * time.Hour

// Store creates and redeems connection links backed by the database.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a link store. ttl <= 0 falls back to DefaultTTL.
func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Create issues a new link for the given patient/doctor/platform triple.
func (s *Store) Create(patientRef, doctorRef, platform string) (*models.ConnectionLink, error) {
	if patientRef == "" || platform == "" {
		return nil, fmt.Errorf("link: patientRef and platform are required")
	}

	now := s.now()
	lnk := models.ConnectionLink{
		ID:         uuid.New().String(),
		PatientRef: patientRef,
		DoctorRef:  doctorRef,
		Platform:   platform,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		Used:       false,
	}
	if err := s.db.Create(&lnk).Error; err != nil {
		return nil, fmt.Errorf("link: create: %w", err)
	}

	log.Printf("🔗 Issued connection link %s for patient %s (%s, expires %s)",
		lnk.ID, patientRef, platform, lnk.ExpiresAt.Format(time.RFC3339))
	return &lnk, nil
}

// Redeem marks a link used and returns it. The used flag flips via a guarded
// UPDATE so two concurrent callbacks cannot both win; the loser observes
// ErrAlreadyUsed. Expired links are left untouched for the audit trail.
func (s *Store) Redeem(id string) (*models.ConnectionLink, error) {
	var lnk models.ConnectionLink
	if err := s.db.First(&lnk, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("link: lookup: %w", err)
	}

	if !s.now().Before(lnk.ExpiresAt) {
		return nil, ErrExpired
	}
	if lnk.Used {
		return nil, ErrAlreadyUsed
	}

	// Compare-and-set: only the request that transitions used 0→1 succeeds.
	res := s.db.Model(&models.ConnectionLink{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true)
	if res.Error != nil {
		return nil, fmt.Errorf("link: redeem: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlreadyUsed
	}

	lnk.Used = true
	return &lnk, nil
}

// Get returns a link without redeeming it.
func (s *Store) Get(id string) (*models.ConnectionLink, error) {
	var lnk models.ConnectionLink
	if err := s.db.First(&lnk, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("link: lookup: %w", err)
	}
	return &lnk, nil
}

// InvalidateForPatient burns every outstanding link a patient owns. Called
// when the patient record is deleted; the rows themselves stay for audit.
func (s *Store) InvalidateForPatient(patientRef string) error {
	res := s.db.Model(&models.ConnectionLink{}).
		Where("patient_ref = ? AND used = ?", patientRef, false).
		Update("used", true)
	if res.Error != nil {
		return fmt.Errorf("link: invalidate for patient: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("🧹 Invalidated %d outstanding links for patient %s", res.RowsAffected, patientRef)
	}
	return nil
}

package models

import "time"

// PlatformCredential stores the OAuth token pair for one patient-platform
// pairing. One active credential per (patient, platform); reconnecting
// overwrites the previous one.
type PlatformCredential struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	PatientRef     string `gorm:"uniqueIndex:idx_patient_platform"`
	Platform       string `gorm:"uniqueIndex:idx_patient_platform"`
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountKey identifies the upstream account this credential belongs to.
// The rate limiter and refresh locks key off the same value.
func (c *PlatformCredential) AccountKey() string {
	return c.PatientRef + "|" + c.Platform
}

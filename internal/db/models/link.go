package models

import "time"

// ConnectionLink is a one-time, time-boxed token a patient uses to start a
// platform connection. Links are never deleted; redeemed links stay around
// for the audit trail.
type ConnectionLink struct {
	ID         string `gorm:"primaryKey"` // UUID
	PatientRef string `gorm:"index"`
	DoctorRef  string
	Platform   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool `gorm:"default:false"`
}

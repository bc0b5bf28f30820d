package database

import "time"

// AuditLog is one row of the audit trail.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID string    `gorm:"index;size:512" json:"connection_id"`
	EventType    string    `gorm:"index;size:64" json:"event_type"`
	Subject      string    `gorm:"size:128" json:"subject,omitempty"`
	Details      string    `json:"details,omitempty"`
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

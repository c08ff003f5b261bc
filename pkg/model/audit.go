package model

import "time"

// AuditEntry captures an operation against the engine: settlements, claims,
// governance updates.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Actor     string    `gorm:"size:128" json:"actor"`
	Action    string    `gorm:"size:64" json:"action"`
	Target    string    `gorm:"size:128" json:"target"`
	Detail    string    `gorm:"size:512" json:"detail,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

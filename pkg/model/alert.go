package model

import "time"

type AlertType string

const (
	AlertSLABreach              AlertType = "sla_breach"
	AlertVerificationBacklog    AlertType = "verification_backlog"
	AlertPoolUtilization        AlertType = "pool_utilization"
	AlertOwnershipConcentration AlertType = "ownership_concentration"
)

// AlertTypes is the fixed set the monitor manages.
var AlertTypes = []AlertType{
	AlertSLABreach,
	AlertVerificationBacklog,
	AlertPoolUtilization,
	AlertOwnershipConcentration,
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRecord is an operational alert. At most one unresolved record exists per
// Type; ActiveKey carries the type while active and is cleared on resolve so
// a unique index on it enforces that in storage.
type AlertRecord struct {
	ID         string                 `gorm:"primaryKey;size:64" json:"id"`
	Type       AlertType              `gorm:"index;size:64" json:"type"`
	Severity   Severity               `gorm:"size:16" json:"severity"`
	Message    string                 `gorm:"size:512" json:"message"`
	Metadata   map[string]interface{} `gorm:"serializer:json" json:"metadata,omitempty"`
	Resolved   bool                   `gorm:"index" json:"resolved"`
	ActiveKey  *string                `gorm:"uniqueIndex;size:64" json:"-"`
	CreatedAt  time.Time              `json:"createdAt"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
}

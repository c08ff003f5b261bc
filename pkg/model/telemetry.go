package model

import "time"

// TelemetryStatus buckets a node by uptime alone; it is independent of the
// pass/fail verdict against the tier SLA.
type TelemetryStatus string

const (
	StatusHealthy  TelemetryStatus = "healthy"
	StatusDegraded TelemetryStatus = "degraded"
	StatusCritical TelemetryStatus = "critical"
)

const (
	healthyUptimePct  = 99.0
	degradedUptimePct = 95.0
)

// TelemetrySummary is the latest rolling observation for a node. It is
// overwritten each cycle; no history is kept here.
type TelemetrySummary struct {
	NodeID     string          `gorm:"primaryKey;size:128" json:"nodeId"`
	UptimePct  float64         `json:"uptimePct"`
	Passing    bool            `json:"passing"`
	Status     TelemetryStatus `gorm:"size:16" json:"status"`
	ObservedAt time.Time       `json:"observedAt"`
}

// StatusForUptime derives the status bucket for an uptime percentage.
func StatusForUptime(uptime float64) TelemetryStatus {
	switch {
	case uptime >= healthyUptimePct:
		return StatusHealthy
	case uptime >= degradedUptimePct:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// DeriveTelemetry builds a summary for a node from a raw uptime reading,
// judging pass/fail against the node's tier SLA threshold. A tier with no
// threshold never passes.
func DeriveTelemetry(n Node, uptime float64, p GovernanceParams, now time.Time) TelemetrySummary {
	threshold, ok := p.SLAThresholds[n.Tier]
	return TelemetrySummary{
		NodeID:     n.ID,
		UptimePct:  uptime,
		Passing:    ok && uptime >= threshold,
		Status:     StatusForUptime(uptime),
		ObservedAt: now,
	}
}

// TelemetryReport is a raw uptime reading; pass/fail and status are
// derived server side against the current governance params.
type TelemetryReport struct {
	NodeID     string     `json:"nodeId"`
	UptimePct  float64    `json:"uptimePct"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
}

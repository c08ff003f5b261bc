package emission

import "node-emissions/pkg/model"

// Eligible returns the nodes that count toward this period, preserving input
// order. A node without telemetry, or whose tier has no SLA threshold, is
// ineligible; otherwise it is eligible iff uptime >= its tier threshold.
func Eligible(nodes []model.Node, telemetry map[string]model.TelemetrySummary, p model.GovernanceParams) []model.Node {
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		t, ok := telemetry[n.ID]
		if !ok {
			continue
		}
		threshold, ok := p.SLAThresholds[n.Tier]
		if !ok {
			continue
		}
		if t.UptimePct >= threshold {
			out = append(out, n)
		}
	}
	return out
}

// TelemetryByNode indexes a telemetry list by node id; later entries win.
func TelemetryByNode(list []model.TelemetrySummary) map[string]model.TelemetrySummary {
	out := make(map[string]model.TelemetrySummary, len(list))
	for _, t := range list {
		out[t.NodeID] = t
	}
	return out
}

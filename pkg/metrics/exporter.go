package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"node-emissions/pkg/model"
)

// Exporter publishes settlement and risk state as Prometheus metrics. A nil
// *Exporter is valid and records nothing.
type Exporter struct {
	prefix           string
	registry         *prometheus.Registry
	riskValue        *prometheus.GaugeVec
	alertActive      *prometheus.GaugeVec
	alertTransitions *prometheus.CounterVec
	checkErrors      *prometheus.CounterVec
	settlements      prometheus.Counter
	lastPeriod       prometheus.Gauge
	periodBase       prometheus.Gauge
	periodBounty     prometheus.Gauge
	periodLeaves     prometheus.Gauge
	claims           prometheus.Counter
}

func NewExporter(prefix string) *Exporter {
	if prefix == "" {
		prefix = "emissions"
	}
	e := &Exporter{
		prefix:   prefix,
		registry: prometheus.NewRegistry(),
		riskValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_risk_value",
			Help: "Last measured value of each risk check",
		}, []string{"check"}),
		alertActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_alert_active",
			Help: "Whether an alert of the type is active (1=active, 0=clear)",
		}, []string{"type"}),
		alertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_alert_transitions_total",
			Help: "Alert open/resolve transitions",
		}, []string{"type", "action"}),
		checkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_risk_check_errors_total",
			Help: "Risk checks that could not run",
		}, []string{"check"}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_settlements_total",
			Help: "Periods settled by this process",
		}),
		lastPeriod: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_last_settled_period",
			Help: "Most recent settled period index",
		}),
		periodBase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_period_base_rewards",
			Help: "Base rewards distributed in the last settled period",
		}),
		periodBounty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_period_bounty_rewards",
			Help: "Bounty rewards distributed in the last settled period",
		}),
		periodLeaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_period_ledger_entries",
			Help: "Ledger entries committed in the last settled period",
		}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_claims_total",
			Help: "Rewards claimed",
		}),
	}
	e.registry.MustRegister(
		e.riskValue,
		e.alertActive,
		e.alertTransitions,
		e.checkErrors,
		e.settlements,
		e.lastPeriod,
		e.periodBase,
		e.periodBounty,
		e.periodLeaves,
		e.claims,
	)
	return e
}

// Handler serves the exporter's registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) ObserveSettlement(c model.Commitment) {
	if e == nil {
		return
	}
	e.settlements.Inc()
	e.lastPeriod.Set(float64(c.Period))
	e.periodBase.Set(c.TotalBase.Float64())
	e.periodBounty.Set(c.TotalBounty.Float64())
	e.periodLeaves.Set(float64(c.LeafCount))
}

func (e *Exporter) ObserveClaim() {
	if e == nil {
		return
	}
	e.claims.Inc()
}

func (e *Exporter) ObserveCheck(check model.AlertType, value float64) {
	if e == nil {
		return
	}
	e.riskValue.WithLabelValues(string(check)).Set(value)
}

func (e *Exporter) CheckFailed(check model.AlertType) {
	if e == nil {
		return
	}
	e.checkErrors.WithLabelValues(string(check)).Inc()
}

func (e *Exporter) SetAlertActive(t model.AlertType, active bool) {
	if e == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	e.alertActive.WithLabelValues(string(t)).Set(v)
}

func (e *Exporter) AlertTransition(t model.AlertType, action string) {
	if e == nil {
		return
	}
	e.alertTransitions.WithLabelValues(string(t), action).Inc()
}

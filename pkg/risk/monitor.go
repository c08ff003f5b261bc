// Package risk runs threshold checks over settlement state and keeps one
// active alert per check while its condition holds.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/metrics"
	"node-emissions/pkg/model"
)

var errNoGovernance = errors.New("governance params not configured")

// Thresholds configures the checks. A zero threshold disables its check.
type Thresholds struct {
	SLABreachMinNodes int     `mapstructure:"sla_breach_min_nodes" json:"slaBreachMinNodes"`
	BacklogMax        int     `mapstructure:"backlog_max" json:"backlogMax"`
	UtilizationPct    float64 `mapstructure:"utilization_pct" json:"utilizationPct"`
	ConcentrationPct  float64 `mapstructure:"concentration_pct" json:"concentrationPct"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SLABreachMinNodes: 5,
		BacklogMax:        100,
		UtilizationPct:    110,
		ConcentrationPct:  33,
	}
}

const (
	ActionOpened   = "opened"
	ActionResolved = "resolved"
)

// Transition is an alert state change applied by a run.
type Transition struct {
	Action string            `json:"action"`
	Alert  model.AlertRecord `json:"alert"`
}

// finding is one check's verdict.
type finding struct {
	holds    bool
	value    float64
	severity model.Severity
	message  string
	meta     map[string]interface{}
}

type check struct {
	typ model.AlertType
	run func(Source, Thresholds) (finding, bool, error) // bool: enabled
}

var checks = []check{
	{typ: model.AlertSLABreach, run: checkSLA},
	{typ: model.AlertVerificationBacklog, run: checkBacklog},
	{typ: model.AlertPoolUtilization, run: checkUtilization},
	{typ: model.AlertOwnershipConcentration, run: checkConcentration},
}

func checkSLA(src Source, th Thresholds) (finding, bool, error) {
	if th.SLABreachMinNodes <= 0 {
		return finding{}, false, nil
	}
	tel, err := src.Telemetry()
	if err != nil {
		return finding{}, true, err
	}
	failing := 0
	for _, t := range tel {
		if !t.Passing {
			failing++
		}
	}
	return finding{
		holds:    failing >= th.SLABreachMinNodes,
		value:    float64(failing),
		severity: model.SeverityCritical,
		message:  fmt.Sprintf("%d nodes failing their tier SLA (threshold %d)", failing, th.SLABreachMinNodes),
		meta:     map[string]interface{}{"failing": failing, "threshold": th.SLABreachMinNodes},
	}, true, nil
}

func checkBacklog(src Source, th Thresholds) (finding, bool, error) {
	if th.BacklogMax <= 0 {
		return finding{}, false, nil
	}
	n, err := src.BacklogCount()
	if err != nil {
		return finding{}, true, err
	}
	return finding{
		holds:    n >= th.BacklogMax,
		value:    float64(n),
		severity: model.SeverityWarning,
		message:  fmt.Sprintf("%d tasks awaiting verification (threshold %d)", n, th.BacklogMax),
		meta:     map[string]interface{}{"backlog": n, "threshold": th.BacklogMax},
	}, true, nil
}

func checkUtilization(src Source, th Thresholds) (finding, bool, error) {
	if th.UtilizationPct <= 0 {
		return finding{}, false, nil
	}
	p, err := src.Params()
	if err != nil {
		return finding{}, true, err
	}
	c, entries, ok, err := src.CurrentLedger()
	if err != nil {
		return finding{}, true, err
	}
	period := c.Period
	// Utilization is measured against the pool the period was settled with.
	pool := c.PoolSize
	if pool == 0 {
		pool = p.PoolSize
	}
	var spent amount.Amount
	if ok {
		for _, e := range entries {
			if spent, err = amount.Add(spent, e.TotalReward); err != nil {
				return finding{}, true, err
			}
		}
	}
	pct := 0.0
	if pool > 0 {
		pct = float64(spent) / float64(pool) * 100
	}
	return finding{
		holds:    pct >= th.UtilizationPct,
		value:    pct,
		severity: model.SeverityWarning,
		message:  fmt.Sprintf("period %d spent %.2f%% of pool (threshold %.2f%%)", period, pct, th.UtilizationPct),
		meta:     map[string]interface{}{"period": period, "spent": spent.String(), "pool": pool.String(), "pct": pct},
	}, true, nil
}

func checkConcentration(src Source, th Thresholds) (finding, bool, error) {
	if th.ConcentrationPct <= 0 {
		return finding{}, false, nil
	}
	p, err := src.Params()
	if err != nil {
		return finding{}, true, err
	}
	nodes, err := src.Nodes()
	if err != nil {
		return finding{}, true, err
	}
	top, topCap, total, err := ownerShares(nodes, p)
	if err != nil {
		return finding{}, true, err
	}
	pct := 0.0
	if total > 0 {
		pct = float64(topCap) / float64(total) * 100
	}
	return finding{
		holds:    total > 0 && pct >= th.ConcentrationPct,
		value:    pct,
		severity: model.SeverityCritical,
		message:  fmt.Sprintf("owner %s holds %.2f%% of effective capacity (threshold %.2f%%)", top, pct, th.ConcentrationPct),
		meta:     map[string]interface{}{"owner": top, "pct": pct},
	}, true, nil
}

// Monitor applies the checks against a Source and records alert state.
type Monitor struct {
	Source     Source
	Alerts     AlertStore
	Thresholds Thresholds
	Notifier   Notifier
	Metrics    *metrics.Exporter
	Now        func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// RunOnce runs every enabled check. A check whose inputs cannot be fetched
// is skipped and its error returned alongside the transitions the other
// checks applied. Running again with unchanged inputs applies nothing.
func (m *Monitor) RunOnce(ctx context.Context) ([]Transition, error) {
	log := logger.Named("risk")
	var (
		out  []Transition
		errs *multierror.Error
	)
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		f, enabled, err := c.run(m.Source, m.Thresholds)
		if !enabled {
			continue
		}
		if err != nil {
			m.Metrics.CheckFailed(c.typ)
			log.Warn("risk check failed", zap.String("check", string(c.typ)), zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.typ, err))
			continue
		}
		m.Metrics.ObserveCheck(c.typ, f.value)
		t, err := m.apply(c.typ, f)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.typ, err))
			continue
		}
		if t != nil {
			out = append(out, *t)
			m.Metrics.AlertTransition(t.Alert.Type, t.Action)
			if m.Notifier != nil {
				m.Notifier.Notify(ctx, *t)
			}
		}
	}
	return out, errs.ErrorOrNil()
}

func (m *Monitor) apply(t model.AlertType, f finding) (*Transition, error) {
	if f.holds {
		rec, created, err := m.Alerts.OpenAlert(model.AlertRecord{
			ID:        uuid.NewString(),
			Type:      t,
			Severity:  f.severity,
			Message:   f.message,
			Metadata:  f.meta,
			CreatedAt: m.now(),
		})
		if err != nil {
			return nil, err
		}
		m.Metrics.SetAlertActive(t, true)
		if !created {
			return nil, nil
		}
		return &Transition{Action: ActionOpened, Alert: rec}, nil
	}
	resolved, err := m.Alerts.ResolveAlerts(t, m.now())
	if err != nil {
		return nil, err
	}
	m.Metrics.SetAlertActive(t, false)
	if len(resolved) == 0 {
		return nil, nil
	}
	return &Transition{Action: ActionResolved, Alert: resolved[0]}, nil
}

// Run repeats RunOnce every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	log := logger.Named("risk")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("risk run incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunRiskChecks runs every check once over a static snapshot, recording
// transitions in alerts.
func RunRiskChecks(ctx context.Context, snap Snapshot, alerts AlertStore, th Thresholds, n Notifier) ([]Transition, error) {
	m := &Monitor{Source: snapshotSource{s: snap}, Alerts: alerts, Thresholds: th, Notifier: n}
	return m.RunOnce(ctx)
}

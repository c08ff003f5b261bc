package agent

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/model"
)

// Reporter probes a node on ProbeInterval and posts its rolling uptime to
// the server on ReportInterval.
type Reporter struct {
	Client *http.Client
	Server string // base URL
	Token  string
	NodeID string

	Probe          Probe
	Tracker        Tracker
	ProbeInterval  time.Duration
	ReportInterval time.Duration
	// MinSamples holds reports back until the window has enough data.
	MinSamples int

	Now func() time.Time
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reporter) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Reporter) url(path string) string {
	return strings.TrimRight(r.Server, "/") + path
}

// Register announces the node; the server keeps the first CreatedAt.
func (r *Reporter) Register(ctx context.Context, owner, tier string) error {
	req := model.NodeRegistration{ID: r.NodeID, OwnerID: owner, Tier: tier}
	if err := postJSON(ctx, r.client(), r.url("/api/v1/nodes"), r.Token, req); err != nil {
		return err
	}
	logger.Named("agent").Info("node registered", zap.String("node", r.NodeID), zap.String("owner", owner), zap.String("tier", tier))
	return nil
}

// ProbeOnce runs the probe and records the sample.
func (r *Reporter) ProbeOnce(ctx context.Context) (bool, error) {
	err := r.Probe.Check(ctx)
	if err != nil {
		logger.Named("agent").Debug("probe failed", zap.String("node", r.NodeID), zap.Error(err))
	}
	up := err == nil
	return up, r.Tracker.Record(r.now(), up)
}

// ReportOnce posts the current window. It returns false without error
// while the window holds fewer than MinSamples samples.
func (r *Reporter) ReportOnce(ctx context.Context) (bool, error) {
	now := r.now()
	pct, n, err := r.Tracker.Uptime(now)
	if err != nil {
		return false, err
	}
	if n == 0 || n < r.MinSamples {
		return false, nil
	}
	report := model.TelemetryReport{NodeID: r.NodeID, UptimePct: pct, ObservedAt: &now}
	if err := postJSON(ctx, r.client(), r.url("/api/v1/telemetry"), r.Token, report); err != nil {
		return false, err
	}
	logger.Named("agent").Info("uptime reported", zap.String("node", r.NodeID), zap.Float64("uptimePct", pct), zap.Int("samples", n))
	return true, nil
}

// Run blocks until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	log := logger.Named("agent")
	probe := time.NewTicker(r.ProbeInterval)
	defer probe.Stop()
	report := time.NewTicker(r.ReportInterval)
	defer report.Stop()
	if _, err := r.ProbeOnce(ctx); err != nil {
		log.Warn("record sample failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			if _, err := r.ProbeOnce(ctx); err != nil {
				log.Warn("record sample failed", zap.Error(err))
			}
		case <-report.C:
			if _, err := r.ReportOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn("uptime report failed", zap.Error(err))
			}
		}
	}
}

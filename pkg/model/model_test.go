package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"node-emissions/pkg/amount"
)

func TestDefaultGovernanceIsValid(t *testing.T) {
	require.NoError(t, DefaultGovernance().Validate())
}

func TestGovernanceValidate(t *testing.T) {
	cases := map[string]func(p *GovernanceParams){
		"no weights":        func(p *GovernanceParams) { p.TierWeights = nil },
		"zero weight":       func(p *GovernanceParams) { p.TierWeights[TierMid] = 0 },
		"unknown tier":      func(p *GovernanceParams) { p.TierWeights["gold"] = amount.Weight(2) },
		"threshold > 100":   func(p *GovernanceParams) { p.SLAThresholds[TierTop] = 101 },
		"empty dampener":    func(p *GovernanceParams) { p.Dampener = nil },
		"dampener above 1":  func(p *GovernanceParams) { p.Dampener[0] = 1_500_000 },
		"dampener rises":    func(p *GovernanceParams) { p.Dampener = []amount.PPM{amount.One, 500_000, 700_000} },
		"no period length":  func(p *GovernanceParams) { p.PeriodLength = 0 },
		"pool over cap":     func(p *GovernanceParams) { p.MaxPeriodSpend = amount.Units(10) },
		"bad dampened tier": func(p *GovernanceParams) { p.DampenedTiers = []Tier{"gold"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultGovernance()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestMultiplierClamps(t *testing.T) {
	p := DefaultGovernance()
	require.Equal(t, amount.One, p.Multiplier(1))
	require.Equal(t, amount.PPM(700_000), p.Multiplier(2))
	require.Equal(t, amount.PPM(250_000), p.Multiplier(4))
	require.Equal(t, amount.PPM(250_000), p.Multiplier(9))
	require.Equal(t, amount.One, p.Multiplier(0))
}

func TestDeriveTelemetry(t *testing.T) {
	p := DefaultGovernance()
	now := time.Now()
	top := Node{ID: "n1", Tier: TierTop}

	s := DeriveTelemetry(top, 99.5, p, now)
	require.True(t, s.Passing)
	require.Equal(t, StatusHealthy, s.Status)

	// Fails the top-tier SLA while still in the degraded bucket.
	s = DeriveTelemetry(top, 98.0, p, now)
	require.False(t, s.Passing)
	require.Equal(t, StatusDegraded, s.Status)

	base := Node{ID: "n2", Tier: TierBase}
	s = DeriveTelemetry(base, 96.0, p, now)
	require.True(t, s.Passing)
	require.Equal(t, StatusDegraded, s.Status)

	require.Equal(t, StatusCritical, StatusForUptime(50))

	delete(p.SLAThresholds, TierBase)
	require.False(t, DeriveTelemetry(base, 100, p, now).Passing)
}

func TestPeriodAt(t *testing.T) {
	p := DefaultGovernance()
	require.Equal(t, uint64(0), p.PeriodAt(p.Genesis.Add(-time.Hour)))
	require.Equal(t, uint64(0), p.PeriodAt(p.Genesis.Add(23*time.Hour)))
	require.Equal(t, uint64(1), p.PeriodAt(p.Genesis.Add(24*time.Hour)))
	start, end := p.PeriodBounds(3)
	require.Equal(t, p.Genesis.Add(72*time.Hour), start)
	require.Equal(t, p.Genesis.Add(96*time.Hour), end)
	require.Equal(t, uint64(3), p.PeriodAt(start))
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("mid")
	require.NoError(t, err)
	require.Equal(t, TierMid, tier)
	_, err = ParseTier("MID")
	require.Error(t, err)
}

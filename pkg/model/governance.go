package model

import (
	"errors"
	"fmt"
	"time"

	"node-emissions/pkg/amount"
)

var ErrInvalidParams = errors.New("invalid governance params")

// GovernanceParams is the singleton parameter record. It is only changed by
// an external governance action and is always passed explicitly into a
// calculation so a past period can be recomputed after later changes.
type GovernanceParams struct {
	PoolSize       amount.Amount            `json:"poolSize"`
	TierWeights    map[Tier]amount.Capacity `json:"tierWeights"`
	SLAThresholds  map[Tier]float64         `json:"slaThresholds"`
	DampenedTiers  []Tier                   `json:"dampenedTiers"`
	Dampener       []amount.PPM             `json:"dampener"` // by ordinal position; last entry applies to 4th+
	BountyBaseRate amount.Amount            `json:"bountyBaseRate"`
	PeriodLength   time.Duration            `json:"periodLength"`
	MaxPeriodSpend amount.Amount            `json:"maxPeriodSpend,omitempty"` // 0 = uncapped
	Genesis        time.Time                `json:"genesis"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

// DefaultGovernance returns the parameters a fresh deployment starts with.
func DefaultGovernance() GovernanceParams {
	return GovernanceParams{
		PoolSize: amount.Units(1000),
		TierWeights: map[Tier]amount.Capacity{
			TierTop:  amount.Weight(15),
			TierMid:  amount.Weight(5),
			TierBase: amount.Weight(1),
		},
		SLAThresholds: map[Tier]float64{
			TierTop:  99.0,
			TierMid:  97.0,
			TierBase: 95.0,
		},
		DampenedTiers:  []Tier{TierTop},
		Dampener:       []amount.PPM{amount.One, 700_000, 500_000, 250_000},
		BountyBaseRate: amount.Units(10),
		PeriodLength:   24 * time.Hour,
		Genesis:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// IsDampened reports whether nodes of tier t are subject to the whale dampener.
func (p GovernanceParams) IsDampened(t Tier) bool {
	for _, d := range p.DampenedTiers {
		if d == t {
			return true
		}
	}
	return false
}

// Multiplier returns the dampener multiplier for a 1-based ordinal position,
// clamping to the last configured entry.
func (p GovernanceParams) Multiplier(position int) amount.PPM {
	if len(p.Dampener) == 0 {
		return amount.One
	}
	if position < 1 {
		position = 1
	}
	if position > len(p.Dampener) {
		position = len(p.Dampener)
	}
	return p.Dampener[position-1]
}

// Validate checks the invariants the engine relies on.
func (p GovernanceParams) Validate() error {
	if len(p.TierWeights) == 0 {
		return fmt.Errorf("%w: no tier weights", ErrInvalidParams)
	}
	for t, w := range p.TierWeights {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidParams, t)
		}
		if w == 0 {
			return fmt.Errorf("%w: zero weight for tier %s", ErrInvalidParams, t)
		}
	}
	for t, th := range p.SLAThresholds {
		if th <= 0 || th > 100 {
			return fmt.Errorf("%w: sla threshold %v for tier %s out of range", ErrInvalidParams, th, t)
		}
	}
	for _, t := range p.DampenedTiers {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown dampened tier %q", ErrInvalidParams, t)
		}
	}
	if len(p.Dampener) == 0 {
		return fmt.Errorf("%w: empty dampener table", ErrInvalidParams)
	}
	for i, m := range p.Dampener {
		if m == 0 || m > amount.One {
			return fmt.Errorf("%w: dampener[%d]=%s outside (0,1]", ErrInvalidParams, i, m)
		}
		if i > 0 && m > p.Dampener[i-1] {
			return fmt.Errorf("%w: dampener increases at position %d", ErrInvalidParams, i+1)
		}
	}
	if p.PeriodLength <= 0 {
		return fmt.Errorf("%w: period length must be positive", ErrInvalidParams)
	}
	if p.MaxPeriodSpend > 0 && p.PoolSize > p.MaxPeriodSpend {
		return fmt.Errorf("%w: pool %s exceeds max period spend %s", ErrInvalidParams, p.PoolSize, p.MaxPeriodSpend)
	}
	return nil
}

// PeriodAt returns the period index containing t. Times before genesis fall
// in period 0.
func (p GovernanceParams) PeriodAt(t time.Time) uint64 {
	if p.PeriodLength <= 0 || !t.After(p.Genesis) {
		return 0
	}
	return uint64(t.Sub(p.Genesis) / p.PeriodLength)
}

// SameSchedule reports whether o keeps the period boundaries of p.
func (p GovernanceParams) SameSchedule(o GovernanceParams) bool {
	return p.Genesis.Equal(o.Genesis) && p.PeriodLength == o.PeriodLength
}

// PeriodBounds returns the [start, end) window of a period.
func (p GovernanceParams) PeriodBounds(period uint64) (time.Time, time.Time) {
	start := p.Genesis.Add(time.Duration(period) * p.PeriodLength)
	return start, start.Add(p.PeriodLength)
}

// GovernanceRecord is the single persisted row holding the current params.
type GovernanceRecord struct {
	ID        uint             `gorm:"primaryKey"`
	Params    GovernanceParams `gorm:"serializer:json"`
	UpdatedAt time.Time
}

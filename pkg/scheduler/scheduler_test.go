package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-emissions/pkg/model"
	"node-emissions/pkg/risk"
	"node-emissions/pkg/settlement"
	"node-emissions/pkg/store"
)

var genesis = model.DefaultGovernance().Genesis

type countingRisk struct{ runs atomic.Int32 }

func (c *countingRisk) RunOnce(context.Context) ([]risk.Transition, error) {
	c.runs.Add(1)
	return nil, nil
}

type failingSettler struct{}

func (failingSettler) Settle(context.Context, uint64, string) (model.Commitment, error) {
	return model.Commitment{}, errors.New("disk full")
}

func seededStore(t *testing.T) *store.MemoryStore {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveGovernance(model.DefaultGovernance()))
	_, err := st.UpsertNode(model.Node{ID: "n1", OwnerID: "o1", Tier: model.TierMid, CreatedAt: genesis})
	require.NoError(t, err)
	require.NoError(t, st.SaveTelemetry(model.TelemetrySummary{NodeID: "n1", UptimePct: 99.9, Passing: true}))
	return st
}

func TestSettleDue(t *testing.T) {
	st := seededStore(t)
	now := genesis.Add(12 * time.Hour)
	clock := func() time.Time { return now }
	s := &Scheduler{
		Settler: &settlement.Service{Store: st, Now: clock},
		Params:  st,
		Now:     clock,
	}
	ctx := context.Background()

	_, settled, err := s.SettleDue(ctx)
	require.NoError(t, err)
	require.False(t, settled, "nothing has ended during period 0")

	now = genesis.Add(49 * time.Hour)
	period, settled, err := s.SettleDue(ctx)
	require.NoError(t, err)
	require.True(t, settled)
	assert.Equal(t, uint64(1), period)

	period, settled, err = s.SettleDue(ctx)
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, uint64(1), period)

	_, ok, err := st.GetCommitment(0)
	require.NoError(t, err)
	assert.False(t, ok, "only the latest completed period is settled")
}

func TestSettleDueWithoutGovernance(t *testing.T) {
	st := store.NewMemoryStore()
	s := &Scheduler{Settler: &settlement.Service{Store: st}, Params: st}
	_, settled, err := s.SettleDue(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestSettleDueSurfacesErrors(t *testing.T) {
	st := seededStore(t)
	s := &Scheduler{
		Settler: failingSettler{},
		Params:  st,
		Now:     func() time.Time { return genesis.Add(30 * time.Hour) },
	}
	period, settled, err := s.SettleDue(context.Background())
	require.Error(t, err)
	assert.False(t, settled)
	assert.Equal(t, uint64(0), period)
}

func TestRunSettlesOnceAndChecksRisk(t *testing.T) {
	st := seededStore(t)
	clock := func() time.Time { return genesis.Add(73 * time.Hour) }
	rr := &countingRisk{}
	s := &Scheduler{
		Settler:        &settlement.Service{Store: st, Now: clock},
		Params:         st,
		Risk:           rr,
		SettleInterval: 5 * time.Millisecond,
		RiskInterval:   5 * time.Millisecond,
		Now:            clock,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok, _ := st.GetCommitment(2)
		return ok && rr.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	audit, err := st.ListAudit(0)
	require.NoError(t, err)
	settles := 0
	for _, a := range audit {
		if a.Action == "settle" {
			settles++
			assert.Equal(t, actorName, a.Actor)
		}
	}
	assert.Equal(t, 1, settles)
}

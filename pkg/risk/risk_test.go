package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/model"
	"node-emissions/pkg/store"
)

type recorder struct {
	mu  sync.Mutex
	got []Transition
}

func (r *recorder) Notify(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
}

func telemetry(failing, passing int) []model.TelemetrySummary {
	var out []model.TelemetrySummary
	for i := 0; i < failing; i++ {
		out = append(out, model.TelemetrySummary{NodeID: fmt.Sprintf("f%d", i), UptimePct: 80, Passing: false})
	}
	for i := 0; i < passing; i++ {
		out = append(out, model.TelemetrySummary{NodeID: fmt.Sprintf("p%d", i), UptimePct: 99.9, Passing: true})
	}
	return out
}

func slaOnly(n int) Thresholds { return Thresholds{SLABreachMinNodes: n} }

func TestSLABreachOpensOnceAndSelfHeals(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	ctx := context.Background()
	snap := Snapshot{Params: model.DefaultGovernance(), Telemetry: telemetry(6, 10)}

	tr, err := RunRiskChecks(ctx, snap, st, slaOnly(5), rec)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionOpened, tr[0].Action)
	assert.Equal(t, model.AlertSLABreach, tr[0].Alert.Type)
	assert.Equal(t, model.SeverityCritical, tr[0].Alert.Severity)

	// Unchanged input: nothing happens.
	tr, err = RunRiskChecks(ctx, snap, st, slaOnly(5), rec)
	require.NoError(t, err)
	require.Empty(t, tr)
	active, err := st.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Recovery to below the threshold resolves it, once.
	snap.Telemetry = telemetry(4, 12)
	tr, err = RunRiskChecks(ctx, snap, st, slaOnly(5), rec)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionResolved, tr[0].Action)
	tr, err = RunRiskChecks(ctx, snap, st, slaOnly(5), rec)
	require.NoError(t, err)
	require.Empty(t, tr)

	active, err = st.ListAlerts(true)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Len(t, rec.got, 2)
}

func TestExactlyAtThresholdFires(t *testing.T) {
	st := store.NewMemoryStore()
	tr, err := RunRiskChecks(context.Background(), Snapshot{Telemetry: telemetry(5, 0)}, st, slaOnly(5), nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
}

func TestBacklogCheck(t *testing.T) {
	st := store.NewMemoryStore()
	th := Thresholds{BacklogMax: 3}
	tr, err := RunRiskChecks(context.Background(), Snapshot{Backlog: 3}, st, th, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, model.AlertVerificationBacklog, tr[0].Alert.Type)
	assert.Equal(t, model.SeverityWarning, tr[0].Alert.Severity)

	tr, err = RunRiskChecks(context.Background(), Snapshot{Backlog: 2}, st, th, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionResolved, tr[0].Action)
}

func TestUtilizationCheck(t *testing.T) {
	st := store.NewMemoryStore()
	p := model.DefaultGovernance()
	ledger := []model.LedgerEntry{
		{Period: 3, NodeID: "a", TotalReward: amount.Units(900)},
		{Period: 3, NodeID: "b", TotalReward: amount.Units(250)},
	}
	th := Thresholds{UtilizationPct: 110}
	tr, err := RunRiskChecks(context.Background(), Snapshot{Params: p, Period: 3, Ledger: ledger}, st, th, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, model.AlertPoolUtilization, tr[0].Alert.Type)
	assert.InDelta(t, 115.0, tr[0].Alert.Metadata["pct"], 0.001)

	// Nothing settled yet reads as zero utilization.
	tr, err = RunRiskChecks(context.Background(), Snapshot{Params: p}, st, th, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionResolved, tr[0].Action)
}

func TestUtilizationUsesSettledPool(t *testing.T) {
	st := store.NewMemoryStore()
	p := model.DefaultGovernance()
	c := model.Commitment{Period: 3, Root: "ab", LeafCount: 1, PoolSize: amount.Units(1000), TotalBase: amount.Units(1000)}
	require.NoError(t, st.SaveSettlement(c, []model.LedgerEntry{{Period: 3, NodeID: "a", TotalReward: amount.Units(1000)}}))
	// The pool grows after settlement; period 3 still spent all of its pool.
	p.PoolSize = amount.Units(5000)
	require.NoError(t, st.SaveGovernance(p))

	m := &Monitor{Source: StoreSource{Store: st}, Alerts: st, Thresholds: Thresholds{UtilizationPct: 90}}
	tr, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, model.AlertPoolUtilization, tr[0].Alert.Type)
	assert.InDelta(t, 100.0, tr[0].Alert.Metadata["pct"], 0.001)

	tr, err = RunRiskChecks(context.Background(), Snapshot{Params: p, Period: 3, Ledger: []model.LedgerEntry{{NodeID: "a", TotalReward: amount.Units(1000)}},
		SettledPool: amount.Units(1000)}, store.NewMemoryStore(), Thresholds{UtilizationPct: 90}, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionOpened, tr[0].Action)
}

func TestConcentrationUsesDampenedCapacityOfAllNodes(t *testing.T) {
	st := store.NewMemoryStore()
	p := model.DefaultGovernance()
	t0 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	var nodes []model.Node
	for i := 0; i < 4; i++ {
		nodes = append(nodes, model.Node{ID: fmt.Sprintf("w%d", i), OwnerID: "whale", Tier: model.TierTop, CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	// 36.75 for the whale against 4 x 5 + 20 x 1 = 40 elsewhere: 47.9%.
	for i := 0; i < 4; i++ {
		nodes = append(nodes, model.Node{ID: fmt.Sprintf("m%d", i), OwnerID: fmt.Sprintf("mid%d", i), Tier: model.TierMid, CreatedAt: t0})
	}
	for i := 0; i < 20; i++ {
		nodes = append(nodes, model.Node{ID: fmt.Sprintf("b%02d", i), OwnerID: fmt.Sprintf("base%d", i), Tier: model.TierBase, CreatedAt: t0})
	}
	snap := Snapshot{Params: p, Nodes: nodes}

	tr, err := RunRiskChecks(context.Background(), snap, st, Thresholds{ConcentrationPct: 45}, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, "whale", tr[0].Alert.Metadata["owner"])
	assert.InDelta(t, 47.88, tr[0].Alert.Metadata["pct"], 0.01)

	tr, err = RunRiskChecks(context.Background(), snap, st, Thresholds{ConcentrationPct: 50}, nil)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, ActionResolved, tr[0].Action)
}

func TestZeroThresholdDisablesCheck(t *testing.T) {
	st := store.NewMemoryStore()
	tr, err := RunRiskChecks(context.Background(), Snapshot{Telemetry: telemetry(50, 0), Backlog: 1000}, st, Thresholds{}, nil)
	require.NoError(t, err)
	require.Empty(t, tr)
}

var errBoom = errors.New("params unavailable")

type brokenParams struct{ snapshotSource }

func (brokenParams) Params() (model.GovernanceParams, error) { return model.GovernanceParams{}, errBoom }

func TestFailingFetchAbortsOnlyItsChecks(t *testing.T) {
	st := store.NewMemoryStore()
	m := &Monitor{
		Source:     brokenParams{snapshotSource{s: Snapshot{Telemetry: telemetry(6, 0), Backlog: 9}}},
		Alerts:     st,
		Thresholds: Thresholds{SLABreachMinNodes: 5, BacklogMax: 9, UtilizationPct: 100, ConcentrationPct: 30},
	}
	tr, err := m.RunOnce(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.Len(t, tr, 2)
	assert.Equal(t, model.AlertSLABreach, tr[0].Alert.Type)
	assert.Equal(t, model.AlertVerificationBacklog, tr[1].Alert.Type)
}

func TestMonitorOverLiveStore(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveGovernance(model.DefaultGovernance()))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.SaveTask(model.Task{ID: fmt.Sprintf("t%d", i), Status: model.TaskAssigned}))
	}
	m := &Monitor{Source: StoreSource{Store: st}, Alerts: st, Thresholds: Thresholds{BacklogMax: 3, UtilizationPct: 100}}
	tr, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, tr, 1)
	assert.Equal(t, model.AlertVerificationBacklog, tr[0].Alert.Type)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
	active, err := st.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestConcurrentRunsKeepOneActiveAlert(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close()
	snap := Snapshot{Telemetry: telemetry(7, 0)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := RunRiskChecks(context.Background(), snap, st, slaOnly(5), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	active, err := st.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

package risk

import (
	"time"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/emission"
	"node-emissions/pkg/model"
	"node-emissions/pkg/store"
)

// Source supplies each check with only what it reads, so a failing fetch
// aborts only the checks that need it.
type Source interface {
	Params() (model.GovernanceParams, error)
	Nodes() ([]model.Node, error)
	Telemetry() ([]model.TelemetrySummary, error)
	BacklogCount() (int, error)
	// CurrentLedger returns the most recently settled period's commitment
	// and entries; ok is false when nothing has been settled yet.
	CurrentLedger() (c model.Commitment, entries []model.LedgerEntry, ok bool, err error)
}

// AlertStore is the alert half of the store.
type AlertStore interface {
	OpenAlert(rec model.AlertRecord) (model.AlertRecord, bool, error)
	ResolveAlerts(t model.AlertType, at time.Time) ([]model.AlertRecord, error)
}

// StoreSource reads live state from a Store.
type StoreSource struct {
	Store store.Store
}

func (s StoreSource) Params() (model.GovernanceParams, error) {
	p, ok, err := s.Store.GetGovernance()
	if err != nil {
		return model.GovernanceParams{}, err
	}
	if !ok {
		return model.GovernanceParams{}, errNoGovernance
	}
	return p, nil
}

func (s StoreSource) Nodes() ([]model.Node, error) { return s.Store.ListNodes() }

func (s StoreSource) Telemetry() ([]model.TelemetrySummary, error) { return s.Store.ListTelemetry() }

func (s StoreSource) BacklogCount() (int, error) { return s.Store.CountTasks(model.BacklogStatuses...) }

func (s StoreSource) CurrentLedger() (model.Commitment, []model.LedgerEntry, bool, error) {
	c, ok, err := s.Store.LatestCommitment()
	if err != nil || !ok {
		return model.Commitment{}, nil, false, err
	}
	entries, err := s.Store.ListLedger(c.Period)
	if err != nil {
		return model.Commitment{}, nil, false, err
	}
	return c, entries, true, nil
}

// Snapshot is a static set of inputs for a one-off run.
type Snapshot struct {
	Nodes     []model.Node
	Telemetry []model.TelemetrySummary
	Params    model.GovernanceParams
	Period    uint64
	Ledger    []model.LedgerEntry
	// SettledPool is the pool the ledger was settled with; zero means
	// Params.PoolSize.
	SettledPool amount.Amount
	Backlog     int
}

type snapshotSource struct{ s Snapshot }

func (s snapshotSource) Params() (model.GovernanceParams, error) { return s.s.Params, nil }

func (s snapshotSource) Nodes() ([]model.Node, error) { return s.s.Nodes, nil }

func (s snapshotSource) Telemetry() ([]model.TelemetrySummary, error) { return s.s.Telemetry, nil }

func (s snapshotSource) BacklogCount() (int, error) { return s.s.Backlog, nil }

func (s snapshotSource) CurrentLedger() (model.Commitment, []model.LedgerEntry, bool, error) {
	pool := s.s.SettledPool
	if pool == 0 {
		pool = s.s.Params.PoolSize
	}
	return model.Commitment{Period: s.s.Period, PoolSize: pool}, s.s.Ledger, s.s.Ledger != nil, nil
}

// ownerShares is the effective capacity per owner across every node, using
// the same dampening as settlement.
func ownerShares(nodes []model.Node, p model.GovernanceParams) (top string, topCap, total uint64, err error) {
	caps, err := emission.OwnerCapacities(nodes, p)
	if err != nil {
		return "", 0, 0, err
	}
	for owner, c := range caps {
		total += uint64(c)
		if uint64(c) > topCap || (uint64(c) == topCap && owner < top) {
			top, topCap = owner, uint64(c)
		}
	}
	return top, topCap, total, nil
}

package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"node-emissions/pkg/model"
)

type ledgerKey struct {
	period uint64
	nodeID string
}

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]model.Node
	telemetry   map[string]model.TelemetrySummary
	wallets     map[string]model.Wallet
	governance  *model.GovernanceParams
	tasks       map[string]model.Task
	bounties    map[string]model.BountyAward
	commitments map[uint64]model.Commitment
	ledger      map[ledgerKey]model.LedgerEntry
	alerts      []model.AlertRecord
	audit       []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]model.Node),
		telemetry:   make(map[string]model.TelemetrySummary),
		wallets:     make(map[string]model.Wallet),
		tasks:       make(map[string]model.Task),
		bounties:    make(map[string]model.BountyAward),
		commitments: make(map[uint64]model.Commitment),
		ledger:      make(map[ledgerKey]model.LedgerEntry),
	}
}

func (m *MemoryStore) UpsertNode(n model.Node) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.nodes[n.ID]; ok {
		merged, err := reregister(prev, n)
		if err != nil {
			return prev, err
		}
		m.nodes[n.ID] = merged
		return merged, nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.nodes[n.ID] = n
	return n, nil
}

func (m *MemoryStore) ListNodes() ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetNode(id string) (model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) SaveTelemetry(t model.TelemetrySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now().UTC()
	}
	m.telemetry[t.NodeID] = t
	return nil
}

func (m *MemoryStore) ListTelemetry() ([]model.TelemetrySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TelemetrySummary, 0, len(m.telemetry))
	for _, t := range m.telemetry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) SaveWallet(w model.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.OwnerID] = w
	return nil
}

func (m *MemoryStore) ListWallets() ([]model.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (m *MemoryStore) GetGovernance() (model.GovernanceParams, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.governance == nil {
		return model.GovernanceParams{}, false, nil
	}
	return *m.governance, true, nil
}

func (m *MemoryStore) SaveGovernance(p model.GovernanceParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	m.governance = &p
	return nil
}

func (m *MemoryStore) SaveTask(t model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTask(id string) (model.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *MemoryStore) CountTasks(statuses ...model.TaskStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[model.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	n := 0
	for _, t := range m.tasks {
		if want[t.Status] {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveBounty(b model.BountyAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bounties[b.ID]; ok {
		return nil
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.bounties[b.ID] = b
	return nil
}

func (m *MemoryStore) ListBounties(period uint64) ([]model.BountyAward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.BountyAward{}
	for _, b := range m.bounties {
		if b.Period == period {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveSettlement(c model.Commitment, entries []model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commitments[c.Period]; ok {
		return fmt.Errorf("%w: %d", ErrPeriodSettled, c.Period)
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Period != c.Period {
			return fmt.Errorf("ledger entry %s has period %d, commitment %d", e.NodeID, e.Period, c.Period)
		}
		if seen[e.NodeID] {
			return fmt.Errorf("duplicate ledger entry for %s", e.NodeID)
		}
		seen[e.NodeID] = true
	}
	m.commitments[c.Period] = c
	for _, e := range entries {
		m.ledger[ledgerKey{period: e.Period, nodeID: e.NodeID}] = e
	}
	return nil
}

func (m *MemoryStore) GetCommitment(period uint64) (model.Commitment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commitments[period]
	return c, ok, nil
}

func (m *MemoryStore) LatestCommitment() (model.Commitment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest model.Commitment
		found  bool
	)
	for p, c := range m.commitments {
		if !found || p > latest.Period {
			latest, found = c, true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) ListLedger(period uint64) ([]model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.LedgerEntry{}
	for k, e := range m.ledger {
		if k.period == period {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) MarkClaimed(period uint64, nodeID, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{period: period, nodeID: nodeID}
	e, ok := m.ledger[k]
	if !ok {
		return ErrNotFound
	}
	if e.Claimed {
		return ErrAlreadyClaimed
	}
	e.Claimed = true
	e.SettlementRef = ref
	e.ClaimedAt = &at
	m.ledger[k] = e
	return nil
}

func (m *MemoryStore) OpenAlert(rec model.AlertRecord) (model.AlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Type == rec.Type && !a.Resolved {
			return a, false, nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Resolved = false
	rec.ResolvedAt = nil
	rec.ActiveKey = activeKey(rec.Type)
	m.alerts = append(m.alerts, rec)
	return rec, true, nil
}

func (m *MemoryStore) ResolveAlerts(t model.AlertType, at time.Time) ([]model.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AlertRecord
	for i, a := range m.alerts {
		if a.Type != t || a.Resolved {
			continue
		}
		resolvedAt := at
		a.Resolved = true
		a.ResolvedAt = &resolvedAt
		a.ActiveKey = nil
		m.alerts[i] = a
		out = append(out, a)
	}
	return out, nil
}

func (m *MemoryStore) ListAlerts(activeOnly bool) ([]model.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AlertRecord, 0, len(m.alerts))
	for _, a := range m.alerts {
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = uint(len(m.audit) + 1)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	start := len(m.audit) - limit
	for i := start; i < len(m.audit); i++ {
		out = append(out, m.audit[i])
	}
	return out, nil
}

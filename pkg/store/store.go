package store

import (
	"errors"
	"fmt"
	"time"

	"node-emissions/pkg/model"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrPeriodSettled  = errors.New("period already settled")
	ErrAlreadyClaimed = errors.New("reward already claimed")
	ErrNodeImmutable  = errors.New("node tier and registration time cannot change")
)

// Store is the persistence layer behind settlement, bounties and the risk
// monitor. Implementations must make SaveSettlement all-or-nothing and keep
// at most one unresolved alert per type.
type Store interface {
	// UpsertNode registers a node or transfers an existing one to a new
	// owner. Changing the tier or creation time of an existing node fails
	// with ErrNodeImmutable; a zero CreatedAt keeps the stored one.
	UpsertNode(model.Node) (model.Node, error)
	ListNodes() ([]model.Node, error)
	GetNode(id string) (model.Node, bool, error)
	SaveTelemetry(model.TelemetrySummary) error
	ListTelemetry() ([]model.TelemetrySummary, error)
	SaveWallet(model.Wallet) error
	ListWallets() ([]model.Wallet, error)

	GetGovernance() (model.GovernanceParams, bool, error)
	SaveGovernance(model.GovernanceParams) error

	SaveTask(model.Task) error
	GetTask(id string) (model.Task, bool, error)
	CountTasks(statuses ...model.TaskStatus) (int, error)
	// SaveBounty is create-only: saving an id that already exists keeps the
	// stored award and succeeds.
	SaveBounty(model.BountyAward) error
	ListBounties(period uint64) ([]model.BountyAward, error)

	// SaveSettlement writes the commitment and its ledger rows atomically.
	// A second settlement of the same period fails with ErrPeriodSettled and
	// leaves the first untouched.
	SaveSettlement(model.Commitment, []model.LedgerEntry) error
	GetCommitment(period uint64) (model.Commitment, bool, error)
	LatestCommitment() (model.Commitment, bool, error)
	ListLedger(period uint64) ([]model.LedgerEntry, error)
	// MarkClaimed flips an unclaimed entry to claimed. ErrNotFound when no
	// entry exists, ErrAlreadyClaimed when it was claimed before.
	MarkClaimed(period uint64, nodeID, ref string, at time.Time) error

	// OpenAlert inserts rec as the active alert of its type unless one is
	// already active, in which case the existing record is returned and
	// created is false.
	OpenAlert(rec model.AlertRecord) (active model.AlertRecord, created bool, err error)
	// ResolveAlerts resolves the active alert of the type, if any, and
	// returns what it resolved.
	ResolveAlerts(t model.AlertType, at time.Time) ([]model.AlertRecord, error)
	ListAlerts(activeOnly bool) ([]model.AlertRecord, error)

	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)

	Ping() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}

// reregister merges next into the stored node prev: only the owner may
// change.
func reregister(prev, next model.Node) (model.Node, error) {
	if next.Tier != prev.Tier || (!next.CreatedAt.IsZero() && !next.CreatedAt.Equal(prev.CreatedAt)) {
		return prev, fmt.Errorf("%w: %s", ErrNodeImmutable, prev.ID)
	}
	prev.OwnerID = next.OwnerID
	return prev, nil
}

func activeKey(t model.AlertType) *string {
	s := string(t)
	return &s
}

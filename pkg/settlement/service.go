// Package settlement persists period settlements and serves claim proofs
// against their committed roots.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"node-emissions/pkg/emission"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/merkle"
	"node-emissions/pkg/metrics"
	"node-emissions/pkg/model"
	"node-emissions/pkg/registry"
	"node-emissions/pkg/store"
)

var (
	ErrPeriodSettled  = store.ErrPeriodSettled
	ErrAlreadyClaimed = store.ErrAlreadyClaimed
	ErrNotSettled     = errors.New("period not settled")
	ErrNotFound       = errors.New("node has no ledger entry for period")
	ErrRootMismatch   = errors.New("ledger does not match committed root")
	ErrPeriodOpen     = errors.New("period has not ended yet")
	ErrNoGovernance   = errors.New("governance params not configured")
	ErrInvalidProof   = errors.New("invalid claim proof")
	ErrScheduleLocked = errors.New("period schedule is fixed once a period is settled")
)

// Service runs settlements and claims over a Store. Registry and Metrics
// are optional.
type Service struct {
	Store    store.Store
	Registry registry.Registry
	Metrics  *metrics.Exporter
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// LoadSnapshot reads the current node, telemetry, wallet and governance
// state plus the period's bounty awards.
func LoadSnapshot(st store.Store, period uint64) (emission.Snapshot, error) {
	params, ok, err := st.GetGovernance()
	if err != nil {
		return emission.Snapshot{}, fmt.Errorf("load governance: %w", err)
	}
	if !ok {
		return emission.Snapshot{}, ErrNoGovernance
	}
	nodes, err := st.ListNodes()
	if err != nil {
		return emission.Snapshot{}, fmt.Errorf("load nodes: %w", err)
	}
	tel, err := st.ListTelemetry()
	if err != nil {
		return emission.Snapshot{}, fmt.Errorf("load telemetry: %w", err)
	}
	wallets, err := st.ListWallets()
	if err != nil {
		return emission.Snapshot{}, fmt.Errorf("load wallets: %w", err)
	}
	awards, err := st.ListBounties(period)
	if err != nil {
		return emission.Snapshot{}, fmt.Errorf("load bounties: %w", err)
	}
	byOwner := make(map[string]string, len(wallets))
	for _, w := range wallets {
		byOwner[w.OwnerID] = w.Address
	}
	return emission.Snapshot{
		Nodes:     nodes,
		Telemetry: emission.TelemetryByNode(tel),
		Params:    params,
		Wallets:   byOwner,
		Awards:    awards,
	}, nil
}

// Settle computes and persists period. Only ended periods can be settled,
// and each at most once: the check up front is advisory, the store's
// uniqueness decides races.
func (s *Service) Settle(ctx context.Context, period uint64, actor string) (model.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return model.Commitment{}, err
	}
	log := logger.Named("settlement")
	if _, ok, err := s.Store.GetCommitment(period); err != nil {
		return model.Commitment{}, err
	} else if ok {
		return model.Commitment{}, fmt.Errorf("%w: %d", ErrPeriodSettled, period)
	}

	snap, err := LoadSnapshot(s.Store, period)
	if err != nil {
		return model.Commitment{}, err
	}
	now := s.now()
	if _, end := snap.Params.PeriodBounds(period); now.Before(end) {
		return model.Commitment{}, fmt.Errorf("%w: period %d ends %s", ErrPeriodOpen, period, end.Format(time.RFC3339))
	}

	result, err := emission.ComputePeriodRewards(period, snap)
	if err != nil {
		return model.Commitment{}, fmt.Errorf("compute period %d: %w", period, err)
	}
	for i := range result.Entries {
		result.Entries[i].CreatedAt = now
	}
	c := model.Commitment{
		Period:        period,
		Root:          result.Root.Hex(),
		LeafCount:     len(result.Entries),
		PoolSize:      snap.Params.PoolSize,
		TotalBase:     result.TotalBase,
		TotalBounty:   result.TotalBounty,
		SettlementRef: uuid.NewString(),
		SettledAt:     now,
	}
	if err := s.Store.SaveSettlement(c, result.Entries); err != nil {
		return model.Commitment{}, err
	}
	if s.Registry != nil {
		if err := s.Registry.Publish(period, result.Root); err != nil {
			log.Warn("publish root failed", zap.Uint64("period", period), zap.Error(err))
		}
	}
	s.audit(model.AuditEntry{
		Actor:     actor,
		Action:    "settle",
		Target:    fmt.Sprintf("period/%d", period),
		Detail:    fmt.Sprintf("root=%s leaves=%d base=%s bounty=%s capped=%t", c.Root, c.LeafCount, c.TotalBase, c.TotalBounty, result.BountyCapped),
		Timestamp: now,
	})
	s.Metrics.ObserveSettlement(c)
	log.Info("period settled",
		zap.Uint64("period", period),
		zap.String("root", c.Root),
		zap.Int("leaves", c.LeafCount),
		zap.Stringer("totalBase", c.TotalBase),
		zap.Stringer("totalBounty", c.TotalBounty),
		zap.String("ref", c.SettlementRef),
	)
	return c, nil
}

// committedTree rebuilds the period tree from the ledger and checks it
// against the stored commitment and, when available, the published root.
func (s *Service) committedTree(period uint64) (*merkle.Tree, model.Commitment, error) {
	c, ok, err := s.Store.GetCommitment(period)
	if err != nil {
		return nil, model.Commitment{}, err
	}
	if !ok {
		return nil, model.Commitment{}, fmt.Errorf("%w: %d", ErrNotSettled, period)
	}
	entries, err := s.Store.ListLedger(period)
	if err != nil {
		return nil, model.Commitment{}, err
	}
	tree, err := emission.TreeFromEntries(entries)
	if err != nil {
		return nil, model.Commitment{}, err
	}
	stored, err := s.knownRoot(period)
	if err != nil {
		return nil, model.Commitment{}, err
	}
	if tree.Root() != stored {
		return nil, model.Commitment{}, fmt.Errorf("%w: period %d", ErrRootMismatch, period)
	}
	return tree, c, nil
}

// ClaimProof returns node's inclusion proof for a settled period. It only
// reads, so concurrent calls are safe.
func (s *Service) ClaimProof(ctx context.Context, period uint64, nodeID string) (model.ClaimProof, error) {
	if err := ctx.Err(); err != nil {
		return model.ClaimProof{}, err
	}
	tree, c, err := s.committedTree(period)
	if err != nil {
		return model.ClaimProof{}, err
	}
	p, err := tree.Prove(nodeID)
	if errors.Is(err, merkle.ErrNotFound) {
		return model.ClaimProof{}, fmt.Errorf("%w: %s in period %d", ErrNotFound, nodeID, period)
	}
	if err != nil {
		return model.ClaimProof{}, err
	}
	return model.ClaimProof{
		Period:      period,
		NodeID:      nodeID,
		TotalReward: p.TotalReward,
		Siblings:    merkle.HexSiblings(p.Siblings),
		Root:        c.Root,
	}, nil
}

// knownRoot is the committed root of a settled period, cross-checked with
// the published root when a registry is configured.
func (s *Service) knownRoot(period uint64) (merkle.Digest, error) {
	c, ok, err := s.Store.GetCommitment(period)
	if err != nil {
		return merkle.Digest{}, err
	}
	if !ok {
		return merkle.Digest{}, fmt.Errorf("%w: %d", ErrNotSettled, period)
	}
	root, err := merkle.ParseDigest(c.Root)
	if err != nil {
		return merkle.Digest{}, fmt.Errorf("%w: stored root: %v", ErrRootMismatch, err)
	}
	if s.Registry != nil {
		published, ok, err := s.Registry.Root(period)
		if err != nil {
			return merkle.Digest{}, err
		}
		if ok && published != root {
			return merkle.Digest{}, fmt.Errorf("%w: published root differs for period %d", ErrRootMismatch, period)
		}
	}
	return root, nil
}

// VerifyClaimProof checks p against the root committed for p.Period. A
// proof that folds to a root of its own choosing is rejected.
func (s *Service) VerifyClaimProof(ctx context.Context, p model.ClaimProof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	known, err := s.knownRoot(p.Period)
	if err != nil {
		return err
	}
	root, err := merkle.ParseDigest(p.Root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if root != known {
		return fmt.Errorf("%w: root is not the committed root of period %d", ErrInvalidProof, p.Period)
	}
	return verifyPath(known, p)
}

// verifyPath folds the proof's path and compares it with root.
func verifyPath(root merkle.Digest, p model.ClaimProof) error {
	sib, err := merkle.ParseSiblings(p.Siblings)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !merkle.Verify(root, p.NodeID, p.TotalReward, sib) {
		return ErrInvalidProof
	}
	return nil
}

// Claim marks node's reward for period as paid out under ref, after
// checking its proof against the committed root.
func (s *Service) Claim(ctx context.Context, period uint64, nodeID, ref, actor string) (model.LedgerEntry, error) {
	proof, err := s.ClaimProof(ctx, period, nodeID)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	root, err := merkle.ParseDigest(proof.Root)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if err := verifyPath(root, proof); err != nil {
		return model.LedgerEntry{}, err
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	now := s.now()
	if err := s.Store.MarkClaimed(period, nodeID, ref, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.LedgerEntry{}, fmt.Errorf("%w: %s in period %d", ErrNotFound, nodeID, period)
		}
		return model.LedgerEntry{}, err
	}
	s.audit(model.AuditEntry{
		Actor:     actor,
		Action:    "claim",
		Target:    fmt.Sprintf("period/%d/node/%s", period, nodeID),
		Detail:    fmt.Sprintf("amount=%s ref=%s", proof.TotalReward, ref),
		Timestamp: now,
	})
	s.Metrics.ObserveClaim()
	entries, err := s.Store.ListLedger(period)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	for _, e := range entries {
		if e.NodeID == nodeID {
			return e, nil
		}
	}
	return model.LedgerEntry{}, fmt.Errorf("%w: %s in period %d", ErrNotFound, nodeID, period)
}

func (s *Service) audit(e model.AuditEntry) {
	if err := s.Store.AppendAudit(e); err != nil {
		logger.Named("settlement").Warn("append audit failed", zap.String("action", e.Action), zap.String("target", e.Target), zap.Error(err))
	}
}

// CheckSchedule rejects a governance change that would move period
// boundaries after any period has been settled; renumbering would let an
// already paid window be settled again.
func CheckSchedule(st store.Store, next model.GovernanceParams) error {
	cur, ok, err := st.GetGovernance()
	if err != nil || !ok {
		return err
	}
	if cur.SameSchedule(next) {
		return nil
	}
	latest, settled, err := st.LatestCommitment()
	if err != nil {
		return err
	}
	if settled {
		return fmt.Errorf("%w: genesis and period length cannot change after period %d", ErrScheduleLocked, latest.Period)
	}
	return nil
}

// PeriodAt is the period index containing t for a schedule starting at
// genesis with the given period length.
func PeriodAt(genesis time.Time, length time.Duration, t time.Time) uint64 {
	return model.GovernanceParams{Genesis: genesis, PeriodLength: length}.PeriodAt(t)
}

// LastCompleted returns the most recent period that has fully ended at t,
// and false when no period has ended yet.
func LastCompleted(p model.GovernanceParams, t time.Time) (uint64, bool) {
	cur := p.PeriodAt(t)
	if cur == 0 {
		return 0, false
	}
	return cur - 1, true
}

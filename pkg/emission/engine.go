// Package emission turns a node/telemetry snapshot and governance parameters
// into a period's reward ledger and its Merkle commitment. Everything here
// is a pure computation over in-memory values.
package emission

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/merkle"
	"node-emissions/pkg/model"
)

var ErrDuplicateNode = errors.New("duplicate node id in snapshot")

// Snapshot is everything a settlement reads.
type Snapshot struct {
	Nodes     []model.Node
	Telemetry map[string]model.TelemetrySummary
	Params    model.GovernanceParams
	Wallets   map[string]string // owner id -> wallet
	Awards    []model.BountyAward
}

// Settlement is the result of one period's computation.
type Settlement struct {
	Period        uint64
	Entries       []model.LedgerEntry // sorted by node id
	Root          merkle.Digest
	Tree          *merkle.Tree
	TotalCapacity amount.Capacity
	RewardPerUnit amount.Amount
	TotalBase     amount.Amount
	TotalBounty   amount.Amount
	BountyCapped  bool
}

// ComputePeriodRewards runs eligibility, dampening, allocation and bounty
// aggregation, then commits the totals. Identical input yields byte-identical
// entries and root. Entries carry no timestamps or settlement reference; the
// caller stamps those when persisting.
func ComputePeriodRewards(period uint64, s Snapshot) (Settlement, error) {
	p := s.Params
	if err := p.Validate(); err != nil {
		return Settlement{}, err
	}
	seen := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if _, dup := seen[n.ID]; dup {
			return Settlement{}, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	eligible := Eligible(s.Nodes, s.Telemetry, p)
	weighted, err := Dampen(eligible, p)
	if err != nil {
		return Settlement{}, err
	}
	alloc, err := Allocate(weighted, p.PoolSize)
	if err != nil {
		return Settlement{}, fmt.Errorf("allocate: %w", err)
	}
	bounties, err := AggregateBounties(eligible, s.Wallets, s.Awards, period)
	if err != nil {
		return Settlement{}, fmt.Errorf("aggregate bounties: %w", err)
	}
	bounties, capped, err := CapBounties(bounties, p.PoolSize, p.MaxPeriodSpend)
	if err != nil {
		return Settlement{}, fmt.Errorf("cap bounties: %w", err)
	}

	out := Settlement{
		Period:        period,
		Entries:       make([]model.LedgerEntry, 0, len(weighted)),
		TotalCapacity: alloc.TotalCapacity,
		RewardPerUnit: alloc.RewardPerUnit,
		BountyCapped:  capped,
	}
	leaves := make([]merkle.Leaf, 0, len(weighted))
	for _, w := range weighted {
		base := alloc.Base[w.Node.ID]
		bounty := bounties[w.Node.ID]
		total, err := amount.Add(base, bounty)
		if err != nil {
			return Settlement{}, fmt.Errorf("total for %s: %w", w.Node.ID, err)
		}
		out.Entries = append(out.Entries, model.LedgerEntry{
			Period:       period,
			NodeID:       w.Node.ID,
			OwnerID:      w.Node.OwnerID,
			Tier:         w.Node.Tier,
			Capacity:     w.Capacity,
			BaseReward:   base,
			BountyReward: bounty,
			TotalReward:  total,
		})
		leaves = append(leaves, merkle.Leaf{NodeID: w.Node.ID, TotalReward: total})
		if out.TotalBase, err = amount.Add(out.TotalBase, base); err != nil {
			return Settlement{}, err
		}
		if out.TotalBounty, err = amount.Add(out.TotalBounty, bounty); err != nil {
			return Settlement{}, err
		}
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].NodeID < out.Entries[j].NodeID })

	tree, err := merkle.Build(leaves)
	if err != nil {
		return Settlement{}, err
	}
	out.Tree = tree
	out.Root = tree.Root()

	logger.Logger.Debug("period computed",
		zap.Uint64("period", period),
		zap.Int("nodes", len(s.Nodes)),
		zap.Int("eligible", len(eligible)),
		zap.Stringer("totalCapacity", out.TotalCapacity),
		zap.Stringer("totalBase", out.TotalBase),
		zap.Stringer("totalBounty", out.TotalBounty),
		zap.Bool("bountyCapped", capped),
		zap.String("root", out.Root.Hex()),
	)
	return out, nil
}

// TreeFromEntries rebuilds the commitment tree from persisted ledger rows.
func TreeFromEntries(entries []model.LedgerEntry) (*merkle.Tree, error) {
	leaves := make([]merkle.Leaf, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.Leaf{NodeID: e.NodeID, TotalReward: e.TotalReward}
	}
	return merkle.Build(leaves)
}

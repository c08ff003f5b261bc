package emission

import (
	"fmt"
	"sort"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/model"
)

// Weighted is a node with its effective capacity and dampener position
// (0 for tiers that are not dampened).
type Weighted struct {
	Node       model.Node
	Position   int
	Multiplier amount.PPM
	Capacity   amount.Capacity
}

// Dampen computes the effective capacity of every node. Within a dampened
// tier, nodes sharing an owner are ordered by (CreatedAt, ID) and the
// dampener table is applied by ordinal position. Other tiers are flat
// weighted. Nodes of a tier with no configured weight get zero capacity.
// The result follows the input order and depends only on its arguments.
func Dampen(nodes []model.Node, p model.GovernanceParams) ([]Weighted, error) {
	positions := ownerPositions(nodes, p)
	out := make([]Weighted, len(nodes))
	for i, n := range nodes {
		w := Weighted{Node: n, Multiplier: amount.One}
		if pos, ok := positions[n.ID]; ok {
			w.Position = pos
			w.Multiplier = p.Multiplier(pos)
		}
		c, err := p.TierWeights[n.Tier].Apply(w.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("capacity for %s: %w", n.ID, err)
		}
		w.Capacity = c
		out[i] = w
	}
	return out, nil
}

// EffectiveCapacities is Dampen keyed by node id.
func EffectiveCapacities(nodes []model.Node, p model.GovernanceParams) (map[string]amount.Capacity, error) {
	weighted, err := Dampen(nodes, p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]amount.Capacity, len(weighted))
	for _, w := range weighted {
		out[w.Node.ID] = w.Capacity
	}
	return out, nil
}

// OwnerCapacities sums effective capacity per owner identity.
func OwnerCapacities(nodes []model.Node, p model.GovernanceParams) (map[string]amount.Capacity, error) {
	weighted, err := Dampen(nodes, p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]amount.Capacity)
	for _, w := range weighted {
		sum := out[w.Node.OwnerID] + w.Capacity
		if sum < w.Capacity {
			return nil, amount.ErrOverflow
		}
		out[w.Node.OwnerID] = sum
	}
	return out, nil
}

// ownerPositions assigns 1-based ordinal positions to dampened-tier nodes,
// per (tier, owner) group.
func ownerPositions(nodes []model.Node, p model.GovernanceParams) map[string]int {
	type groupKey struct {
		tier  model.Tier
		owner string
	}
	groups := make(map[groupKey][]model.Node)
	for _, n := range nodes {
		if !p.IsDampened(n.Tier) {
			continue
		}
		k := groupKey{tier: n.Tier, owner: n.OwnerID}
		groups[k] = append(groups[k], n)
	}
	positions := make(map[string]int)
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool {
			if !g[i].CreatedAt.Equal(g[j].CreatedAt) {
				return g[i].CreatedAt.Before(g[j].CreatedAt)
			}
			return g[i].ID < g[j].ID
		})
		for i, n := range g {
			positions[n.ID] = i + 1
		}
	}
	return positions
}

package emission

import (
	"sort"

	"node-emissions/pkg/amount"
)

// Allocation is the split of the pool over effective capacity.
type Allocation struct {
	TotalCapacity amount.Capacity
	// RewardPerUnit is pool / total capacity in micro-units per whole
	// capacity unit, truncated. Informational; shares use exact division.
	RewardPerUnit amount.Amount
	Base          map[string]amount.Amount
}

// Allocate distributes pool proportionally to capacity. Each share is
// floor(capacity*pool/total); the undistributed remainder, fewer micro-units
// than there are nodes, goes one micro-unit at a time to the largest
// division remainders (ties by node id). The shares therefore sum to the
// pool exactly. Zero total capacity yields all-zero shares, not an error.
func Allocate(weighted []Weighted, pool amount.Amount) (Allocation, error) {
	a := Allocation{Base: make(map[string]amount.Amount, len(weighted))}
	var total uint64
	for _, w := range weighted {
		next := total + uint64(w.Capacity)
		if next < total {
			return Allocation{}, amount.ErrOverflow
		}
		total = next
	}
	a.TotalCapacity = amount.Capacity(total)
	if total == 0 {
		for _, w := range weighted {
			a.Base[w.Node.ID] = 0
		}
		return a, nil
	}

	perUnit, _, err := amount.Muldiv(uint64(pool), amount.Scale, total)
	if err != nil {
		return Allocation{}, err
	}
	a.RewardPerUnit = amount.Amount(perUnit)

	type share struct {
		id  string
		rem uint64
	}
	shares := make([]share, 0, len(weighted))
	var distributed uint64
	for _, w := range weighted {
		q, rem, err := amount.Muldiv(uint64(w.Capacity), uint64(pool), total)
		if err != nil {
			return Allocation{}, err
		}
		a.Base[w.Node.ID] = amount.Amount(q)
		distributed += q
		shares = append(shares, share{id: w.Node.ID, rem: rem})
	}

	leftover := uint64(pool) - distributed
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].rem != shares[j].rem {
			return shares[i].rem > shares[j].rem
		}
		return shares[i].id < shares[j].id
	})
	for i := uint64(0); i < leftover; i++ {
		a.Base[shares[i].id]++
	}
	return a, nil
}

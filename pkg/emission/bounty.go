package emission

import (
	"node-emissions/pkg/amount"
	"node-emissions/pkg/model"
)

// BountyTotals sums the period's awards per recipient wallet.
func BountyTotals(awards []model.BountyAward, period uint64) (map[string]amount.Amount, error) {
	out := make(map[string]amount.Amount)
	for _, a := range awards {
		if a.Period != period || a.Wallet == "" {
			continue
		}
		sum, err := amount.Add(out[a.Wallet], a.Amount)
		if err != nil {
			return nil, err
		}
		out[a.Wallet] = sum
	}
	return out, nil
}

// AggregateBounties returns the bounty reward of each eligible node: the sum
// of the period's awards paid to its owner's wallet. Owners without a wallet
// earn no bounty. Only nodes passed in (the eligible set) are considered.
func AggregateBounties(eligible []model.Node, wallets map[string]string, awards []model.BountyAward, period uint64) (map[string]amount.Amount, error) {
	totals, err := BountyTotals(awards, period)
	if err != nil {
		return nil, err
	}
	out := make(map[string]amount.Amount, len(eligible))
	for _, n := range eligible {
		w, ok := wallets[n.OwnerID]
		if !ok || w == "" {
			out[n.ID] = 0
			continue
		}
		out[n.ID] = totals[w]
	}
	return out, nil
}

// CapBounties scales bounty rewards down pro-rata so pool + bounties stays
// within maxSpend. Base rewards are never touched. maxSpend == 0 disables the
// cap. Scaled values are truncated, so the capped total may fall a few
// micro-units short of the room available.
func CapBounties(bounties map[string]amount.Amount, pool, maxSpend amount.Amount) (map[string]amount.Amount, bool, error) {
	if maxSpend == 0 {
		return bounties, false, nil
	}
	var total amount.Amount
	for _, b := range bounties {
		var err error
		if total, err = amount.Add(total, b); err != nil {
			return nil, false, err
		}
	}
	spend, err := amount.Add(pool, total)
	if err != nil {
		return nil, false, err
	}
	if spend <= maxSpend {
		return bounties, false, nil
	}
	var room amount.Amount
	if maxSpend > pool {
		room = maxSpend - pool
	}
	out := make(map[string]amount.Amount, len(bounties))
	for id, b := range bounties {
		q, _, err := amount.Muldiv(uint64(b), uint64(room), uint64(total))
		if err != nil {
			return nil, false, err
		}
		out[id] = amount.Amount(q)
	}
	return out, true, nil
}

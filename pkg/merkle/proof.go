package merkle

import (
	"fmt"

	"node-emissions/pkg/amount"
)

// Proof is an inclusion proof for one leaf. Siblings run from the leaf level
// upward; levels where the node was promoted contribute nothing.
type Proof struct {
	NodeID      string
	TotalReward amount.Amount
	Siblings    []Digest
}

// Prove returns the inclusion proof for nodeID, or ErrNotFound.
func (t *Tree) Prove(nodeID string) (Proof, error) {
	pos, ok := t.index[nodeID]
	if !ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	p := Proof{NodeID: nodeID, TotalReward: t.leaves[pos].TotalReward}
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := pos ^ 1
		if sib < len(level) {
			p.Siblings = append(p.Siblings, level[sib])
		}
		pos /= 2
	}
	return p, nil
}

// Fold recomputes the root implied by a leaf and its siblings.
func Fold(nodeID string, reward amount.Amount, siblings []Digest) Digest {
	h := LeafHash(nodeID, reward)
	for _, s := range siblings {
		h = HashPair(h, s)
	}
	return h
}

// Verify checks that (nodeID, reward) is committed under root.
func Verify(root Digest, nodeID string, reward amount.Amount, siblings []Digest) bool {
	return Fold(nodeID, reward, siblings) == root
}

// HexSiblings encodes siblings for transport.
func HexSiblings(s []Digest) []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = d.Hex()
	}
	return out
}

// ParseSiblings decodes hex siblings.
func ParseSiblings(in []string) ([]Digest, error) {
	out := make([]Digest, len(in))
	for i, s := range in {
		d, err := ParseDigest(s)
		if err != nil {
			return nil, fmt.Errorf("sibling %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

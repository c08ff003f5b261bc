package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"node-emissions/pkg/amount"
)

func makeLeaves(n int) []Leaf {
	out := make([]Leaf, n)
	for i := range out {
		out[i] = Leaf{NodeID: fmt.Sprintf("node-%03d", i), TotalReward: amount.Amount(1_000_000 + i*7)}
	}
	return out
}

func TestEmptyTree(t *testing.T) {
	tree, err := Build(nil)
	require.NoError(t, err)
	require.True(t, tree.Root().IsZero())
	require.Equal(t, 0, tree.Len())
	_, err = tree.Prove("anything")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	tree, err := Build([]Leaf{{NodeID: "a", TotalReward: 5}})
	require.NoError(t, err)
	require.Equal(t, LeafHash("a", 5), tree.Root())
	p, err := tree.Prove("a")
	require.NoError(t, err)
	require.Empty(t, p.Siblings)
	require.True(t, Verify(tree.Root(), "a", 5, p.Siblings))
}

func TestHashPairIsSymmetric(t *testing.T) {
	a, b := LeafHash("a", 1), LeafHash("b", 2)
	require.Equal(t, HashPair(a, b), HashPair(b, a))
	require.NotEqual(t, HashPair(a, b), HashPair(a, a))
}

func TestOddLevelPromotesLastNode(t *testing.T) {
	leaves := makeLeaves(3)
	tree, err := Build(leaves)
	require.NoError(t, err)
	h0 := LeafHash(leaves[0].NodeID, leaves[0].TotalReward)
	h1 := LeafHash(leaves[1].NodeID, leaves[1].TotalReward)
	h2 := LeafHash(leaves[2].NodeID, leaves[2].TotalReward)
	require.Equal(t, HashPair(HashPair(h0, h1), h2), tree.Root())

	p, err := tree.Prove(leaves[2].NodeID)
	require.NoError(t, err)
	require.Len(t, p.Siblings, 1)
}

func TestProofSoundnessAndCompleteness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9, 16, 33, 100} {
		leaves := makeLeaves(n)
		tree, err := Build(leaves)
		require.NoError(t, err)
		root := tree.Root()
		for _, l := range leaves {
			p, err := tree.Prove(l.NodeID)
			require.NoError(t, err, "n=%d id=%s", n, l.NodeID)
			require.Equal(t, l.TotalReward, p.TotalReward)
			require.True(t, Verify(root, l.NodeID, l.TotalReward, p.Siblings), "n=%d id=%s", n, l.NodeID)
			require.False(t, Verify(root, l.NodeID, l.TotalReward+1, p.Siblings))
			require.False(t, Verify(root, l.NodeID+"x", l.TotalReward, p.Siblings))
		}
		_, err = tree.Prove("missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestRootIndependentOfInputOrder(t *testing.T) {
	leaves := makeLeaves(11)
	a, err := Build(leaves)
	require.NoError(t, err)

	reversed := make([]Leaf, len(leaves))
	for i, l := range leaves {
		reversed[len(leaves)-1-i] = l
	}
	b, err := Build(reversed)
	require.NoError(t, err)
	require.Equal(t, a.Root(), b.Root())
	require.Equal(t, leaves[0].NodeID, reversed[len(reversed)-1].NodeID, "input must not be reordered")
}

func TestDuplicateLeafRejected(t *testing.T) {
	_, err := Build([]Leaf{{NodeID: "a", TotalReward: 1}, {NodeID: "a", TotalReward: 2}})
	require.ErrorIs(t, err, ErrDuplicateLeaf)
}

func TestDigestHexRoundTrip(t *testing.T) {
	d := LeafHash("node", 42)
	parsed, err := ParseDigest(d.Hex())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	require.Error(t, err)

	sibs, err := ParseSiblings(HexSiblings([]Digest{d, parsed}))
	require.NoError(t, err)
	require.Len(t, sibs, 2)
}

// An inner node's 64-byte preimage split into (id, reward) must not pass as
// a leaf one level up.
func TestInnerNodeCannotPassAsLeaf(t *testing.T) {
	leaves := []Leaf{{"a", 1}, {"b", 2}, {"c", 3}, {"d", 4}}
	tree, err := Build(leaves)
	require.NoError(t, err)

	la, lb := LeafHash("a", 1), LeafHash("b", 2)
	if bytes.Compare(la[:], lb[:]) > 0 {
		la, lb = lb, la
	}
	preimage := append(append([]byte{}, la[:]...), lb[:]...)
	cd := HashPair(LeafHash("c", 3), LeafHash("d", 4))

	id := string(preimage[:56])
	reward := amount.Amount(binary.BigEndian.Uint64(preimage[56:]))
	require.False(t, Verify(tree.Root(), id, reward, []Digest{cd}))
	require.NotEqual(t, HashPair(la, lb), LeafHash(id, reward))

	p, err := tree.Prove("a")
	require.NoError(t, err)
	require.True(t, Verify(tree.Root(), "a", 1, p.Siblings))
}

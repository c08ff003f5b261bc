// Package merkle builds the per-period reward commitment.
//
// Leaves are H(0x00 || nodeID || uint64be(totalReward)) with H = BLAKE2b-256,
// kept in node id order. Inner nodes are H(0x01 || lo || hi) over the two
// children sorted byte-wise, so an inner preimage can never be read as a
// leaf. Proofs are just the sibling list and need no left/right flags. When
// a level has an odd number of nodes the last one is promoted unchanged. An
// empty tree commits to the zero digest.
package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"node-emissions/pkg/amount"
)

// Hash domain prefixes.
const (
	leafPrefix byte = 0x00
	pairPrefix byte = 0x01
)

var (
	ErrNotFound      = errors.New("node not in commitment")
	ErrDuplicateLeaf = errors.New("duplicate node id in commitment")
)

// Digest is a 256-bit hash.
type Digest [blake2b.Size256]byte

// Hex returns the lower-case hex encoding.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Leaf is one (node, reward) pair committed to by the tree.
type Leaf struct {
	NodeID      string
	TotalReward amount.Amount
}

// LeafHash is the canonical leaf encoding.
func LeafHash(nodeID string, reward amount.Amount) Digest {
	buf := make([]byte, 0, 1+len(nodeID)+8)
	buf = append(buf, leafPrefix)
	buf = append(buf, nodeID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(reward))
	return blake2b.Sum256(buf)
}

// HashPair combines two children in sorted order so HashPair(a,b) == HashPair(b,a).
func HashPair(a, b Digest) Digest {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var buf [1 + 2*blake2b.Size256]byte
	buf[0] = pairPrefix
	copy(buf[1:1+blake2b.Size256], a[:])
	copy(buf[1+blake2b.Size256:], b[:])
	return blake2b.Sum256(buf[:])
}

// Tree holds every level; level 0 is the leaves.
type Tree struct {
	levels [][]Digest
	index  map[string]int
	leaves []Leaf
}

// Build sorts leaves by node id and constructs the tree. The caller's slice is
// not modified.
func Build(leaves []Leaf) (*Tree, error) {
	sorted := append([]Leaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	t := &Tree{index: make(map[string]int, len(sorted)), leaves: sorted}
	level := make([]Digest, len(sorted))
	for i, l := range sorted {
		if _, dup := t.index[l.NodeID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLeaf, l.NodeID)
		}
		t.index[l.NodeID] = i
		level[i] = LeafHash(l.NodeID, l.TotalReward)
	}
	if len(level) == 0 {
		return t, nil
	}
	t.levels = [][]Digest{level}
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

func nextLevel(in []Digest) []Digest {
	out := make([]Digest, 0, (len(in)+1)/2)
	for i := 0; i < len(in); i += 2 {
		if i+1 == len(in) {
			out = append(out, in[i])
			continue
		}
		out = append(out, HashPair(in[i], in[i+1]))
	}
	return out
}

// Root returns the commitment; the zero digest for an empty tree.
func (t *Tree) Root() Digest {
	if len(t.levels) == 0 {
		return Digest{}
	}
	return t.levels[len(t.levels)-1][0]
}

// Len is the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Leaves returns the leaves in canonical order.
func (t *Tree) Leaves() []Leaf { return append([]Leaf(nil), t.leaves...) }

// tree.go - Append-only commitment accumulator.
//
// The tree keeps only its rightmost path (the frontier) and the empty-subtree
// hashes, so each insertion costs O(depth) time and the record has a fixed
// size regardless of how many commitments were appended.
package merkle

import (
	"fmt"

	"shieldpool/internal/fault"
)

const (
	// DefaultDepth supports 2^32 commitments.
	DefaultDepth = 32
	// MaxDepth bounds configurable depths.
	MaxDepth = 32
	// RecentCapacity is the number of leaves kept for witness reconstruction.
	RecentCapacity = 128
)

// Leaf is an entry of the recent-leaf cache.
type Leaf struct {
	Commitment       Node
	AmountCommitment Node
	Index            uint64
}

// Tree is an incremental Merkle tree over 32-byte commitments.
// It is not safe for concurrent use; callers serialize access.
type Tree struct {
	depth     int
	hasher    Hasher
	nextIndex uint64
	frontier  []Node
	zeros     []Node
	root      Node
	recent    []Leaf
}

// New returns an empty tree of the given depth.
func New(depth int, hasher Hasher) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: tree depth %d", fault.ErrInvalidConfiguration, depth)
	}
	if hasher == nil {
		hasher = Sha256Hasher{}
	}
	zeros := ZeroHashes(hasher, depth)
	return &Tree{
		depth:    depth,
		hasher:   hasher,
		frontier: make([]Node, depth),
		zeros:    zeros[:depth],
		root:     zeros[depth],
	}, nil
}

// ZeroHashes returns the empty-subtree hash of every level 0..depth.
// Level 0 is the empty leaf.
func ZeroHashes(hasher Hasher, depth int) []Node {
	zeros := make([]Node, depth+1)
	for l := 1; l <= depth; l++ {
		zeros[l] = hasher.HashPair(zeros[l-1], zeros[l-1])
	}
	return zeros
}

func (t *Tree) Depth() int          { return t.depth }
func (t *Tree) Hasher() Hasher      { return t.hasher }
func (t *Tree) NextIndex() uint64   { return t.nextIndex }
func (t *Tree) Root() Node          { return t.root }
func (t *Tree) Capacity() uint64    { return uint64(1) << uint(t.depth) }
func (t *Tree) Full() bool          { return t.nextIndex >= t.Capacity() }
func (t *Tree) Frontier() []Node    { return append([]Node(nil), t.frontier...) }
func (t *Tree) Recent() []Leaf      { return append([]Leaf(nil), t.recent...) }
func (t *Tree) ZeroHash(l int) Node { return t.zeros[l] }

// Insert appends a commitment and returns its index and the new root.
//
// frontier[l] holds the most recent left node at level l. A node whose index
// bit l is 0 is stored there and paired with the empty subtree; a node whose
// bit is 1 is paired with the stored left sibling.
func (t *Tree) Insert(commitment, amountCommitment Node) (uint64, Node, error) {
	if t.Full() {
		return 0, Node{}, fault.ErrTreeFull
	}
	if v, ok := t.hasher.(LeafValidator); ok {
		if err := v.ValidateLeaf(commitment); err != nil {
			return 0, Node{}, err
		}
	}

	index := t.nextIndex
	current := commitment
	idx := index
	for l := 0; l < t.depth; l++ {
		if idx&1 == 0 {
			t.frontier[l] = current
			current = t.hasher.HashPair(current, t.zeros[l])
		} else {
			current = t.hasher.HashPair(t.frontier[l], current)
		}
		idx >>= 1
	}
	t.root = current
	t.nextIndex++

	t.recent = append(t.recent, Leaf{Commitment: commitment, AmountCommitment: amountCommitment, Index: index})
	if len(t.recent) > RecentCapacity {
		t.recent = append(t.recent[:0:0], t.recent[len(t.recent)-RecentCapacity:]...)
	}
	return index, t.root, nil
}

// Clone returns an independent copy used for staged updates.
func (t *Tree) Clone() *Tree {
	c := *t
	c.frontier = append([]Node(nil), t.frontier...)
	c.recent = append([]Leaf(nil), t.recent...)
	return &c
}

// ComputeRoot builds the root of a full tree over leaves, level by level.
func ComputeRoot(hasher Hasher, depth int, leaves []Node) Node {
	zeros := ZeroHashes(hasher, depth)
	layer := append([]Node(nil), leaves...)
	for l := 0; l < depth; l++ {
		if len(layer)%2 == 1 {
			layer = append(layer, zeros[l])
		}
		next := make([]Node, len(layer)/2)
		for i := range next {
			next[i] = hasher.HashPair(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	if len(layer) == 0 {
		return zeros[depth]
	}
	return layer[0]
}

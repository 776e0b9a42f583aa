// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package accumulator implements the Merkle-mountain-range-style
// transaction/event accumulator assumed as a library primitive by the
// ledger storage spec. It is rebuilt here (rather than imported) from
// the observed contract of the teacher's merkle package
// (Tree/TreeOptions/Node/Position/UpdateResult/Store, see
// merkle/tree_test.go), generalized from a branch-factor-N tree over
// leaf positions to an append-only accumulator over leaf hashes, keyed
// by (level, index) in a conceptually infinite complete binary tree.
package accumulator

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte accumulator node hash.
type Hash [32]byte

// PlaceholderHash is the root of an empty accumulator.
var PlaceholderHash = Hash{}

// Position addresses one node in the conceptually infinite complete
// binary tree backing the accumulator: level 0 is leaves, each
// subsequent level halves the index space. Every position ever stored
// by Append covers a power-of-two-aligned, power-of-two-sized range of
// leaves — this is what lets proof construction recompute the hash of
// any leaf range purely from stored nodes (see rangeRoot).
type Position struct {
	Level uint8
	Index uint64
}

// Node is one (position, hash) pair, the unit the Store persists.
type Node struct {
	Position Position
	Hash     Hash
}

// Store persists accumulator nodes. A real store is column-family
// backed (see ledgerstore/eventstore); tests may use an in-memory map.
type Store interface {
	GetNode(pos Position) (Hash, bool, error)
	PutNodes(nodes []Node) error
}

// MapStore is an in-memory Store, used by tests and as the model for
// the real column-family-backed stores.
type MapStore struct {
	nodes map[Position]Hash
}

func NewMapStore() *MapStore { return &MapStore{nodes: make(map[Position]Hash)} }

func (s *MapStore) GetNode(pos Position) (Hash, bool, error) {
	h, ok := s.nodes[pos]
	return h, ok, nil
}

func (s *MapStore) PutNodes(nodes []Node) error {
	for _, n := range nodes {
		s.nodes[n.Position] = n.Hash
	}
	return nil
}

func hashInternal(left, right Hash) Hash {
	h := sha3.New256()
	h.Write([]byte{0x01}) // internal-node domain tag, distinct from leaves
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashLeaf domain-tags a leaf payload hash before it enters the
// accumulator, so a leaf hash can never collide with an internal node
// hash of the same bytes.
func HashLeaf(payload []byte) Hash {
	h := sha3.New256()
	h.Write([]byte{0x00})
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func bitLen(n uint64) int {
	l := 0
	for n > 0 {
		l++
		n >>= 1
	}
	return l
}

// largestPowerOfTwoLessThan returns the largest k = 2^i with k < n.
// Requires n >= 2.
func largestPowerOfTwoLessThan(n uint64) uint64 {
	k := uint64(1)
	for k*2 < n {
		k *= 2
	}
	return k
}

func log2(n uint64) uint8 {
	var l uint8
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// Accumulator is an append-only Merkle accumulator over leaf hashes.
type Accumulator struct {
	store     Store
	leafCount uint64
}

// New wraps store, already containing leafCount leaves' worth of
// frozen nodes (0 for a fresh accumulator).
func New(store Store, leafCount uint64) *Accumulator {
	return &Accumulator{store: store, leafCount: leafCount}
}

// LeafCount is the number of leaves appended so far.
func (a *Accumulator) LeafCount() uint64 { return a.leafCount }

// Append adds newLeaves (already domain-hashed via HashLeaf) to the
// accumulator and returns the resulting root.
func (a *Accumulator) Append(newLeaves []Hash) (Hash, error) {
	var pending []Node
	for _, leaf := range newLeaves {
		idx := a.leafCount
		pending = append(pending, Node{Position: Position{Level: 0, Index: idx}, Hash: leaf})
		cur := leaf
		level := uint8(0)
		for idx%2 == 1 {
			siblingIdx := idx - 1
			siblingHash, ok, err := a.nodeFromPendingOrStore(pending, Position{Level: level, Index: siblingIdx})
			if err != nil {
				return Hash{}, err
			}
			if !ok {
				return Hash{}, fmt.Errorf("accumulator: missing sibling at level %d index %d", level, siblingIdx)
			}
			parent := hashInternal(siblingHash, cur)
			level++
			idx /= 2
			pending = append(pending, Node{Position: Position{Level: level, Index: idx}, Hash: parent})
			cur = parent
		}
		a.leafCount++
	}
	if err := a.store.PutNodes(pending); err != nil {
		return Hash{}, err
	}
	peaks, err := peaksWith(a.leafCount, func(pos Position) (Hash, bool, error) {
		return a.nodeFromPendingOrStore(pending, pos)
	})
	if err != nil {
		return Hash{}, err
	}
	return foldPeaks(peaks), nil
}

func (a *Accumulator) nodeFromPendingOrStore(pending []Node, pos Position) (Hash, bool, error) {
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].Position == pos {
			return pending[i].Hash, true, nil
		}
	}
	return a.store.GetNode(pos)
}

// peaksAt returns the frozen subtree roots covering [0, leafCount),
// ordered from the most-significant (tallest, leftmost) bit of
// leafCount to the least-significant, together with their positions.
func (a *Accumulator) peaksAt(leafCount uint64) ([]Node, error) {
	return peaksWith(leafCount, a.store.GetNode)
}

func peaksWith(leafCount uint64, getNode func(Position) (Hash, bool, error)) ([]Node, error) {
	if leafCount == 0 {
		return nil, nil
	}
	var out []Node
	covered := uint64(0)
	for level := bitLen(leafCount) - 1; level >= 0; level-- {
		size := uint64(1) << uint(level)
		if leafCount&size != 0 {
			index := covered / size
			pos := Position{Level: uint8(level), Index: index}
			h, ok, err := getNode(pos)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("accumulator: missing peak at level %d index %d", level, index)
			}
			out = append(out, Node{Position: pos, Hash: h})
			covered += size
		}
	}
	return out, nil
}

// Root folds the current peaks into the single accumulator root.
func (a *Accumulator) Root() (Hash, error) {
	return a.rootAt(a.leafCount)
}

// RootAt folds the peaks of the accumulator as it stood after
// leafCount leaves (leafCount <= a.LeafCount()), letting callers
// recompute a historical ledger root without rewinding the store.
func (a *Accumulator) RootAt(leafCount uint64) (Hash, error) {
	if leafCount > a.leafCount {
		return Hash{}, fmt.Errorf("accumulator: leafCount %d exceeds current %d", leafCount, a.leafCount)
	}
	return a.rootAt(leafCount)
}

func (a *Accumulator) rootAt(leafCount uint64) (Hash, error) {
	peaks, err := a.peaksAt(leafCount)
	if err != nil {
		return Hash{}, err
	}
	return foldPeaks(peaks), nil
}

func foldPeaks(peaks []Node) Hash {
	if len(peaks) == 0 {
		return PlaceholderHash
	}
	acc := peaks[len(peaks)-1].Hash
	for i := len(peaks) - 2; i >= 0; i-- {
		acc = hashInternal(peaks[i].Hash, acc)
	}
	return acc
}

// rangeRoot computes MTH(D[a:b)), the Merkle tree hash of the leaf
// range [a, b), for ANY a < b <= leafCount — not just power-of-two
// aligned ranges. It is defined recursively exactly as the reference
// Merkle-tree-hash function (split at the largest power of two less
// than the range size); every power-of-two-aligned piece this
// recursion touches was already frozen by Append, so no extra storage
// is required beyond what Append already maintains.
func (a *Accumulator) rangeRoot(start, end uint64) (Hash, error) {
	n := end - start
	if n == 0 {
		return PlaceholderHash, nil
	}
	if n == 1 {
		h, ok, err := a.store.GetNode(Position{Level: 0, Index: start})
		if err != nil {
			return Hash{}, err
		}
		if !ok {
			return Hash{}, fmt.Errorf("accumulator: missing leaf at index %d", start)
		}
		return h, nil
	}
	// fast path: if [start, end) is itself a stored, power-of-two
	// aligned frozen node, use it directly.
	if n&(n-1) == 0 && start%n == 0 {
		pos := Position{Level: log2(n), Index: start / n}
		if h, ok, err := a.store.GetNode(pos); err != nil {
			return Hash{}, err
		} else if ok {
			return h, nil
		}
	}
	k := largestPowerOfTwoLessThan(n)
	left, err := a.rangeRoot(start, start+k)
	if err != nil {
		return Hash{}, err
	}
	right, err := a.rangeRoot(start+k, end)
	if err != nil {
		return Hash{}, err
	}
	return hashInternal(left, right), nil
}

// sibling is one element of an inclusion/consistency climb: the
// hash to combine with the running accumulator, and whether it sits
// to the right (true) or left (false) of the running value.
type sibling struct {
	Hash  Hash
	Right bool
}

// pathSiblings returns, bottom-up, the siblings needed to climb from
// leaf index m to the root of the range [offset, offset+n).
func (a *Accumulator) pathSiblings(m, offset, n uint64) ([]sibling, error) {
	if n == 1 {
		return nil, nil
	}
	k := largestPowerOfTwoLessThan(n)
	if m < k {
		rest, err := a.pathSiblings(m, offset, k)
		if err != nil {
			return nil, err
		}
		h, err := a.rangeRoot(offset+k, offset+n)
		if err != nil {
			return nil, err
		}
		return append(rest, sibling{Hash: h, Right: true}), nil
	}
	rest, err := a.pathSiblings(m-k, offset+k, n-k)
	if err != nil {
		return nil, err
	}
	h, err := a.rangeRoot(offset, offset+k)
	if err != nil {
		return nil, err
	}
	return append(rest, sibling{Hash: h, Right: false}), nil
}

// InclusionProof authenticates that a leaf at LeafIndex is part of an
// accumulator of LeafCount leaves with a given root.
type InclusionProof struct {
	LeafIndex uint64
	LeafCount uint64
	Siblings  []sibling
}

// Prove builds an InclusionProof for the leaf at index, valid against
// the accumulator's current root.
func (a *Accumulator) Prove(index uint64) (InclusionProof, error) {
	return a.ProveUpTo(index, a.leafCount)
}

// ProveUpTo builds an InclusionProof for the leaf at index, valid
// against the root the accumulator had after upToLeafCount leaves
// (upToLeafCount <= a.LeafCount()) — used to prove inclusion as of an
// older, already-superseded ledger version.
func (a *Accumulator) ProveUpTo(index, upToLeafCount uint64) (InclusionProof, error) {
	if upToLeafCount > a.leafCount {
		return InclusionProof{}, fmt.Errorf("accumulator: upToLeafCount %d exceeds current %d", upToLeafCount, a.leafCount)
	}
	if index >= upToLeafCount {
		return InclusionProof{}, fmt.Errorf("accumulator: index %d out of range (leafCount %d)", index, upToLeafCount)
	}
	sibs, err := a.pathSiblings(index, 0, upToLeafCount)
	if err != nil {
		return InclusionProof{}, err
	}
	return InclusionProof{LeafIndex: index, LeafCount: upToLeafCount, Siblings: sibs}, nil
}

// Verify checks proof authenticates leafHash against root.
func Verify(root Hash, leafHash Hash, proof InclusionProof) error {
	cur := fold(leafHash, proof.Siblings)
	if cur != root {
		return errors.New("accumulator: proof does not authenticate against root")
	}
	return nil
}

func fold(start Hash, sibs []sibling) Hash {
	cur := start
	for _, s := range sibs {
		if s.Right {
			cur = hashInternal(cur, s.Hash)
		} else {
			cur = hashInternal(s.Hash, cur)
		}
	}
	return cur
}

// ConsistencyProof authenticates that the accumulator at OldLeafCount
// leaves is a prefix of the accumulator at NewLeafCount leaves: every
// old peak is shown, by its own climb, to fold into the new root.
type ConsistencyProof struct {
	OldLeafCount uint64
	NewLeafCount uint64
	OldPeaks     []Hash      // the old accumulator's peaks, in order
	Climbs       [][]sibling // one climb per old peak, into the new tree
}

// ProveConsistency builds a ConsistencyProof from oldCount to the
// accumulator's current leaf count.
func (a *Accumulator) ProveConsistency(oldCount uint64) (ConsistencyProof, error) {
	if oldCount > a.leafCount {
		return ConsistencyProof{}, fmt.Errorf("accumulator: oldCount %d exceeds leafCount %d", oldCount, a.leafCount)
	}
	oldPeakNodes, err := a.peaksAt(oldCount)
	if err != nil {
		return ConsistencyProof{}, err
	}
	proof := ConsistencyProof{OldLeafCount: oldCount, NewLeafCount: a.leafCount}
	for _, peak := range oldPeakNodes {
		proof.OldPeaks = append(proof.OldPeaks, peak.Hash)
		size := uint64(1) << peak.Position.Level
		leafStart := peak.Position.Index * size
		climb, err := a.pathSiblings(leafStart, 0, a.leafCount)
		if err != nil {
			return ConsistencyProof{}, err
		}
		// pathSiblings climbs from a single LEAF; an old peak may cover
		// more than one leaf, so drop the bottom len(climb)-levelsAbove
		// siblings that climb *within* the peak's own subtree (the peak
		// hash already accounts for them) and keep only the siblings
		// needed above the peak's level.
		above := climb
		if peak.Position.Level > 0 {
			above = climb[peak.Position.Level:]
		}
		proof.Climbs = append(proof.Climbs, above)
	}
	return proof, nil
}

// VerifyConsistency checks that oldRoot is consistent with newRoot
// according to proof.
func VerifyConsistency(oldRoot, newRoot Hash, proof ConsistencyProof) error {
	if len(proof.OldPeaks) != len(proof.Climbs) {
		return errors.New("accumulator: malformed consistency proof")
	}
	if foldPeaksHashes(proof.OldPeaks) != oldRoot {
		return errors.New("accumulator: old peaks do not fold to old root")
	}
	for i, peak := range proof.OldPeaks {
		if fold(peak, proof.Climbs[i]) != newRoot {
			return fmt.Errorf("accumulator: old peak %d does not climb to new root", i)
		}
	}
	return nil
}

func foldPeaksHashes(peaks []Hash) Hash {
	if len(peaks) == 0 {
		return PlaceholderHash
	}
	acc := peaks[len(peaks)-1]
	for i := len(peaks) - 2; i >= 0; i-- {
		acc = hashInternal(peaks[i], acc)
	}
	return acc
}

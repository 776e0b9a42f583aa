// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package accumulator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leafHashes(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		out[i] = HashLeaf([]byte{byte(i), byte(i >> 8)})
	}
	return out
}

func TestAppendAndRoot(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)

	root, err := acc.Append(nil)
	require.NoError(t, err)
	require.Equal(t, PlaceholderHash, root)

	leaves := leafHashes(7)
	var last Hash
	for _, l := range leaves {
		var err error
		last, err = acc.Append([]Hash{l})
		require.NoError(t, err)
	}
	require.Equal(t, uint64(7), acc.LeafCount())
	root2, err := acc.Root()
	require.NoError(t, err)
	require.Equal(t, last, root2)
}

func TestAppendBatchMatchesOneByOne(t *testing.T) {
	leaves := leafHashes(13)

	batchStore := NewMapStore()
	batchAcc := New(batchStore, 0)
	batchRoot, err := batchAcc.Append(leaves)
	require.NoError(t, err)

	seqStore := NewMapStore()
	seqAcc := New(seqStore, 0)
	var seqRoot Hash
	for _, l := range leaves {
		seqRoot, err = seqAcc.Append([]Hash{l})
		require.NoError(t, err)
	}

	require.Equal(t, seqRoot, batchRoot)
}

func TestInclusionProof(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	leaves := leafHashes(11)
	root, err := acc.Append(leaves)
	require.NoError(t, err)

	for i, l := range leaves {
		proof, err := acc.Prove(uint64(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), proof.LeafIndex)
		require.Equal(t, uint64(len(leaves)), proof.LeafCount)
		require.NoError(t, Verify(root, l, proof))
	}
}

func TestInclusionProofRejectsWrongLeaf(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	leaves := leafHashes(5)
	root, err := acc.Append(leaves)
	require.NoError(t, err)

	proof, err := acc.Prove(2)
	require.NoError(t, err)
	err = Verify(root, leaves[3], proof)
	require.Error(t, err)
}

func TestProveIndexOutOfRange(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	_, err := acc.Append(leafHashes(3))
	require.NoError(t, err)

	_, err = acc.Prove(3)
	require.Error(t, err)
}

func TestConsistencyProofAcrossSizes(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	leaves := leafHashes(20)

	roots := make([]Hash, 0, len(leaves)+1)
	roots = append(roots, PlaceholderHash)
	for _, l := range leaves {
		r, err := acc.Append([]Hash{l})
		require.NoError(t, err)
		roots = append(roots, r)
	}

	for oldCount := uint64(0); oldCount <= uint64(len(leaves)); oldCount++ {
		proof, err := acc.ProveConsistency(oldCount)
		require.NoError(t, err)
		require.Equal(t, oldCount, proof.OldLeafCount)
		require.Equal(t, uint64(len(leaves)), proof.NewLeafCount)
		err = VerifyConsistency(roots[oldCount], roots[len(leaves)], proof)
		require.NoErrorf(t, err, "oldCount=%d", oldCount)
	}
}

func TestConsistencyProofRejectsTamperedRoot(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	leaves := leafHashes(9)
	var newRoot Hash
	oldRoot := PlaceholderHash
	for i, l := range leaves {
		r, err := acc.Append([]Hash{l})
		require.NoError(t, err)
		if i == 3 {
			oldRoot = r
		}
		newRoot = r
	}

	proof, err := acc.ProveConsistency(4)
	require.NoError(t, err)

	tampered := newRoot
	tampered[0] ^= 0xff
	err = VerifyConsistency(oldRoot, tampered, proof)
	require.Error(t, err)
}

func TestRootAtAndProveUpToHistoricalVersions(t *testing.T) {
	store := NewMapStore()
	acc := New(store, 0)
	leaves := leafHashes(15)
	roots := make([]Hash, 0, len(leaves)+1)
	roots = append(roots, PlaceholderHash)
	for _, l := range leaves {
		r, err := acc.Append([]Hash{l})
		require.NoError(t, err)
		roots = append(roots, r)
	}

	for n := uint64(1); n <= uint64(len(leaves)); n++ {
		r, err := acc.RootAt(n)
		require.NoError(t, err)
		require.Equal(t, roots[n], r)

		proof, err := acc.ProveUpTo(n-1, n)
		require.NoError(t, err)
		require.NoError(t, Verify(r, leaves[n-1], proof))
	}
}

func TestHashLeafDomainSeparationFromInternal(t *testing.T) {
	a := HashLeaf([]byte("x"))
	b := hashInternal(Hash{}, Hash{})
	require.NotEqual(t, a, b)
}

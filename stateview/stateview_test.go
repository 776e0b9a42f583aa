// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package stateview

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainforge/ledgerdb/ledgererr"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/smt"
)

// fakeReader is a tiny in-memory persistent store good enough to drive
// a View: an smt.MapStore-backed tree plus the raw value each leaf
// hashes.
type fakeReader struct {
	tree   *smt.Tree
	root   smt.Hash
	values map[smt.Hash]ledgertypes.ResourceValue

	mu    sync.Mutex
	calls int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		tree:   smt.New(smt.NewMapStore()),
		root:   smt.PlaceholderHash,
		values: make(map[smt.Hash]ledgertypes.ResourceValue),
	}
}

func (f *fakeReader) set(key ledgertypes.ResourceKey, value ledgertypes.ResourceValue) {
	h := HashKey(key)
	f.values[h] = value
	newRoot, err := f.tree.Put(f.root, []smt.Update{{Key: h, ValueHash: hashRaw(value)}})
	if err != nil {
		panic(err)
	}
	f.root = newRoot
}

func (f *fakeReader) GetValueWithProofByVersion(key ledgertypes.ResourceKey, _ ledgertypes.Version) (*ledgertypes.ResourceValue, smt.Proof, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	h := HashKey(key)
	_, found, proof, err := f.tree.Get(f.root, h)
	if err != nil {
		return nil, smt.Proof{}, err
	}
	if !found {
		return nil, proof, nil
	}
	v := f.values[h]
	return &v, proof, nil
}

func TestViewGetFromPersistentStorageVerifiesProof(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("alice-v1"))

	v := New("test", reader, 5, true, reader.root, nil)
	got, err := v.Get(alice)
	require.NoError(t, err)
	require.Equal(t, ledgertypes.ResourceValue("alice-v1"), got)
	require.Equal(t, 1, reader.calls)
}

func TestViewGetAbsentKeyReturnsNil(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("alice-v1"))

	bob := ledgertypes.AccountAddressKey([]byte("bob"))
	v := New("test", reader, 5, true, reader.root, nil)
	got, err := v.Get(bob)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestViewGetIsIdempotentAndCachesAfterFirstFetch(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("alice-v1"))

	v := New("test", reader, 5, true, reader.root, nil)
	first, err := v.Get(alice)
	require.NoError(t, err)
	second, err := v.Get(alice)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, reader.calls, "second Get must be served from cache, not persistent storage")

	cache := v.IntoStateCache()
	require.Len(t, cache.Proofs, 1, "exactly one proof inserted for the one DB-backed key")
}

func TestViewGetPrefersSpeculativeOverlay(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("persisted"))

	overlay := NewOverlay([]ledgertypes.WriteSet{
		{{Key: alice, Kind: ledgertypes.WriteOpSet, Value: []byte("speculative")}},
	})

	v := New("test", reader, 5, true, reader.root, overlay)
	got, err := v.Get(alice)
	require.NoError(t, err)
	require.Equal(t, ledgertypes.ResourceValue("speculative"), got)
	require.Equal(t, 0, reader.calls, "a key resolved from the overlay never touches persistent storage")

	cache := v.IntoStateCache()
	require.Empty(t, cache.Proofs, "overlay-resolved keys insert no proof")
}

func TestViewGetOverlayDeleteShadowsPersistedValue(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("persisted"))

	overlay := NewOverlay([]ledgertypes.WriteSet{
		{{Key: alice, Kind: ledgertypes.WriteOpDelete}},
	})

	v := New("test", reader, 5, true, reader.root, overlay)
	got, err := v.Get(alice)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 0, reader.calls)
}

type corruptReader struct{}

func (corruptReader) GetValueWithProofByVersion(ledgertypes.ResourceKey, ledgertypes.Version) (*ledgertypes.ResourceValue, smt.Proof, error) {
	v := ledgertypes.ResourceValue("tampered")
	return &v, smt.Proof{}, nil
}

func TestViewGetFailsOnProofMismatch(t *testing.T) {
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	v := New("test", corruptReader{}, 5, true, smt.PlaceholderHash, nil)
	_, err := v.Get(alice)
	require.Error(t, err)
	var proofErr *ledgererr.ProofInvalid
	require.True(t, errors.As(err, &proofErr))
}

func TestViewGetWithNoPersistentVersionReturnsAbsentWithoutCallingReader(t *testing.T) {
	v := New("test", nil, 0, false, smt.PlaceholderHash, nil)
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	got, err := v.Get(alice)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestNewSynthesizesPreGenesisVersion(t *testing.T) {
	reader := newFakeReader()
	alice := ledgertypes.AccountAddressKey([]byte("alice"))
	reader.set(alice, ledgertypes.ResourceValue("seeded"))

	v := New("test", reader, 0, false, reader.root, nil)
	require.Equal(t, ledgertypes.PreGenesisVersion, v.latestPersistentVersion)
	require.True(t, v.hasPersistentVersion)

	got, err := v.Get(alice)
	require.NoError(t, err)
	require.Equal(t, ledgertypes.ResourceValue("seeded"), got)
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package stateview gives the VM a read API over a state that may not
// yet be committed: a frozen speculative sparse-Merkle overlay atop the
// latest persistent root, backed by a cache that authenticates every
// persistent-storage fetch against that root before trusting it.
package stateview

import (
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/chainforge/ledgerdb/ledgererr"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/smt"
)

// PersistentReader is the slice of statestore.Store a View needs: a
// point lookup with proof at a pinned version. Declared as an
// interface here, rather than importing statestore directly, so a View
// can be exercised against a fake in tests without a real engine.
type PersistentReader interface {
	GetValueWithProofByVersion(key ledgertypes.ResourceKey, v ledgertypes.Version) (*ledgertypes.ResourceValue, smt.Proof, error)
}

// overlayStatus is the three-way answer the speculative overlay gives
// for a key: present with a value, known absent, or not represented in
// the overlay at all (meaning persistent storage must be consulted).
type overlayStatus int

const (
	overlayUnknown overlayStatus = iota
	overlayExists
	overlayAbsent
)

// Overlay is the frozen speculative sparse-Merkle state built by
// executing a block atop the persistent root: a plain map of pending
// writes, since the overlay is read-only for the lifetime of a View.
type Overlay struct {
	writes map[smt.Hash]ledgertypes.ResourceValue // key hash -> value
	absent map[smt.Hash]bool                      // key hash -> explicitly deleted
}

// NewOverlay builds a frozen overlay from an ordered list of write
// sets, later sets taking precedence over earlier ones for the same
// key, matching how PutValueSets folds the same sets into the tree.
func NewOverlay(sets []ledgertypes.WriteSet) *Overlay {
	o := &Overlay{writes: make(map[smt.Hash]ledgertypes.ResourceValue), absent: make(map[smt.Hash]bool)}
	for _, ws := range sets {
		for _, op := range ws {
			h := HashKey(op.Key)
			if op.Kind == ledgertypes.WriteOpDelete {
				delete(o.writes, h)
				o.absent[h] = true
			} else {
				o.writes[h] = ledgertypes.ResourceValue(op.Value)
				delete(o.absent, h)
			}
		}
	}
	return o
}

func (o *Overlay) lookup(h smt.Hash) (ledgertypes.ResourceValue, overlayStatus) {
	if o == nil {
		return nil, overlayUnknown
	}
	if v, ok := o.writes[h]; ok {
		return v, overlayExists
	}
	if o.absent[h] {
		return nil, overlayAbsent
	}
	return nil, overlayUnknown
}

// HashKey is the same domain-tagged key hash statestore.HashKey
// computes, duplicated here (rather than imported) so this package's
// only dependency on the persistent store is the narrow
// PersistentReader interface above.
func HashKey(key ledgertypes.ResourceKey) smt.Hash {
	h := sha3.New256()
	h.Write(key.EncodeForHashing())
	var out smt.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// hashRaw is statestore.hashValue's formula, duplicated for the same
// reason as HashKey: it authenticates a fetched value against the
// proof's leaf hash before trusting it.
func hashRaw(v ledgertypes.ResourceValue) smt.Hash {
	h := sha3.New256()
	h.Write([]byte(v))
	var out smt.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// View is a two-tier cache over a speculative state: a resolved-value
// cache and a proof cache, both safe for concurrent use, each insert
// idempotent so a race between two readers resolving the same key
// never produces two different cached answers.
type View struct {
	id     string
	reader PersistentReader

	latestPersistentVersion ledgertypes.Version
	hasPersistentVersion    bool
	latestPersistentRoot    smt.Hash

	overlay *Overlay

	cacheMu sync.RWMutex
	cache   map[smt.Hash]ledgertypes.ResourceValue
	present map[smt.Hash]bool

	proofMu sync.RWMutex
	proofs  map[smt.Hash]smt.Proof
}

// New builds a View pinned to the given persistent version/root.
// hasPersistentVersion false with a non-placeholder root synthesises
// PRE_GENESIS_VERSION, matching the seeded-but-uncommitted case.
func New(id string, reader PersistentReader, latestPersistentVersion ledgertypes.Version, hasPersistentVersion bool, latestPersistentRoot smt.Hash, overlay *Overlay) *View {
	if !hasPersistentVersion && latestPersistentRoot != smt.PlaceholderHash {
		latestPersistentVersion = ledgertypes.PreGenesisVersion
		hasPersistentVersion = true
	}
	return &View{
		id:                      id,
		reader:                  reader,
		latestPersistentVersion: latestPersistentVersion,
		hasPersistentVersion:    hasPersistentVersion,
		latestPersistentRoot:    latestPersistentRoot,
		overlay:                 overlay,
		cache:                   make(map[smt.Hash]ledgertypes.ResourceValue),
		present:                 make(map[smt.Hash]bool),
		proofs:                  make(map[smt.Hash]smt.Proof),
	}
}

// Get resolves key, consulting the resolved-value cache, then the
// speculative overlay, then persistent storage (verifying the returned
// proof against the pinned root before trusting it). A nil return with
// a nil error means the key does not exist at this view. present (not
// a nil check on the value) is the cache's authoritative membership
// test, since an existing key may legitimately hold an empty value.
func (v *View) Get(key ledgertypes.ResourceKey) (ledgertypes.ResourceValue, error) {
	h := HashKey(key)

	v.cacheMu.RLock()
	if v.present[h] {
		val := v.cache[h]
		v.cacheMu.RUnlock()
		return val, nil
	}
	v.cacheMu.RUnlock()

	val, known, err := v.resolve(key, h)
	if err != nil {
		return nil, err
	}

	v.cacheMu.Lock()
	if !v.present[h] {
		if known {
			v.cache[h] = val
		}
		v.present[h] = true
	} else {
		val = v.cache[h]
	}
	v.cacheMu.Unlock()

	return val, nil
}

// resolve fetches key's value from the overlay or, failing that, from
// persistent storage with proof verification. known is false when the
// key is absent everywhere.
func (v *View) resolve(key ledgertypes.ResourceKey, h smt.Hash) (ledgertypes.ResourceValue, bool, error) {
	if val, status := v.overlay.lookup(h); status == overlayExists {
		return val, true, nil
	} else if status == overlayAbsent {
		return nil, false, nil
	}

	var (
		val   *ledgertypes.ResourceValue
		proof smt.Proof
		err   error
	)
	if v.hasPersistentVersion {
		val, proof, err = v.reader.GetValueWithProofByVersion(key, v.latestPersistentVersion)
		if err != nil {
			return nil, false, err
		}
	}

	var valueHash *smt.Hash
	if val != nil {
		hv := hashRaw(*val)
		valueHash = &hv
	}
	if verr := smt.Verify(v.latestPersistentRoot, h, valueHash, proof); verr != nil {
		return nil, false, &ledgererr.ProofInvalid{
			Address: append([]byte(nil), key.EncodeForHashing()...),
			Root:    append([]byte(nil), v.latestPersistentRoot[:]...),
			Cause:   verr,
		}
	}

	v.proofMu.Lock()
	v.proofs[h] = proof
	v.proofMu.Unlock()

	if val == nil {
		return nil, false, nil
	}
	return *val, true, nil
}

// StateCache is the frozen result of draining a View, handed to the
// next speculative-root builder: the persistent base it was built
// atop, the resolved values, and the proofs collected along the way.
type StateCache struct {
	FrozenBaseRoot smt.Hash
	State          map[smt.Hash]ledgertypes.ResourceValue
	Proofs         map[smt.Hash]smt.Proof
}

// IntoStateCache drains v's caches into a StateCache. v must not be
// used afterward.
func (v *View) IntoStateCache() StateCache {
	v.cacheMu.RLock()
	state := make(map[smt.Hash]ledgertypes.ResourceValue, len(v.cache))
	for h, val := range v.cache {
		if v.present[h] {
			state[h] = val
		}
	}
	v.cacheMu.RUnlock()

	v.proofMu.RLock()
	proofs := make(map[smt.Hash]smt.Proof, len(v.proofs))
	for h, p := range v.proofs {
		proofs[h] = p
	}
	v.proofMu.RUnlock()

	return StateCache{
		FrozenBaseRoot: v.latestPersistentRoot,
		State:          state,
		Proofs:         proofs,
	}
}

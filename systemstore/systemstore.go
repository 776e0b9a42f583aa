// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package systemstore owns ledger-wide counters: the running
// transaction count and the latest known account count, snapshotted
// once per committed batch so any version's counters can be recovered
// without re-scanning the whole ledger.
package systemstore

import (
	"encoding/binary"

	"github.com/chainforge/ledgerdb/changeset"
	"github.com/chainforge/ledgerdb/ledgererr"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/schema"
)

// NotMigrated and CountError are the sentinel values LatestAccountCount
// takes when the account count cannot be reported: not yet migrated to
// a schema that tracks it, or an error occurred deriving it.
const (
	NotMigrated int64 = -1
	CountError  int64 = -2
)

// Counters is the resulting snapshot BumpLedgerCounters folds and
// persists; callers export it as metric gauges after a successful
// commit.
type Counters struct {
	NumTransactions    uint64
	LatestAccountCount int64
}

func countersKey(v ledgertypes.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func encodeCounters(c Counters) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], c.NumTransactions)
	binary.BigEndian.PutUint64(out[8:], uint64(c.LatestAccountCount))
	return out
}

func decodeCounters(raw []byte) Counters {
	return Counters{
		NumTransactions:    binary.BigEndian.Uint64(raw[:8]),
		LatestAccountCount: int64(binary.BigEndian.Uint64(raw[8:])),
	}
}

// Store owns the ledger-counters column family.
type Store struct {
	engine *schema.Engine
}

func New(engine *schema.Engine) *Store { return &Store{engine: engine} }

// LeafCountAt resolves the live account (state-tree leaf) count at a
// version; systemstore takes this as a callback rather than importing
// statestore directly, for the same reason eventstore takes a
// TimestampAt callback instead of importing txstore.
type LeafCountAt func(v ledgertypes.Version) (uint64, error)

// BumpLedgerCounters loads the counters base (the snapshot immediately
// before firstV, or the zero value if none exists), folds in the delta
// of committing (lastV-firstV+1) transactions, stages the new snapshot
// keyed by lastV, and returns the resulting counters for metric export.
// leafCountAt failing populates LatestAccountCount with CountError
// rather than failing the whole commit, since the account count is a
// reporting convenience, not a correctness-critical field.
func (s *Store) BumpLedgerCounters(firstV, lastV ledgertypes.Version, leafCountAt LeafCountAt, cs *changeset.ChangeSet) (Counters, error) {
	if lastV < firstV {
		return Counters{}, &ledgererr.BadRange{Reason: "systemstore: lastV before firstV"}
	}
	base, err := s.loadBase(firstV)
	if err != nil {
		return Counters{}, err
	}

	numCommitted := uint64(lastV-firstV) + 1
	counters := Counters{
		NumTransactions: base.NumTransactions + numCommitted,
	}

	if leafCountAt == nil {
		counters.LatestAccountCount = NotMigrated
	} else if n, err := leafCountAt(lastV); err != nil {
		counters.LatestAccountCount = CountError
	} else {
		counters.LatestAccountCount = int64(n)
	}

	cs.Put(schema.CFMetadata, countersKey(lastV), encodeCounters(counters))
	return counters, nil
}

func (s *Store) loadBase(firstV ledgertypes.Version) (Counters, error) {
	if firstV == 0 {
		return Counters{}, nil
	}
	raw, ok, err := s.engine.Get(schema.CFMetadata, countersKey(firstV-1))
	if err != nil {
		return Counters{}, err
	}
	if !ok {
		return Counters{}, nil
	}
	return decodeCounters(raw), nil
}

// GetCounters returns the counters snapshot recorded at or immediately
// before v, or ok=false if no counters have ever been recorded.
func (s *Store) GetCounters(v ledgertypes.Version) (Counters, bool, error) {
	var out Counters
	found := false
	err := s.engine.IterateReverse(schema.CFMetadata, countersKey(v), func(k, raw []byte) (bool, error) {
		if len(k) != 8 {
			return true, nil
		}
		out = decodeCounters(raw)
		found = true
		return false, nil
	})
	if err != nil {
		return Counters{}, false, err
	}
	return out, found, nil
}

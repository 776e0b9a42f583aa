// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package eventstore owns the per-version event log, its per-version
// event accumulator, and the event-by-key secondary index.
package eventstore

import (
	"encoding/binary"
	"sort"

	"github.com/chainforge/ledgerdb/accumulator"
	"github.com/chainforge/ledgerdb/changeset"
	"github.com/chainforge/ledgerdb/ledgererr"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/schema"
)

// MaxLimit bounds any paged read this store serves.
const MaxLimit = 5000

func versionKey(v ledgertypes.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeVersionKey(b []byte) ledgertypes.Version {
	return ledgertypes.Version(binary.BigEndian.Uint64(b))
}

func versionIndexKey(v ledgertypes.Version, index uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(v))
	binary.BigEndian.PutUint64(key[8:], index)
	return key
}

// eventKeyPrefix returns the length-prefixed encoding of eventKey shared
// by every eventKeySeqKey built from it. eventKey is opaque,
// variable-length caller data, so it must be length-delimited before
// the fixed-width seq suffix: without a delimiter, a short eventKey can
// lexicographically collide with the leading bytes of a longer,
// unrelated eventKey's key.
func eventKeyPrefix(eventKey []byte) []byte {
	key := make([]byte, 4+len(eventKey))
	binary.BigEndian.PutUint32(key[:4], uint32(len(eventKey)))
	copy(key[4:], eventKey)
	return key
}

func eventKeySeqKey(eventKey []byte, seq uint64) []byte {
	prefix := eventKeyPrefix(eventKey)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// versionAccStore adapts one version's slice of the
// CFEventAccumulatorByVersion bucket to accumulator.Store, by
// prefixing every position key with the version.
type versionAccStore struct {
	engine  *schema.Engine
	version ledgertypes.Version
}

func (s versionAccStore) positionKey(pos accumulator.Position) []byte {
	key := make([]byte, 8+9)
	binary.BigEndian.PutUint64(key[:8], uint64(s.version))
	key[8] = pos.Level
	binary.BigEndian.PutUint64(key[9:], pos.Index)
	return key
}

func (s versionAccStore) GetNode(pos accumulator.Position) (accumulator.Hash, bool, error) {
	raw, ok, err := s.engine.Get(schema.CFEventAccumulatorByVersion, s.positionKey(pos))
	if err != nil || !ok {
		return accumulator.Hash{}, ok, err
	}
	var h accumulator.Hash
	copy(h[:], raw)
	return h, true, nil
}

func (s versionAccStore) PutNodes(nodes []accumulator.Node) error {
	batch := make(schema.WriteBatch, 0, len(nodes))
	for _, n := range nodes {
		batch = append(batch, schema.Entry{CF: schema.CFEventAccumulatorByVersion, Key: s.positionKey(n.Position), Value: n.Hash[:]})
	}
	return s.engine.Write(batch)
}

type stagingVersionAccStore struct {
	versionAccStore
	cs *changeset.ChangeSet
}

func (s stagingVersionAccStore) PutNodes(nodes []accumulator.Node) error {
	for _, n := range nodes {
		s.cs.Put(schema.CFEventAccumulatorByVersion, s.positionKey(n.Position), n.Hash[:])
	}
	return nil
}

func eventHash(e ledgertypes.Event) accumulator.Hash {
	return accumulator.HashLeaf(ledgertypes.EncodeEvent(e))
}

// Store owns per-version events and their accumulator.
type Store struct {
	engine *schema.Engine
}

func New(engine *schema.Engine) *Store { return &Store{engine: engine} }

// PutEvents stages events at version v, indexes them by key, and
// returns the resulting event accumulator root for that version.
func (s *Store) PutEvents(v ledgertypes.Version, events []ledgertypes.Event, cs *changeset.ChangeSet) (accumulator.Hash, error) {
	acc := accumulator.New(stagingVersionAccStore{versionAccStore{s.engine, v}, cs}, 0)
	leaves := make([]accumulator.Hash, len(events))
	for i, e := range events {
		cs.Put(schema.CFEventByVersionAndIndex, versionIndexKey(v, uint64(i)), ledgertypes.EncodeEvent(e))
		cs.Put(schema.CFEventByKey, eventKeySeqKey(e.Key, e.SequenceNumber), versionIndexKey(v, uint64(i)))
		leaves[i] = eventHash(e)
	}
	return acc.Append(leaves)
}

// GetEventsByVersion returns every event committed at v, in index order.
func (s *Store) GetEventsByVersion(v ledgertypes.Version) ([]ledgertypes.Event, error) {
	var out []ledgertypes.Event
	from := versionIndexKey(v, 0)
	err := s.engine.Iterate(schema.CFEventByVersionAndIndex, from, func(k, val []byte) (bool, error) {
		if decodeVersionKey(k[:8]) != v {
			return false, nil
		}
		e, err := ledgertypes.DecodeEvent(val)
		if err != nil {
			return false, err
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// GetEventWithProofByVersionAndIndex returns the event at (v, index)
// and its inclusion proof against that version's event accumulator.
func (s *Store) GetEventWithProofByVersionAndIndex(v ledgertypes.Version, index uint64) (ledgertypes.Event, accumulator.InclusionProof, error) {
	raw, ok, err := s.engine.Get(schema.CFEventByVersionAndIndex, versionIndexKey(v, index))
	if err != nil {
		return ledgertypes.Event{}, accumulator.InclusionProof{}, err
	}
	if !ok {
		return ledgertypes.Event{}, accumulator.InclusionProof{}, ledgererr.ErrNotFound
	}
	e, err := ledgertypes.DecodeEvent(raw)
	if err != nil {
		return ledgertypes.Event{}, accumulator.InclusionProof{}, err
	}
	events, err := s.GetEventsByVersion(v)
	if err != nil {
		return ledgertypes.Event{}, accumulator.InclusionProof{}, err
	}
	acc := accumulator.New(versionAccStore{s.engine, v}, uint64(len(events)))
	proof, err := acc.Prove(index)
	if err != nil {
		return ledgertypes.Event{}, accumulator.InclusionProof{}, err
	}
	return e, proof, nil
}

// KeyedEvent pairs the sequence number and location of an event found
// by LookupEventsByKey.
type KeyedEvent struct {
	Seq     uint64
	Version ledgertypes.Version
	Index   uint64
}

// LookupEventsByKey returns up to limit (seq, version, index) entries
// for eventKey starting at firstSeq, never returning an entry whose
// version exceeds ledgerVersion.
func (s *Store) LookupEventsByKey(eventKey []byte, firstSeq uint64, limit uint64, ledgerVersion ledgertypes.Version) ([]KeyedEvent, error) {
	if limit > MaxLimit {
		return nil, &ledgererr.TooManyRequested{Requested: limit, Max: MaxLimit}
	}
	var out []KeyedEvent
	prefix := eventKeyPrefix(eventKey)
	from := eventKeySeqKey(eventKey, firstSeq)
	err := s.engine.Iterate(schema.CFEventByKey, from, func(k, v []byte) (bool, error) {
		if len(k) < len(prefix)+8 || string(k[:len(prefix)]) != string(prefix) {
			return false, nil
		}
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		version := decodeVersionKey(v[:8])
		index := binary.BigEndian.Uint64(v[8:])
		if version > ledgerVersion {
			return uint64(len(out)) < limit, nil
		}
		out = append(out, KeyedEvent{Seq: seq, Version: version, Index: index})
		return uint64(len(out)) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLatestSequenceNumber returns the highest sequence number for
// eventKey with version <= ledgerVersion, or found=false if none exist.
func (s *Store) GetLatestSequenceNumber(ledgerVersion ledgertypes.Version, eventKey []byte) (uint64, bool, error) {
	var seq uint64
	found := false
	prefix := eventKeyPrefix(eventKey)
	err := s.engine.IterateReverse(schema.CFEventByKey, nil, func(k, v []byte) (bool, error) {
		if len(k) < len(prefix)+8 || string(k[:len(prefix)]) != string(prefix) {
			return true, nil
		}
		version := decodeVersionKey(v[:8])
		if version > ledgerVersion {
			return true, nil
		}
		seq = binary.BigEndian.Uint64(k[len(prefix):])
		found = true
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}
	return seq, found, nil
}

// TimestampAt resolves the microsecond timestamp recorded in the block
// metadata transaction at v; eventstore has no transaction data of its
// own, so GetLastVersionBeforeTimestamp takes this as a callback rather
// than importing txstore.
type TimestampAt func(v ledgertypes.Version) (uint64, error)

// GetLastVersionBeforeTimestamp performs a binary search over
// [0, ledgerVersion] using timestampAt, returning the highest version
// whose block timestamp is strictly less than timestampUsec.
func (s *Store) GetLastVersionBeforeTimestamp(timestampUsec uint64, ledgerVersion ledgertypes.Version, timestampAt TimestampAt) (ledgertypes.Version, bool, error) {
	lo, hi := ledgertypes.Version(0), ledgerVersion
	found := false
	var result ledgertypes.Version
	for lo <= hi {
		mid := lo + (hi-lo)/2
		ts, err := timestampAt(mid)
		if err != nil {
			return 0, false, err
		}
		if ts < timestampUsec {
			result = mid
			found = true
			if mid == ledgerVersion {
				break
			}
			lo = mid + 1
		} else {
			if mid == 0 {
				break
			}
			hi = mid - 1
		}
	}
	return result, found, nil
}

// SortKeyedEvents orders events ascending by sequence number; used by
// callers that accumulate KeyedEvent slices from more than one source.
func SortKeyedEvents(events []KeyedEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
}

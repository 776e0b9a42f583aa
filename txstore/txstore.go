// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package txstore owns the transaction, write-set, and
// transaction-by-hash / transaction-by-account-sequence column
// families, following the teacher's storage.go split between a
// read-through Reader and a ChangeSet-mutating writer.
package txstore

import (
	"encoding/binary"

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

// accountPrefix returns the length-prefixed encoding of addr shared by
// every accountSeqKey built from it. addr is variable-length and
// carries no fixed-size invariant (ledgertypes.Transaction.Sender is a
// bare []byte), so it must be length-delimited before the fixed-width
// seq suffix: without a delimiter, a short addr can lexicographically
// collide with the leading bytes of a longer, unrelated addr's key.
func accountPrefix(addr []byte) []byte {
	key := make([]byte, 4+len(addr))
	binary.BigEndian.PutUint32(key[:4], uint32(len(addr)))
	copy(key[4:], addr)
	return key
}

func accountSeqKey(addr []byte, seq uint64) []byte {
	prefix := accountPrefix(addr)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// Store reads and writes transactions and write-sets.
type Store struct {
	engine *schema.Engine
}

func New(engine *schema.Engine) *Store { return &Store{engine: engine} }

// PutTransaction stages tx at version v, plus its by-hash and (for
// user transactions) by-account-sequence secondary index entries.
func (s *Store) PutTransaction(v ledgertypes.Version, tx ledgertypes.Transaction, cs *changeset.ChangeSet) {
	cs.Put(schema.CFTransactionByVersion, versionKey(v), ledgertypes.EncodeTransaction(tx))
	cs.Put(schema.CFTransactionByHash, tx.Hash[:], versionKey(v))
	if tx.Kind == ledgertypes.TransactionUser {
		cs.Put(schema.CFTransactionByAccountSeq, accountSeqKey(tx.Sender, uint64(tx.Seq)), versionKey(v))
	}
}

// GetTransaction returns the transaction committed at v.
func (s *Store) GetTransaction(v ledgertypes.Version) (ledgertypes.Transaction, error) {
	raw, ok, err := s.engine.Get(schema.CFTransactionByVersion, versionKey(v))
	if err != nil {
		return ledgertypes.Transaction{}, err
	}
	if !ok {
		return ledgertypes.Transaction{}, ledgererr.ErrNotFound
	}
	return ledgertypes.DecodeTransaction(raw)
}

// GetTransactionVersionByHash resolves h to a version, provided that
// version does not exceed ledgerVersion (a transaction that exists
// on disk but beyond the caller's known ledger tip is reported absent,
// per spec §4.2).
func (s *Store) GetTransactionVersionByHash(h [32]byte, ledgerVersion ledgertypes.Version) (ledgertypes.Version, bool, error) {
	raw, ok, err := s.engine.Get(schema.CFTransactionByHash, h[:])
	if err != nil || !ok {
		return 0, false, err
	}
	v := decodeVersionKey(raw)
	if v > ledgerVersion {
		return 0, false, nil
	}
	return v, true, nil
}

// GetAccountTransactionVersion resolves (addr, seq) to a version,
// subject to the same ledgerVersion visibility rule.
func (s *Store) GetAccountTransactionVersion(addr []byte, seq uint64, ledgerVersion ledgertypes.Version) (ledgertypes.Version, bool, error) {
	raw, ok, err := s.engine.Get(schema.CFTransactionByAccountSeq, accountSeqKey(addr, seq))
	if err != nil || !ok {
		return 0, false, err
	}
	v := decodeVersionKey(raw)
	if v > ledgerVersion {
		return 0, false, nil
	}
	return v, true, nil
}

// AccountTransactionVersion pairs the sequence number requested with
// the version it resolved to, for GetAccountTransactionVersionIter.
type AccountTransactionVersion struct {
	Seq     uint64
	Version ledgertypes.Version
}

// GetAccountTransactionVersionIter lazily walks (addr, seq) entries
// starting at startSeq, up to limit entries, skipping entries whose
// version is beyond ledgerVersion.
func (s *Store) GetAccountTransactionVersionIter(addr []byte, startSeq uint64, limit uint64, ledgerVersion ledgertypes.Version) ([]AccountTransactionVersion, error) {
	if limit > MaxLimit {
		return nil, &ledgererr.TooManyRequested{Requested: limit, Max: MaxLimit}
	}
	var out []AccountTransactionVersion
	prefix := accountPrefix(addr)
	from := accountSeqKey(addr, startSeq)
	err := s.engine.Iterate(schema.CFTransactionByAccountSeq, from, func(k, v []byte) (bool, error) {
		if len(k) < len(prefix)+8 || string(k[:len(prefix)]) != string(prefix) {
			return false, nil
		}
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		version := decodeVersionKey(v)
		if version > ledgerVersion {
			return uint64(len(out)) < limit, nil
		}
		out = append(out, AccountTransactionVersion{Seq: seq, Version: version})
		return uint64(len(out)) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutWriteSet stages the write-set produced by executing version v.
func (s *Store) PutWriteSet(v ledgertypes.Version, ws ledgertypes.WriteSet, cs *changeset.ChangeSet) {
	cs.Put(schema.CFWriteSetByVersion, versionKey(v), ledgertypes.EncodeWriteSet(ws))
}

// GetWriteSet returns the write-set committed at v.
func (s *Store) GetWriteSet(v ledgertypes.Version) (ledgertypes.WriteSet, error) {
	raw, ok, err := s.engine.Get(schema.CFWriteSetByVersion, versionKey(v))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledgererr.ErrNotFound
	}
	return ledgertypes.DecodeWriteSet(raw)
}

// GetBlockMetadata returns the block-metadata transaction committed
// at v, erroring if the transaction at v is not of that kind.
func (s *Store) GetBlockMetadata(v ledgertypes.Version) (ledgertypes.Transaction, error) {
	tx, err := s.GetTransaction(v)
	if err != nil {
		return ledgertypes.Transaction{}, err
	}
	if tx.Kind != ledgertypes.TransactionBlockMetadata {
		return ledgertypes.Transaction{}, &ledgererr.Corruption{Reason: "transaction at requested version is not block metadata"}
	}
	return tx, nil
}

// GetFirstTransactionVersion returns the lowest version with a stored
// transaction, or ok=false if the store is empty.
func (s *Store) GetFirstTransactionVersion() (ledgertypes.Version, bool, error) {
	var first ledgertypes.Version
	found := false
	err := s.engine.Iterate(schema.CFTransactionByVersion, nil, func(k, v []byte) (bool, error) {
		first = decodeVersionKey(k)
		found = true
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}
	return first, found, nil
}

// GetFirstWriteSetVersion returns the lowest version with a stored
// write-set, or ok=false if the store is empty.
func (s *Store) GetFirstWriteSetVersion() (ledgertypes.Version, bool, error) {
	var first ledgertypes.Version
	found := false
	err := s.engine.Iterate(schema.CFWriteSetByVersion, nil, func(k, v []byte) (bool, error) {
		first = decodeVersionKey(k)
		found = true
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}
	return first, found, nil
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package changeset accumulates the pending writes of one commit
// across every column family, then applies them to the engine in a
// single atomic transaction. It generalizes the teacher's
// badgerGetter/updateFunc "apply a list of pending ops" shape
// (storage/storage.go) to the multi-column-family schema.Engine.
package changeset

import "github.com/chainforge/ledgerdb/schema"

// ChangeSet is mutated by each store's Put* methods during one
// save-transactions call. It holds no business logic: ordering and
// validation live in the commit algorithm that drives it.
type ChangeSet struct {
	batch schema.WriteBatch
}

// New returns an empty ChangeSet.
func New() *ChangeSet { return &ChangeSet{} }

// Put stages a set in cf.
func (cs *ChangeSet) Put(cf schema.ColumnFamily, key, value []byte) {
	cs.batch = append(cs.batch, schema.Entry{CF: cf, Key: key, Value: value})
}

// Delete stages a delete in cf.
func (cs *ChangeSet) Delete(cf schema.ColumnFamily, key []byte) {
	cs.batch = append(cs.batch, schema.Entry{CF: cf, Key: key, Value: nil})
}

// Len reports how many writes are staged.
func (cs *ChangeSet) Len() int { return len(cs.batch) }

// SealedChangeSet is a ChangeSet that counters (if any) have already
// been folded into; it is the only shape Commit accepts, so a caller
// cannot accidentally commit an unsealed batch.
type SealedChangeSet struct {
	batch schema.WriteBatch
}

// Seal freezes cs into a SealedChangeSet. It takes no transaction
// count: the "counters computed iff numTxns > 0" rule is applied by the
// caller before sealing (systemstore.BumpLedgerCounters).
func Seal(cs *ChangeSet) SealedChangeSet {
	return SealedChangeSet{batch: cs.batch}
}

// Commit applies sealed to engine as one atomic multi-family write.
// This is the only path by which ledgerdb ever mutates the engine.
func Commit(engine *schema.Engine, sealed SealedChangeSet) error {
	return engine.Write(sealed.batch)
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package systemstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainforge/ledgerdb/changeset"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/schema"
)

func openTemp(t *testing.T) *schema.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	e, err := schema.Open(path, schema.ModePrimary)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestBumpLedgerCountersFromGenesis(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	cs := changeset.New()
	leafCountAt := func(ledgertypes.Version) (uint64, error) { return 3, nil }
	counters, err := store.BumpLedgerCounters(0, 4, leafCountAt, cs)
	require.NoError(t, err)
	require.Equal(t, uint64(5), counters.NumTransactions)
	require.Equal(t, int64(3), counters.LatestAccountCount)
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs)))

	got, ok, err := store.GetCounters(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, counters, got)
}

func TestBumpLedgerCountersAccumulatesAcrossBatches(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	leafCountAt := func(ledgertypes.Version) (uint64, error) { return 10, nil }

	cs1 := changeset.New()
	c1, err := store.BumpLedgerCounters(0, 2, leafCountAt, cs1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), c1.NumTransactions)
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs1)))

	cs2 := changeset.New()
	c2, err := store.BumpLedgerCounters(3, 5, leafCountAt, cs2)
	require.NoError(t, err)
	require.Equal(t, uint64(6), c2.NumTransactions)
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs2)))
}

func TestBumpLedgerCountersTreatsLeafCountErrorAsSentinel(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	cs := changeset.New()
	leafCountAt := func(ledgertypes.Version) (uint64, error) { return 0, errors.New("boom") }
	counters, err := store.BumpLedgerCounters(0, 0, leafCountAt, cs)
	require.NoError(t, err)
	require.Equal(t, CountError, counters.LatestAccountCount)
}

func TestBumpLedgerCountersNilCallbackIsNotMigrated(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	cs := changeset.New()
	counters, err := store.BumpLedgerCounters(0, 0, nil, cs)
	require.NoError(t, err)
	require.Equal(t, NotMigrated, counters.LatestAccountCount)
}

func TestBumpLedgerCountersRejectsBadRange(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)
	cs := changeset.New()
	_, err := store.BumpLedgerCounters(5, 1, nil, cs)
	require.Error(t, err)
}

func TestGetCountersNotFound(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)
	_, ok, err := store.GetCounters(9)
	require.NoError(t, err)
	require.False(t, ok)
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package txstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainforge/ledgerdb/changeset"
	"github.com/chainforge/ledgerdb/ledgererr"
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

func commit(t *testing.T, engine *schema.Engine, cs *changeset.ChangeSet) {
	t.Helper()
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs)))
}

func TestPutAndGetTransaction(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	tx := ledgertypes.Transaction{Kind: ledgertypes.TransactionUser, Sender: []byte("addr1"), Seq: 3, Hash: [32]byte{0x1}}
	cs := changeset.New()
	store.PutTransaction(10, tx, cs)
	commit(t, engine, cs)

	got, err := store.GetTransaction(10)
	require.NoError(t, err)
	require.Equal(t, tx, got)

	_, err = store.GetTransaction(11)
	require.ErrorIs(t, err, ledgererr.ErrNotFound)
}

func TestGetTransactionVersionByHashRespectsLedgerVersion(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	tx := ledgertypes.Transaction{Kind: ledgertypes.TransactionUser, Hash: [32]byte{0xaa}}
	cs := changeset.New()
	store.PutTransaction(50, tx, cs)
	commit(t, engine, cs)

	v, ok, err := store.GetTransactionVersionByHash(tx.Hash, 50)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledgertypes.Version(50), v)

	_, ok, err = store.GetTransactionVersionByHash(tx.Hash, 49)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccountTransactionVersionIter(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	addr := []byte("addr1")
	cs := changeset.New()
	for seq := uint64(0); seq < 5; seq++ {
		tx := ledgertypes.Transaction{Kind: ledgertypes.TransactionUser, Sender: addr, Seq: int64(seq), Hash: [32]byte{byte(seq)}}
		store.PutTransaction(ledgertypes.Version(100+seq), tx, cs)
	}
	commit(t, engine, cs)

	got, err := store.GetAccountTransactionVersionIter(addr, 1, 2, 200)
	require.NoError(t, err)
	require.Equal(t, []AccountTransactionVersion{
		{Seq: 1, Version: 101},
		{Seq: 2, Version: 102},
	}, got)

	_, ok, err := store.GetAccountTransactionVersion(addr, 1, 100)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := store.GetAccountTransactionVersion(addr, 1, 101)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledgertypes.Version(101), v)
}

// A short address must never be treated as a prefix match for a longer
// address whose leading bytes happen to sort the same way.
func TestAccountTransactionVersionIterDoesNotCrossAddressBoundary(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	cs := changeset.New()
	store.PutTransaction(5, ledgertypes.Transaction{Kind: ledgertypes.TransactionUser, Sender: []byte("ab"), Seq: 5, Hash: [32]byte{0x1}}, cs)
	commit(t, engine, cs)

	got, err := store.GetAccountTransactionVersionIter([]byte("a"), 0, 10, 100)
	require.NoError(t, err)
	require.Empty(t, got)

	_, ok, err := store.GetAccountTransactionVersion([]byte("a"), 5, 100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccountTransactionVersionIterRejectsOversizedLimit(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)
	_, err := store.GetAccountTransactionVersionIter([]byte("a"), 0, MaxLimit+1, 0)
	require.Error(t, err)
	var tooMany *ledgererr.TooManyRequested
	require.ErrorAs(t, err, &tooMany)
}

func TestWriteSetRoundTrip(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	ws := ledgertypes.WriteSet{
		{Key: ledgertypes.AccountAddressKey([]byte{1}), Kind: ledgertypes.WriteOpSet, Value: []byte("v")},
	}
	cs := changeset.New()
	store.PutWriteSet(7, ws, cs)
	commit(t, engine, cs)

	got, err := store.GetWriteSet(7)
	require.NoError(t, err)
	require.Equal(t, ws, got)
}

func TestFirstVersions(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	_, ok, err := store.GetFirstTransactionVersion()
	require.NoError(t, err)
	require.False(t, ok)

	cs := changeset.New()
	store.PutTransaction(5, ledgertypes.Transaction{Kind: ledgertypes.TransactionGenesis}, cs)
	store.PutTransaction(6, ledgertypes.Transaction{Kind: ledgertypes.TransactionUser}, cs)
	commit(t, engine, cs)

	first, ok, err := store.GetFirstTransactionVersion()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledgertypes.Version(5), first)
}

func TestGetBlockMetadataRejectsWrongKind(t *testing.T) {
	engine := openTemp(t)
	store := New(engine)

	cs := changeset.New()
	store.PutTransaction(1, ledgertypes.Transaction{Kind: ledgertypes.TransactionUser}, cs)
	commit(t, engine, cs)

	_, err := store.GetBlockMetadata(1)
	require.Error(t, err)
}

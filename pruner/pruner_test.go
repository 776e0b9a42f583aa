// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package pruner

import (
	"path/filepath"
	"testing"
	"time"

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

func putVersioned(t *testing.T, engine *schema.Engine, cf schema.ColumnFamily, v ledgertypes.Version, value []byte) {
	t.Helper()
	cs := changeset.New()
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[7-i] = byte(v >> (8 * i))
	}
	cs.Put(cf, key[:], value)
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs)))
}

func TestConfigNoOp(t *testing.T) {
	require.True(t, Config{}.NoOp())
	require.False(t, Config{Window: 1}.NoOp())
}

func TestPrunerDeletesEntriesBelowCutoff(t *testing.T) {
	engine := openTemp(t)
	for v := ledgertypes.Version(0); v <= 10; v++ {
		putVersioned(t, engine, schema.CFTransactionByVersion, v, []byte("tx"))
	}

	p := New(engine, Config{Window: 3, Trigger: 0})
	go p.Run()
	p.Wake(10)

	require.Eventually(t, func() bool {
		_, ok, err := engine.Get(schema.CFTransactionByVersion, keyOf(0))
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)

	_, ok, err := engine.Get(schema.CFTransactionByVersion, keyOf(7))
	require.NoError(t, err)
	require.False(t, ok, "version 7 (== cutoff) should be pruned")

	_, ok, err = engine.Get(schema.CFTransactionByVersion, keyOf(8))
	require.NoError(t, err)
	require.True(t, ok, "version 8 is within the retention window")

	p.Stop()
}

func TestPrunerIgnoresWakeBelowWindow(t *testing.T) {
	engine := openTemp(t)
	putVersioned(t, engine, schema.CFTransactionByVersion, 0, []byte("tx"))

	p := New(engine, Config{Window: 100, Trigger: 0})
	go p.Run()
	p.Wake(5)
	p.Stop()

	_, ok, err := engine.Get(schema.CFTransactionByVersion, keyOf(0))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPrunerStaleStateNodeIndex(t *testing.T) {
	engine := openTemp(t)
	nodeHash := make([]byte, 32)
	nodeHash[0] = 0xaa

	cs := changeset.New()
	cs.Put(schema.CFStateTreeNode, nodeHash, []byte{0x00, 1, 2})
	staleKey := append(keyOf(2), nodeHash...)
	cs.Put(schema.CFStaleStateTreeNodeByVersion, staleKey, []byte{})
	require.NoError(t, changeset.Commit(engine, changeset.Seal(cs)))

	p := New(engine, Config{Window: 1, Trigger: 0})
	go p.Run()
	p.Wake(3)

	require.Eventually(t, func() bool {
		_, ok, err := engine.Get(schema.CFStateTreeNode, nodeHash)
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)

	_, ok, err := engine.Get(schema.CFStaleStateTreeNodeByVersion, staleKey)
	require.NoError(t, err)
	require.False(t, ok)

	p.Stop()
}

func keyOf(v ledgertypes.Version) []byte {
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[7-i] = byte(v >> (8 * i))
	}
	return key[:]
}

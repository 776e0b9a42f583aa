// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	e, err := Open(path, ModePrimary)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestWriteAndGet(t *testing.T) {
	e := openTemp(t)

	err := e.Write(WriteBatch{
		{CF: CFMetadata, Key: []byte("latest_version"), Value: []byte{0, 0, 0, 0, 0, 0, 0, 7}},
	})
	require.NoError(t, err)

	v, ok, err := e.Get(CFMetadata, []byte("latest_version"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, v)

	_, ok, err = e.Get(CFMetadata, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteBatchAcrossColumnFamiliesIsAtomic(t *testing.T) {
	e := openTemp(t)

	err := e.Write(WriteBatch{
		{CF: CFTransactionByVersion, Key: []byte{0, 0, 0, 0, 0, 0, 0, 1}, Value: []byte("tx1")},
		{CF: CFTransactionInfoByVersion, Key: []byte{0, 0, 0, 0, 0, 0, 0, 1}, Value: []byte("info1")},
	})
	require.NoError(t, err)

	v1, ok, err := e.Get(CFTransactionByVersion, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("tx1"), v1)

	v2, ok, err := e.Get(CFTransactionInfoByVersion, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("info1"), v2)
}

func TestDeleteViaNilValue(t *testing.T) {
	e := openTemp(t)
	key := []byte("k")
	require.NoError(t, e.Write(WriteBatch{{CF: CFMetadata, Key: key, Value: []byte("v")}}))
	require.NoError(t, e.Write(WriteBatch{{CF: CFMetadata, Key: key, Value: nil}}))

	_, ok, err := e.Get(CFMetadata, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterateInKeyOrder(t *testing.T) {
	e := openTemp(t)
	require.NoError(t, e.Write(WriteBatch{
		{CF: CFMetadata, Key: []byte("a"), Value: []byte("1")},
		{CF: CFMetadata, Key: []byte("c"), Value: []byte("3")},
		{CF: CFMetadata, Key: []byte("b"), Value: []byte("2")},
	}))

	var keys []string
	err := e.Iterate(CFMetadata, nil, func(k, v []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestIterateReverse(t *testing.T) {
	e := openTemp(t)
	require.NoError(t, e.Write(WriteBatch{
		{CF: CFMetadata, Key: []byte("a"), Value: []byte("1")},
		{CF: CFMetadata, Key: []byte("b"), Value: []byte("2")},
		{CF: CFMetadata, Key: []byte("c"), Value: []byte("3")},
	}))

	var keys []string
	err := e.IterateReverse(CFMetadata, nil, func(k, v []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestReadOnlyEngineRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	primary, err := Open(path, ModePrimary)
	require.NoError(t, err)
	require.NoError(t, primary.Write(WriteBatch{{CF: CFMetadata, Key: []byte("k"), Value: []byte("v")}}))
	primary.Close()

	ro, err := Open(path, ModeReadOnly)
	require.NoError(t, err)
	defer ro.Close()

	v, ok, err := ro.Get(CFMetadata, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	err = ro.Write(WriteBatch{{CF: CFMetadata, Key: []byte("k2"), Value: []byte("v2")}})
	require.Error(t, err)
}

func TestCheckpoint(t *testing.T) {
	e := openTemp(t)
	require.NoError(t, e.Write(WriteBatch{{CF: CFMetadata, Key: []byte("k"), Value: []byte("v")}}))

	dst := filepath.Join(t.TempDir(), "checkpoint.db")
	require.NoError(t, e.Checkpoint(dst))

	restored, err := Open(dst, ModeReadOnly)
	require.NoError(t, err)
	defer restored.Close()

	v, ok, err := restored.Get(CFMetadata, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package ledgertypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionRoundTrip(t *testing.T) {
	tx := Transaction{
		Kind:    TransactionUser,
		Sender:  []byte{1, 2, 3},
		Seq:     42,
		Payload: []byte("hello"),
		Hash:    [32]byte{0xaa},
	}
	back, err := DecodeTransaction(EncodeTransaction(tx))
	require.NoError(t, err)
	require.Equal(t, tx, back)
}

func TestWriteSetRoundTrip(t *testing.T) {
	ws := WriteSet{
		{Key: AccountAddressKey([]byte{1, 2}), Kind: WriteOpSet, Value: []byte("v1")},
		{Key: AccountAddressKey([]byte{3, 4}), Kind: WriteOpDelete},
	}
	back, err := DecodeWriteSet(EncodeWriteSet(ws))
	require.NoError(t, err)
	require.Equal(t, ws, back)
}

func TestEventRoundTrip(t *testing.T) {
	e := Event{Key: []byte("k"), SequenceNumber: 7, TypeTag: "0x1::coin::Transfer", Payload: []byte("p")}
	back, err := DecodeEvent(EncodeEvent(e))
	require.NoError(t, err)
	require.Equal(t, e, back)
}

func TestLedgerInfoRoundTrip(t *testing.T) {
	li := LedgerInfo{
		Version:                    100,
		Epoch:                      3,
		TransactionAccumulatorHash: [32]byte{0x01, 0x02},
		TimestampUsec:              123456,
		NextValidatorSet:           []byte("vset"),
	}
	back, err := DecodeLedgerInfo(EncodeLedgerInfo(li))
	require.NoError(t, err)
	require.Equal(t, li, back)
	require.True(t, back.IsEpochEnding())
	require.Equal(t, Epoch(4), back.NextBlockEpoch())
}

func TestResourceKeyHashing(t *testing.T) {
	k := AccountAddressKey([]byte{0xde, 0xad})
	require.Equal(t, append([]byte("acc_blb_|"), 0xde, 0xad), k.EncodeForHashing())
}

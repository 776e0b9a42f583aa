// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package ledgertypes

import (
	"encoding/binary"
	"fmt"
)

// Wire format: every record is length-prefixed fields in declaration
// order, big-endian fixed-width integers, []byte fields prefixed with
// a uint32 length. This mirrors the manual composite-key/value
// encoding convention documented throughout the teacher's schema layer
// (e.g. "block_num_u64 + hash -> header (RLP)") rather than a
// self-describing format: every (CF, key, value) shape here is fixed
// and known at the call site, so there is nothing for a generic codec
// to buy beyond what hand-written Put/Get pairs already give us.

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putBytes(buf []byte, v []byte) []byte {
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(v)))
	buf = append(buf, lenb[:]...)
	return append(buf, v...)
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("ledgertypes: short buffer reading uint64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("ledgertypes: short buffer reading length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("ledgertypes: short buffer reading %d bytes", n)
	}
	return append([]byte(nil), b[:n]...), b[n:], nil
}

// EncodeTransaction serializes a Transaction.
func EncodeTransaction(tx Transaction) []byte {
	buf := make([]byte, 0, 64+len(tx.Payload))
	buf = append(buf, byte(tx.Kind))
	buf = putBytes(buf, tx.Sender)
	buf = putUint64(buf, uint64(tx.Seq))
	buf = putBytes(buf, tx.Payload)
	buf = append(buf, tx.Hash[:]...)
	return buf
}

// DecodeTransaction parses the output of EncodeTransaction.
func DecodeTransaction(b []byte) (Transaction, error) {
	var tx Transaction
	if len(b) < 1 {
		return tx, fmt.Errorf("ledgertypes: empty transaction buffer")
	}
	tx.Kind = TransactionKind(b[0])
	b = b[1:]
	var err error
	tx.Sender, b, err = readBytes(b)
	if err != nil {
		return tx, err
	}
	seq, b2, err := readUint64(b)
	if err != nil {
		return tx, err
	}
	tx.Seq = int64(seq)
	b = b2
	tx.Payload, b, err = readBytes(b)
	if err != nil {
		return tx, err
	}
	if len(b) < 32 {
		return tx, fmt.Errorf("ledgertypes: short buffer reading transaction hash")
	}
	copy(tx.Hash[:], b[:32])
	return tx, nil
}

// EncodeTransactionInfo serializes a TransactionInfo.
func EncodeTransactionInfo(ti TransactionInfo) []byte {
	buf := make([]byte, 0, 32+32+32+8+1)
	buf = append(buf, ti.TransactionHash[:]...)
	buf = append(buf, ti.StateRootHash[:]...)
	buf = append(buf, ti.EventRootHash[:]...)
	buf = putUint64(buf, ti.GasUsed)
	buf = append(buf, byte(ti.Status))
	return buf
}

// DecodeTransactionInfo parses the output of EncodeTransactionInfo.
func DecodeTransactionInfo(b []byte) (TransactionInfo, error) {
	var ti TransactionInfo
	if len(b) < 32+32+32+8+1 {
		return ti, fmt.Errorf("ledgertypes: short transaction info buffer")
	}
	copy(ti.TransactionHash[:], b[0:32])
	copy(ti.StateRootHash[:], b[32:64])
	copy(ti.EventRootHash[:], b[64:96])
	ti.GasUsed = binary.BigEndian.Uint64(b[96:104])
	ti.Status = TransactionStatus(b[104])
	return ti, nil
}

// EncodeWriteSet serializes a WriteSet.
func EncodeWriteSet(ws WriteSet) []byte {
	buf := make([]byte, 0, 32*len(ws))
	buf = putUint64(buf, uint64(len(ws)))
	for _, op := range ws {
		buf = append(buf, byte(op.Key.Tag))
		buf = putBytes(buf, op.Key.Address)
		buf = append(buf, byte(op.Kind))
		buf = putBytes(buf, op.Value)
	}
	return buf
}

// DecodeWriteSet parses the output of EncodeWriteSet.
func DecodeWriteSet(b []byte) (WriteSet, error) {
	n, b, err := readUint64(b)
	if err != nil {
		return nil, err
	}
	ws := make(WriteSet, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("ledgertypes: short write set buffer")
		}
		tag := ResourceKeyTag(b[0])
		b = b[1:]
		var addr, val []byte
		addr, b, err = readBytes(b)
		if err != nil {
			return nil, err
		}
		if len(b) < 1 {
			return nil, fmt.Errorf("ledgertypes: short write set buffer")
		}
		kind := WriteOpKind(b[0])
		b = b[1:]
		val, b, err = readBytes(b)
		if err != nil {
			return nil, err
		}
		ws = append(ws, WriteOp{Key: ResourceKey{Tag: tag, Address: addr}, Kind: kind, Value: val})
	}
	return ws, nil
}

// EncodeEvent serializes an Event.
func EncodeEvent(e Event) []byte {
	buf := make([]byte, 0, 32+8+16+len(e.Payload))
	buf = putBytes(buf, e.Key)
	buf = putUint64(buf, e.SequenceNumber)
	buf = putBytes(buf, []byte(e.TypeTag))
	buf = putBytes(buf, e.Payload)
	return buf
}

// DecodeEvent parses the output of EncodeEvent.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	var err error
	e.Key, b, err = readBytes(b)
	if err != nil {
		return e, err
	}
	e.SequenceNumber, b, err = readUint64(b)
	if err != nil {
		return e, err
	}
	var tag []byte
	tag, b, err = readBytes(b)
	if err != nil {
		return e, err
	}
	e.TypeTag = string(tag)
	e.Payload, _, err = readBytes(b)
	if err != nil {
		return e, err
	}
	return e, nil
}

// EncodeLedgerInfo serializes a LedgerInfo.
func EncodeLedgerInfo(li LedgerInfo) []byte {
	buf := make([]byte, 0, 96)
	buf = putUint64(buf, uint64(li.Version))
	buf = putUint64(buf, uint64(li.Epoch))
	buf = append(buf, li.TransactionAccumulatorHash[:]...)
	buf = putUint64(buf, li.TimestampUsec)
	buf = putBytes(buf, li.NextValidatorSet)
	return buf
}

// DecodeLedgerInfo parses the output of EncodeLedgerInfo.
func DecodeLedgerInfo(b []byte) (LedgerInfo, error) {
	var li LedgerInfo
	v, b, err := readUint64(b)
	if err != nil {
		return li, err
	}
	li.Version = Version(v)
	e, b, err := readUint64(b)
	if err != nil {
		return li, err
	}
	li.Epoch = Epoch(e)
	if len(b) < 32 {
		return li, fmt.Errorf("ledgertypes: short ledger info buffer")
	}
	copy(li.TransactionAccumulatorHash[:], b[:32])
	b = b[32:]
	ts, b, err := readUint64(b)
	if err != nil {
		return li, err
	}
	li.TimestampUsec = ts
	nvs, _, err := readBytes(b)
	if err != nil {
		return li, err
	}
	if len(nvs) > 0 {
		li.NextValidatorSet = nvs
	}
	return li, nil
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package ledgertypes holds the core entities of the ledger data model:
// versions, epochs, transactions, transaction infos, write sets, events,
// resource keys/values and ledger infos. Wire encoding lives in codec.go.
package ledgertypes

import "fmt"

// Version is a monotonically increasing index of a committed
// transaction. It also labels the state snapshot immediately after
// that transaction.
type Version uint64

// PreGenesisVersion is a synthetic marker used when a state root is
// non-placeholder but no transaction has yet been committed.
const PreGenesisVersion Version = ^Version(0) // all-ones sentinel, never a real version

// Epoch is a monotonically increasing validator-set era. It advances
// only when a committed ledger info carries a next validator set.
type Epoch uint64

// TransactionKind tags the variant of a Transaction.
type TransactionKind uint8

const (
	TransactionUser TransactionKind = iota
	TransactionBlockMetadata
	TransactionStateCheckpoint
	TransactionGenesis
)

func (k TransactionKind) String() string {
	switch k {
	case TransactionUser:
		return "user"
	case TransactionBlockMetadata:
		return "block_metadata"
	case TransactionStateCheckpoint:
		return "state_checkpoint"
	case TransactionGenesis:
		return "genesis"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Transaction is a tagged variant. Payload holds the kind-specific
// encoded body; callers that need the decoded shape use the Decode*
// helpers in codec.go.
type Transaction struct {
	Kind    TransactionKind
	Sender  []byte // empty for non-user transactions
	Seq     int64  // sender sequence number, meaningful only for TransactionUser
	Payload []byte
	Hash    [32]byte
}

// TransactionStatus mirrors the three outcomes the ledger records for a
// committed transaction.
type TransactionStatus uint8

const (
	StatusExecuted TransactionStatus = iota
	StatusDiscarded
	StatusRetry
)

// TransactionInfo is the authenticated summary of one committed
// transaction: its hash, the state and event roots produced by
// executing it, gas used, and outcome status.
type TransactionInfo struct {
	TransactionHash   [32]byte
	StateRootHash     [32]byte
	EventRootHash     [32]byte
	GasUsed           uint64
	Status            TransactionStatus
}

// WriteOpKind distinguishes a delete from a set in a WriteSet entry.
type WriteOpKind uint8

const (
	WriteOpDelete WriteOpKind = iota
	WriteOpSet
)

// WriteOp is one mutation against a ResourceKey.
type WriteOp struct {
	Key   ResourceKey
	Kind  WriteOpKind
	Value []byte // meaningful only when Kind == WriteOpSet
}

// WriteSet is the ordered list of mutations produced by executing one
// transaction.
type WriteSet []WriteOp

// Event is one entry emitted during transaction execution.
type Event struct {
	Key            []byte
	SequenceNumber uint64
	TypeTag        string
	Payload        []byte
}

// ResourceKeyTag distinguishes the addressing scheme of a ResourceKey.
// Only AccountAddressKey is populated today; the tag exists so a future
// addressing scheme can be added without breaking the wire format,
// matching the tagged key type in the original implementation this
// spec was distilled from.
type ResourceKeyTag uint8

const (
	ResourceKeyAccountAddress ResourceKeyTag = iota
)

// accountAddressPrefix is the fixed textual prefix hashed ahead of the
// raw address for an AccountAddressKey, per the wire spec.
const accountAddressPrefix = "acc_blb_|"

// ResourceKey addresses one state cell. It is an opaque, hashable,
// bytes-addressed key; AccountAddressKey is the only constructor today.
type ResourceKey struct {
	Tag     ResourceKeyTag
	Address []byte
}

// AccountAddressKey builds a ResourceKey addressing the account at addr.
func AccountAddressKey(addr []byte) ResourceKey {
	return ResourceKey{Tag: ResourceKeyAccountAddress, Address: append([]byte(nil), addr...)}
}

// EncodeForHashing returns the domain-tagged byte string this key
// hashes to, per the wire spec: "acc_blb_|" ++ addrBytes for the
// account-address variant.
func (k ResourceKey) EncodeForHashing() []byte {
	switch k.Tag {
	case ResourceKeyAccountAddress:
		buf := make([]byte, 0, len(accountAddressPrefix)+len(k.Address))
		buf = append(buf, accountAddressPrefix...)
		buf = append(buf, k.Address...)
		return buf
	default:
		panic(fmt.Sprintf("ledgertypes: unknown ResourceKeyTag %d", k.Tag))
	}
}

// ResourceValue is an opaque state cell payload.
type ResourceValue []byte

// ValidatorSet is an opaque, consensus-defined validator set. This
// repository only ever stores and compares it; it never validates
// signatures against membership itself (that belongs to the external
// consensus layer).
type ValidatorSet []byte

// LedgerInfo binds a version to its accumulator root and metadata.
type LedgerInfo struct {
	Version                  Version
	Epoch                    Epoch
	TransactionAccumulatorHash [32]byte
	TimestampUsec            uint64
	NextValidatorSet         ValidatorSet // nil unless this is an epoch-ending ledger info
}

// IsEpochEnding reports whether this ledger info carries a next
// validator set.
func (li LedgerInfo) IsEpochEnding() bool { return len(li.NextValidatorSet) > 0 }

// NextBlockEpoch is the epoch of the first version after li.
func (li LedgerInfo) NextBlockEpoch() Epoch {
	if li.IsEpochEnding() {
		return li.Epoch + 1
	}
	return li.Epoch
}

// TransactionToCommit is one entry of the ordered batch execution hands
// to save_transactions: everything produced by running one transaction,
// still unversioned (the version is implied by its position in the
// batch, starting at the caller's first_version).
type TransactionToCommit struct {
	Transaction     Transaction
	TransactionInfo TransactionInfo
	WriteSet        WriteSet
	Events          []Event
}

// LedgerInfoWithSignatures pairs a LedgerInfo with the externally
// supplied consensus signatures attesting to it. Verifying those
// signatures is out of scope (spec §1 Non-goals) beyond accepting them
// as already verified by the caller.
type LedgerInfoWithSignatures struct {
	LedgerInfo LedgerInfo
	Signatures []byte // opaque aggregate/consensus signature blob
}

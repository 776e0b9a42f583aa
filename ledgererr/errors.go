// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package ledgererr defines the error taxonomy shared by every store and
// by the outer facade. Kinds that carry structured context are typed
// errors rather than bare sentinels so callers can recover the context
// with errors.As instead of string-matching a message.
package ledgererr

import "fmt"

// ErrNotFound marks a point lookup that found nothing, for callers that
// require presence (as opposed to the many lookups in this repository
// that return an ok bool / zero value for benign absence).
var ErrNotFound = fmt.Errorf("ledgerdb: not found")

// ErrPrunedRange marks a state-store chunk query straddling a version
// range that has already been pruned. No code path returns it:
// statestore.GetValueChunkWithProof always fails with
// ErrChunkProofNotImplemented.
var ErrPrunedRange = fmt.Errorf("ledgerdb: requested range overlaps a pruned window")

// TooManyRequested is returned when a paged read asks for more than
// MaxLimit items.
type TooManyRequested struct {
	Requested uint64
	Max       uint64
}

func (e *TooManyRequested) Error() string {
	return fmt.Sprintf("ledgerdb: requested %d items, max is %d", e.Requested, e.Max)
}

// BadRange is returned when a range request violates start <= end or
// exceeds the known upper bound.
type BadRange struct {
	Reason string
}

func (e *BadRange) Error() string { return "ledgerdb: bad range: " + e.Reason }

// ProofInvalid is returned when a Merkle proof returned by persistent
// storage fails to verify against the pinned root.
type ProofInvalid struct {
	Address []byte
	Root    []byte
	Cause   error
}

func (e *ProofInvalid) Error() string {
	return fmt.Sprintf("ledgerdb: proof invalid for address %x against root %x: %v", e.Address, e.Root, e.Cause)
}

func (e *ProofInvalid) Unwrap() error { return e.Cause }

// Corruption marks an internal invariant violation: data that should
// exist together was found only partially, or two independently
// derived values disagree.
type Corruption struct {
	Reason string
}

func (e *Corruption) Error() string { return "ledgerdb: corruption: " + e.Reason }

// IoError wraps an error returned by the underlying K/V engine.
type IoError struct {
	Op    string
	Cause error
}

func (e *IoError) Error() string { return fmt.Sprintf("ledgerdb: engine error during %s: %v", e.Op, e.Cause) }

func (e *IoError) Unwrap() error { return e.Cause }

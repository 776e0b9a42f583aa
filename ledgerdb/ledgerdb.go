// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package ledgerdb is the outer facade: it owns the engine handle and
// every store, wires writes through a single ChangeSet per commit, and
// composes the stores' read paths into the handful of queries a
// consensus/execution client actually needs (transaction-with-proof,
// events-by-key, state-proof, epoch paging). It also owns the two
// background goroutines (pruner, property reporter) and the per-call
// latency/logging wrapper every method runs through.
package ledgerdb

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/chainforge/ledgerdb/accumulator"
	"github.com/chainforge/ledgerdb/changeset"
	"github.com/chainforge/ledgerdb/eventstore"
	"github.com/chainforge/ledgerdb/ledgererr"
	"github.com/chainforge/ledgerdb/ledgerlog"
	"github.com/chainforge/ledgerdb/ledgerstore"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/pruner"
	"github.com/chainforge/ledgerdb/reporter"
	"github.com/chainforge/ledgerdb/schema"
	"github.com/chainforge/ledgerdb/smt"
	"github.com/chainforge/ledgerdb/statestore"
	"github.com/chainforge/ledgerdb/stateview"
	"github.com/chainforge/ledgerdb/systemstore"
	"github.com/chainforge/ledgerdb/txstore"
)

var (
	apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerdb_api_latency_seconds",
		Help:    "Latency of top-level facade calls, labeled by API name and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"api_name", "status"})
	ledgerVersionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerdb_ledger_version",
		Help: "Version of the latest committed ledger info.",
	})
	nextBlockEpochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerdb_next_block_epoch",
		Help: "Epoch of the first version after the latest committed ledger info.",
	})
	committedTxnsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_committed_transactions_total",
		Help: "Total number of transactions ever committed.",
	})
	latestTxnVersionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerdb_latest_transaction_version",
		Help: "Version of the most recently committed transaction.",
	})
	latestAccountCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerdb_latest_account_count",
		Help: "Live leaf count of the state tree as of the latest commit. -1 not migrated, -2 on error.",
	})
)

func init() {
	prometheus.MustRegister(
		apiLatencySeconds,
		ledgerVersionGauge,
		nextBlockEpochGauge,
		committedTxnsCounter,
		latestTxnVersionGauge,
		latestAccountCountGauge,
	)
}

// Config selects the on-disk path, open mode and pruning policy for a
// DB.
type Config struct {
	Path     string
	ReadOnly bool
	Pruner   pruner.Config
}

// DB is the facade composing every store over one shared engine
// handle, plus the pruner and property-reporter background
// goroutines.
type DB struct {
	engine *schema.Engine

	txStore     *txstore.Store
	eventStore  *eventstore.Store
	ledgerStore *ledgerstore.Store
	stateStore  *statestore.Store
	sysStore    *systemstore.Store

	pruner   *pruner.Pruner
	reporter *reporter.Reporter
}

// Open opens the engine at cfg.Path and starts the background
// goroutines. A read-only DB rejects any non-no-op pruner
// configuration, since a secondary replica must never delete data out
// from under the primary it mirrors.
func Open(cfg Config) (*DB, error) {
	if cfg.ReadOnly && !cfg.Pruner.NoOp() {
		return nil, &ledgererr.BadRange{Reason: "read-only open requires a no-op pruner config"}
	}

	mode := schema.ModePrimary
	if cfg.ReadOnly {
		mode = schema.ModeReadOnly
	}
	engine, err := schema.Open(cfg.Path, mode)
	if err != nil {
		return nil, err
	}

	db := &DB{
		engine:      engine,
		txStore:     txstore.New(engine),
		eventStore:  eventstore.New(engine),
		ledgerStore: ledgerstore.New(engine),
		stateStore:  statestore.New(engine),
		sysStore:    systemstore.New(engine),
	}
	db.pruner = pruner.New(engine, cfg.Pruner)
	go db.pruner.Run()
	db.reporter = reporter.New(engine)

	return db, nil
}

// Close stops the background goroutines and closes the engine handle.
// The two goroutine joins run concurrently since neither depends on
// the other; any errors (today neither Reporter.Close nor Pruner.Stop
// can fail, but the shape holds if that changes) are combined with the
// engine close error rather than one shadowing the other.
func (db *DB) Close() error {
	var g errgroup.Group
	g.Go(func() error { db.reporter.Close(); return nil })
	g.Go(func() error { db.pruner.Stop(); return nil })
	shutdownErr := g.Wait()
	return multierr.Append(shutdownErr, db.engine.Close())
}

// gauged runs fn, recording its latency and outcome under api_name and
// logging a warning on error, mirroring the teacher's
// gauged-API-call convention.
func gauged(apiName string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "err"
		ledgerlog.I().Warnw("ledgerdb: API call returned error", "api_name", apiName, "error", err)
	}
	apiLatencySeconds.WithLabelValues(apiName, status).Observe(time.Since(start).Seconds())
	return err
}

// SaveTransactions applies an ordered batch of already-executed
// transactions starting at firstVersion: state, then events, then
// transactions and write sets, then the transaction-info accumulator.
// If li is supplied, the resulting accumulator root must match the
// root li carries, and li becomes the new latest ledger info; li may
// be nil only when txns is non-empty (state-sync without a quorum
// certificate yet), and must otherwise claim
// li.Version+1 == firstVersion+len(txns).
func (db *DB) SaveTransactions(firstVersion ledgertypes.Version, txns []ledgertypes.TransactionToCommit, li *ledgertypes.LedgerInfoWithSignatures) error {
	return gauged("save_transactions", func() error {
		numTxns := uint64(len(txns))
		if li == nil && numTxns == 0 {
			return &ledgererr.BadRange{Reason: "txns is empty while ledger info is nil"}
		}
		if li != nil {
			claimedLast := li.LedgerInfo.Version
			if claimedLast+1 != ledgertypes.Version(uint64(firstVersion)+numTxns) {
				return &ledgererr.BadRange{Reason: "transaction batch not applicable to claimed ledger info version"}
			}
		}

		cs := changeset.New()

		newRoot, err := db.saveTransactionsImpl(firstVersion, txns, cs)
		if err != nil {
			return err
		}

		if li != nil {
			expected := accumulator.Hash(li.LedgerInfo.TransactionAccumulatorHash)
			if newRoot != expected {
				return &ledgererr.Corruption{Reason: "root hash computed from committed transactions disagrees with supplied ledger info"}
			}
			db.ledgerStore.PutLedgerInfo(*li, cs)
		}

		var counters systemstore.Counters
		var bumped bool
		if numTxns > 0 {
			lastVersion := firstVersion + ledgertypes.Version(numTxns) - 1
			counters, err = db.sysStore.BumpLedgerCounters(firstVersion, lastVersion, db.stateStore.GetLeafCount, cs)
			if err != nil {
				return err
			}
			bumped = true
		}

		if err := changeset.Commit(db.engine, changeset.Seal(cs)); err != nil {
			return err
		}

		if li != nil {
			db.ledgerStore.SetLatestLedgerInfo(*li)
			ledgerVersionGauge.Set(float64(li.LedgerInfo.Version))
			nextBlockEpochGauge.Set(float64(li.LedgerInfo.NextBlockEpoch()))
		}

		if numTxns > 0 {
			lastVersion := firstVersion + ledgertypes.Version(numTxns) - 1
			committedTxnsCounter.Add(float64(numTxns))
			latestTxnVersionGauge.Set(float64(lastVersion))
			if bumped {
				latestAccountCountGauge.Set(float64(counters.LatestAccountCount))
			}
			db.pruner.Wake(lastVersion)
		}

		return nil
	})
}

// saveTransactionsImpl stages every write for the batch into cs and
// returns the transaction accumulator root the batch produces. Order
// matters: state before events before transactions/write-sets before
// the accumulator, since later stages don't depend on earlier ones
// having been durably written yet (everything lands in the same
// ChangeSet) but the teacher's layering keeps each store's staging
// logic self-contained.
func (db *DB) saveTransactionsImpl(firstVersion ledgertypes.Version, txns []ledgertypes.TransactionToCommit, cs *changeset.ChangeSet) (accumulator.Hash, error) {
	writeSets := make([]ledgertypes.WriteSet, len(txns))
	infos := make([]ledgertypes.TransactionInfo, len(txns))
	for i, t := range txns {
		writeSets[i] = t.WriteSet
		infos[i] = t.TransactionInfo
	}

	baseRoot, err := db.baseStateRoot(firstVersion)
	if err != nil {
		return accumulator.Hash{}, err
	}
	if _, err := db.stateStore.PutValueSets(baseRoot, firstVersion, writeSets, cs); err != nil {
		return accumulator.Hash{}, err
	}

	for i, t := range txns {
		v := firstVersion + ledgertypes.Version(i)
		if _, err := db.eventStore.PutEvents(v, t.Events, cs); err != nil {
			return accumulator.Hash{}, err
		}
	}

	for i, t := range txns {
		v := firstVersion + ledgertypes.Version(i)
		db.txStore.PutTransaction(v, t.Transaction, cs)
		db.txStore.PutWriteSet(v, t.WriteSet, cs)
	}

	root, err := db.ledgerStore.PutTransactionInfos(firstVersion, infos, cs)
	if err != nil {
		return accumulator.Hash{}, err
	}
	return root, nil
}

// baseStateRoot resolves the state root immediately before
// firstVersion: the placeholder for a genesis commit, or whatever was
// last recorded otherwise.
func (db *DB) baseStateRoot(firstVersion ledgertypes.Version) (smt.Hash, error) {
	if firstVersion == 0 {
		return smt.PlaceholderHash, nil
	}
	root, ok, err := db.stateStore.GetRootHashOption(firstVersion - 1)
	if err != nil {
		return smt.Hash{}, err
	}
	if !ok {
		return smt.PlaceholderHash, nil
	}
	return root, nil
}

// TransactionWithProof is the composed result of GetTransactionWithProof.
type TransactionWithProof struct {
	Transaction     ledgertypes.Transaction
	TransactionInfo ledgertypes.TransactionInfo
	Proof           accumulator.InclusionProof
	Events          []ledgertypes.Event // nil unless fetchEvents was set
}

// GetTransactionWithProof returns the transaction committed at v along
// with its authenticated TransactionInfo, proved against ledgerVersion.
func (db *DB) GetTransactionWithProof(v, ledgerVersion ledgertypes.Version, fetchEvents bool) (TransactionWithProof, error) {
	var out TransactionWithProof
	err := gauged("get_transaction_with_proof", func() error {
		info, proof, err := db.ledgerStore.GetTransactionInfoWithProof(v, ledgerVersion)
		if err != nil {
			return err
		}
		tx, err := db.txStore.GetTransaction(v)
		if err != nil {
			return err
		}
		out = TransactionWithProof{Transaction: tx, TransactionInfo: info, Proof: proof}
		if fetchEvents {
			events, err := db.eventStore.GetEventsByVersion(v)
			if err != nil {
				return err
			}
			out.Events = events
		}
		return nil
	})
	return out, err
}

// Order selects ascending or descending sequence-number iteration for
// GetEventsWithProofByEventKey.
type Order int

const (
	Ascending Order = iota
	Descending
)

// LatestSeqNum is the sentinel cursor meaning "the newest event this
// key has emitted", valid only with Descending order.
const LatestSeqNum = ^uint64(0)

// KeyedEventWithProof pairs one event with its accumulator inclusion
// proof at the version it was emitted.
type KeyedEventWithProof struct {
	Event ledgertypes.Event
	Seq   uint64
	Proof accumulator.InclusionProof
}

// GetEventsWithProofByEventKey returns up to limit events emitted
// under eventKey at or before ledgerVersion, ordered as requested, each
// with an inclusion proof against the event accumulator of the version
// that emitted it. cursor == LatestSeqNum with Descending order
// resolves to the key's newest emitted sequence number first. A
// descending request whose cursor lies beyond every emitted sequence
// number returns an empty result rather than an error (S4).
func (db *DB) GetEventsWithProofByEventKey(eventKey []byte, cursor uint64, order Order, limit uint64, ledgerVersion ledgertypes.Version) ([]KeyedEventWithProof, error) {
	var out []KeyedEventWithProof
	err := gauged("get_events_with_proof_by_event_key", func() error {
		if order == Descending && cursor == LatestSeqNum {
			latest, ok, err := db.eventStore.GetLatestSequenceNumber(ledgerVersion, eventKey)
			if err != nil {
				return err
			}
			if !ok {
				latest = 0
			}
			cursor = latest
		}

		firstSeq, fetchLimit, err := firstSeqNumAndLimit(order, cursor, limit)
		if err != nil {
			return err
		}

		found, err := db.eventStore.LookupEventsByKey(eventKey, firstSeq, fetchLimit, ledgerVersion)
		if err != nil {
			return err
		}

		if order == Descending && len(found) > 0 && found[len(found)-1].Seq < cursor {
			return nil
		}

		out = make([]KeyedEventWithProof, len(found))
		for i, ke := range found {
			event, proof, err := db.eventStore.GetEventWithProofByVersionAndIndex(ke.Version, ke.Index)
			if err != nil {
				return err
			}
			out[i] = KeyedEventWithProof{Event: event, Seq: ke.Seq, Proof: proof}
		}
		if order == Descending {
			for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
				out[l], out[r] = out[r], out[l]
			}
		}
		return nil
	})
	return out, err
}

// firstSeqNumAndLimit converts a (order, cursor, limit) request into an
// ascending-order (firstSeq, limit) range the index can scan directly.
func firstSeqNumAndLimit(order Order, cursor, limit uint64) (uint64, uint64, error) {
	if limit == 0 {
		return 0, 0, &ledgererr.BadRange{Reason: "limit must be > 0"}
	}
	if order == Ascending {
		return cursor, limit, nil
	}
	if limit <= cursor {
		return cursor - limit + 1, limit, nil
	}
	return 0, cursor + 1, nil
}

// StateProof bundles a ledger info with the proofs a client needs to
// verify it starting from a known version.
type StateProof struct {
	LedgerInfo       ledgertypes.LedgerInfoWithSignatures
	EpochChangeProof []ledgertypes.LedgerInfoWithSignatures
	EpochChangeMore  bool
	ConsistencyProof accumulator.ConsistencyProof
}

// GetStateProofWithLedgerInfo proves li is consistent with the
// client's knownVersion. When the epoch-change proof is truncated
// (more == true), the consistency proof is built only up to the last
// epoch-ending ledger info in that page, since the client cannot yet
// verify anything past it.
func (db *DB) GetStateProofWithLedgerInfo(knownVersion ledgertypes.Version, li ledgertypes.LedgerInfoWithSignatures) (StateProof, error) {
	var out StateProof
	err := gauged("get_state_proof_with_ledger_info", func() error {
		knownEpoch, err := db.ledgerStore.GetEpoch(knownVersion)
		if err != nil {
			return err
		}

		endEpoch := li.LedgerInfo.NextBlockEpoch()
		var changeProof []ledgertypes.LedgerInfoWithSignatures
		var more bool
		if knownEpoch < endEpoch {
			changeProof, more, err = db.ledgerStore.GetEpochEndingLedgerInfoIter(knownEpoch, endEpoch)
			if err != nil {
				return err
			}
		}

		verifiable := li
		if more {
			if len(changeProof) == 0 {
				return &ledgererr.Corruption{Reason: "epoch change proof marked more with no entries"}
			}
			verifiable = changeProof[len(changeProof)-1]
		}

		kv := knownVersion
		consistency, err := db.ledgerStore.GetConsistencyProof(&kv, verifiable.LedgerInfo.Version)
		if err != nil {
			return err
		}

		out = StateProof{
			LedgerInfo:       li,
			EpochChangeProof: changeProof,
			EpochChangeMore:  more,
			ConsistencyProof: consistency,
		}
		return nil
	})
	return out, err
}

// GetEpochEndingLedgerInfos returns epoch-ending ledger infos for
// epochs in [start, end), refusing end beyond the latest known epoch.
func (db *DB) GetEpochEndingLedgerInfos(start, end ledgertypes.Epoch) ([]ledgertypes.LedgerInfoWithSignatures, bool, error) {
	var infos []ledgertypes.LedgerInfoWithSignatures
	var more bool
	err := gauged("get_epoch_ending_ledger_infos", func() error {
		latest, ok, err := db.ledgerStore.GetLatestLedgerInfo()
		if err != nil {
			return err
		}
		if !ok {
			return &ledgererr.BadRange{Reason: "no ledger info has been committed yet"}
		}
		latestEpoch := latest.LedgerInfo.NextBlockEpoch()
		if end > latestEpoch {
			return &ledgererr.BadRange{Reason: "end epoch exceeds latest known epoch"}
		}
		infos, more, err = db.ledgerStore.GetEpochEndingLedgerInfoIter(start, end)
		return err
	})
	return infos, more, err
}

// GetValueWithProof returns the resource value at key as of version,
// along with the sparse-Merkle inclusion/exclusion proof against the
// state root at version.
func (db *DB) GetValueWithProof(key ledgertypes.ResourceKey, version ledgertypes.Version) (*ledgertypes.ResourceValue, smt.Proof, error) {
	var (
		value *ledgertypes.ResourceValue
		proof smt.Proof
	)
	err := gauged("get_value_with_proof", func() error {
		var err error
		value, proof, err = db.stateStore.GetValueWithProofByVersion(key, version)
		return err
	})
	return value, proof, err
}

// NewStateView builds a VerifiedStateView pinned at the latest
// persistent version, with overlay atop it for speculative writes not
// yet committed. An empty id is replaced with a generated one, since
// the id only ever serves as a debug tag distinguishing concurrently
// open views in logs.
func (db *DB) NewStateView(id string, overlay *stateview.Overlay) (*stateview.View, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var view *stateview.View
	err := gauged("new_state_view", func() error {
		latest, ok, err := db.ledgerStore.GetLatestLedgerInfo()
		if err != nil {
			return err
		}
		var (
			version ledgertypes.Version
			root    smt.Hash
		)
		if ok {
			version = latest.LedgerInfo.Version
			root, err = db.stateStore.GetRootHash(version)
			if err != nil {
				return err
			}
		}
		view = stateview.New(id, db.stateStore, version, ok, root, overlay)
		return nil
	})
	return view, err
}

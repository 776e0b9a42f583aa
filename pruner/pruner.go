// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package pruner runs the single background goroutine that deletes
// ledger data older than a retention window, driven by the state
// tree's stale-node index so that crash recovery never needs more than
// what is already on disk.
package pruner

import (
	"encoding/binary"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainforge/ledgerdb/ledgerlog"
	"github.com/chainforge/ledgerdb/ledgertypes"
	"github.com/chainforge/ledgerdb/schema"
)

// Config controls retention and trigger sensitivity.
type Config struct {
	// Window is how many of the most recent versions must always
	// remain servable; versions <= latest-Window are eligible for
	// deletion.
	Window uint64
	// Trigger is the minimum version gap since the last prune run
	// before a wake signal actually does work, to amortize the scan
	// cost. A Trigger of 0 prunes on every wake.
	Trigger uint64
}

// NoOp reports whether cfg disables the pruner entirely (the sentinel
// zero-value Config).
func (cfg Config) NoOp() bool { return cfg.Window == 0 && cfg.Trigger == 0 }

func staleKeyVersion(key []byte) ledgertypes.Version {
	return ledgertypes.Version(binary.BigEndian.Uint64(key[:8]))
}

var (
	prunedUpToGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerdb_pruner_pruned_up_to_version",
		Help: "Highest version the pruner has fully pruned through.",
	})
	nodesPrunedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_pruner_nodes_pruned_total",
		Help: "Total number of stale state-tree nodes deleted by the pruner.",
	})
)

func init() {
	prometheus.MustRegister(prunedUpToGauge, nodesPrunedCounter)
}

// Pruner runs in its own goroutine, woken by Wake after every commit,
// and deletes data whose version has fallen out of the retention
// window.
type Pruner struct {
	engine *schema.Engine
	cfg    Config

	wakeCh chan ledgertypes.Version
	doneCh chan struct{}

	prunedUpTo ledgertypes.Version
}

// New constructs a pruner; callers must call Run in its own goroutine
// and Stop to shut it down.
func New(engine *schema.Engine, cfg Config) *Pruner {
	return &Pruner{
		engine: engine,
		cfg:    cfg,
		wakeCh: make(chan ledgertypes.Version, 1),
		doneCh: make(chan struct{}),
	}
}

// Wake signals the pruner that latestVersion has just been committed.
// Non-blocking: if a wake is already pending, the newer version simply
// overwrites it, since only the latest version matters to the trigger
// check.
func (p *Pruner) Wake(latestVersion ledgertypes.Version) {
	select {
	case p.wakeCh <- latestVersion:
	default:
		select {
		case <-p.wakeCh:
		default:
		}
		select {
		case p.wakeCh <- latestVersion:
		default:
		}
	}
}

// Run is the pruner's goroutine body; it returns when Stop is called.
func (p *Pruner) Run() {
	defer close(p.doneCh)
	if p.cfg.NoOp() {
		return
	}
	for latest := range p.wakeCh {
		if latest < ledgertypes.Version(p.cfg.Window) {
			continue
		}
		cutoff := latest - ledgertypes.Version(p.cfg.Window)
		if uint64(cutoff-p.prunedUpTo) < p.cfg.Trigger {
			continue
		}
		if err := p.pruneUpTo(cutoff); err != nil {
			ledgerlog.I().Errorw("pruner: prune pass failed", "cutoff", cutoff, "error", err)
			continue
		}
		p.prunedUpTo = cutoff
		prunedUpToGauge.Set(float64(cutoff))
	}
}

// Stop closes the wake channel and blocks until Run has returned.
func (p *Pruner) Stop() {
	close(p.wakeCh)
	<-p.doneCh
}

// pruneUpTo deletes every entry at or below cutoff from the
// version-keyed column families, and every state-tree node named by
// the stale-node index at or below cutoff.
func (p *Pruner) pruneUpTo(cutoff ledgertypes.Version) error {
	versionKeyed := []schema.ColumnFamily{
		schema.CFTransactionByVersion,
		schema.CFTransactionInfoByVersion,
		schema.CFWriteSetByVersion,
		schema.CFEventByVersionAndIndex,
		schema.CFEventAccumulatorByVersion,
		schema.CFStateTreeRootByVersion,
	}
	for _, cf := range versionKeyed {
		if err := p.pruneVersionKeyedCF(cf, cutoff); err != nil {
			return err
		}
	}
	return p.pruneStaleStateNodes(cutoff)
}

// pruneVersionKeyedCF deletes every entry in cf whose key begins with
// a big-endian version <= cutoff. It assumes the column family's key
// starts with the 8-byte version, true of every entry in
// versionKeyed above.
func (p *Pruner) pruneVersionKeyedCF(cf schema.ColumnFamily, cutoff ledgertypes.Version) error {
	var toDelete [][]byte
	err := p.engine.Iterate(cf, nil, func(k, _ []byte) (bool, error) {
		if len(k) < 8 {
			return true, nil
		}
		v := ledgertypes.Version(binary.BigEndian.Uint64(k[:8]))
		if v > cutoff {
			return false, nil
		}
		toDelete = append(toDelete, append([]byte(nil), k...))
		return true, nil
	})
	if err != nil {
		return err
	}
	return p.deleteKeys(cf, toDelete)
}

// pruneStaleStateNodes deletes every node hash recorded as stale at a
// version <= cutoff, then removes the corresponding stale-index
// entries themselves. A node's hash may be staged stale at more than
// one version only if it is re-derived identically later (impossible
// for content-addressed hashes unless the content is genuinely
// identical, in which case deleting it once is still correct since
// both entries name the same still-unreferenced node).
func (p *Pruner) pruneStaleStateNodes(cutoff ledgertypes.Version) error {
	var indexKeys [][]byte
	var nodeHashes [][]byte
	err := p.engine.Iterate(schema.CFStaleStateTreeNodeByVersion, nil, func(k, _ []byte) (bool, error) {
		if len(k) < 40 {
			return true, nil
		}
		if staleKeyVersion(k) > cutoff {
			return false, nil
		}
		indexKeys = append(indexKeys, append([]byte(nil), k...))
		nodeHashes = append(nodeHashes, append([]byte(nil), k[8:40]...))
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := p.deleteKeys(schema.CFStateTreeNode, nodeHashes); err != nil {
		return err
	}
	nodesPrunedCounter.Add(float64(len(nodeHashes)))
	return p.deleteKeys(schema.CFStaleStateTreeNodeByVersion, indexKeys)
}

// deleteKeys writes a delete batch, retrying with exponential backoff
// a few times on a transient engine error rather than abandoning the
// whole prune pass (the next wake would otherwise have to redo the
// same work; a few short retries make that the exception, not the
// norm).
func (p *Pruner) deleteKeys(cf schema.ColumnFamily, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	batch := make(schema.WriteBatch, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, schema.Entry{CF: cf, Key: k, Value: nil})
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		return p.engine.Write(batch)
	}, backoff.WithMaxRetries(bo, 3))
}

// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package reporter runs the background goroutine that periodically
// samples engine statistics and publishes them as metrics, namespaced
// per column family.
package reporter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainforge/ledgerdb/ledgerlog"
	"github.com/chainforge/ledgerdb/schema"
)

// Interval is the sampling cadence.
const Interval = 10 * time.Second

var (
	keyCountGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerdb_cf_key_count",
		Help: "Number of keys in a column family, as last sampled by the property reporter.",
	}, []string{"cf"})
	leafPagesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerdb_cf_leaf_pages",
		Help: "Number of leaf pages backing a column family's bucket.",
	}, []string{"cf"})
	leafAllocGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerdb_cf_leaf_alloc_bytes",
		Help: "Bytes allocated to leaf pages backing a column family's bucket.",
	}, []string{"cf"})
)

func init() {
	prometheus.MustRegister(keyCountGauge, leafPagesGauge, leafAllocGauge)
}

// Reporter owns the single background goroutine that samples
// engine.Stats every Interval and republishes it as gauges, until
// Close is called.
type Reporter struct {
	engine *schema.Engine

	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts the reporter's goroutine immediately; callers must call
// Close to join it.
func New(engine *schema.Engine) *Reporter {
	r := &Reporter{
		engine: engine,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	r.sample()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Reporter) sample() {
	stats, err := r.engine.Stats()
	if err != nil {
		ledgerlog.I().Warnw("reporter: sampling engine statistics failed", "error", err)
		return
	}
	for cf, s := range stats {
		label := string(cf)
		keyCountGauge.WithLabelValues(label).Set(float64(s.KeyN))
		leafPagesGauge.WithLabelValues(label).Set(float64(s.LeafPages))
		leafAllocGauge.WithLabelValues(label).Set(float64(s.LeafAlloc))
	}
}

// Close signals the reporter's goroutine to stop and blocks until it
// has returned.
func (r *Reporter) Close() {
	close(r.stopCh)
	<-r.doneCh
}

// Package metrics exposes the server's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is the number of live client sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boopd_sessions_active",
		Help: "Number of live client sessions.",
	})

	// BoopsAdmitted counts boops accepted across all sessions.
	BoopsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_boops_admitted_total",
		Help: "Boops admitted across all sessions.",
	})

	// BoopsRejected counts boops rejected by the rate limiter.
	BoopsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_boops_rejected_total",
		Help: "Boops rejected by the rate limiter.",
	})

	// InvalidFrames counts inbound frames that matched no known pattern.
	InvalidFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_invalid_frames_total",
		Help: "Inbound frames that matched no known pattern.",
	})

	// SessionsClosed counts session terminations by close reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_sessions_closed_total",
		Help: "Session terminations by close reason.",
	}, []string{"reason"})

	// StoreSyncFailures counts failed store reconciliations by kind
	// (gbc or bph).
	StoreSyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_store_sync_failures_total",
		Help: "Failed store reconciliations by kind.",
	}, []string{"kind"})

	// JanitorEntriesRemoved counts ledger entries removed by the janitor.
	JanitorEntriesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_janitor_entries_removed_total",
		Help: "Stale or malformed ledger entries removed by the janitor.",
	})

	// JanitorSweepSeconds observes janitor sweep durations.
	JanitorSweepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boopd_janitor_sweep_seconds",
		Help:    "Duration of janitor sweeps.",
		Buckets: prometheus.DefBuckets,
	})
)

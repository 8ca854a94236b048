// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package metrics declares the process's Prometheus collectors: zone
// counts by lifecycle state, reconcile-step latency, and IP pool
// utilization. Collaborators update the package-level vars directly
// rather than going through an interface, the same flat style the
// teacher's own sandbox metrics use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zoned"

var (
	// ZoneCount is the number of zone records currently in each
	// lifecycle state, refreshed on every periodic runtime scan.
	ZoneCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "zones",
		Help:      "Zone records by lifecycle state.",
	},
		[]string{"state"},
	)

	// ReconcileDuration is how long one dispatch step of the zone
	// reconciler took, labeled by the state it dispatched from.
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Zone reconcile step latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	},
		[]string{"state"},
	)

	// ReconcileErrors counts failed reconcile steps, labeled by the
	// state that failed.
	ReconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_errors_total",
		Help:      "Zone reconcile steps that failed.",
	},
		[]string{"state"},
	)

	// IPPoolAllocated is the number of addresses currently reserved out
	// of an IPAM pool's total range.
	IPPoolAllocated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ip_pool_allocated",
		Help:      "Reserved addresses per IP pool.",
	},
		[]string{"pool"},
	)

	// IPPoolCapacity is an IPAM pool's total usable address count.
	IPPoolCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ip_pool_capacity",
		Help:      "Usable address count per IP pool.",
	},
		[]string{"pool"},
	)

	// GrantTableEntries is the number of active grant entries a domain's
	// channel backend is tracking.
	GrantTableEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "grant_table_entries",
		Help:      "Active grant table entries per domain.",
	},
		[]string{"domid"},
	)
)

// Register adds every collector to the default Prometheus registry.
// Call once at process startup.
func Register() {
	prometheus.MustRegister(ZoneCount)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(IPPoolAllocated)
	prometheus.MustRegister(IPPoolCapacity)
	prometheus.MustRegister(GrantTableEntries)
}

// ObserveReconcile records one dispatch step's latency against the
// state it ran from.
func ObserveReconcile(state string, d time.Duration) {
	ReconcileDuration.WithLabelValues(state).Observe(d.Seconds())
}

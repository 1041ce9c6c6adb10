// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package metrics holds the shared Prometheus collectors changestreamer
// exposes on its /metrics endpoint, along with the bucket and label
// definitions every latency histogram and per-subscriber counter is
// built from, so they stay consistent across packages.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// LatencyBuckets are the bucket boundaries, in seconds, used by every
// latency histogram in changestreamer.
var LatencyBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// SubscriberLabels are the labels of the per-subscriber counter
// ChangesForwarded.
var SubscriberLabels = []string{"subscriber_id", "mode"}

// TableLabels name a replicated table by schema and table. None of the
// collectors below carries them.
var TableLabels = []string{"schema", "table"}

var (
	// ChangesStored counts every change.Change durably written to
	// cdc.change_log by the Storer, labeled by its Tag.
	ChangesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changestreamer",
		Name:      "changes_stored_total",
		Help:      "Changes durably written to the change log, by tag.",
	}, []string{"tag"})

	// ChangesForwarded counts changes pushed to a live subscriber,
	// labeled the same way as SubscriberLabels.
	ChangesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changestreamer",
		Name:      "changes_forwarded_total",
		Help:      "Changes pushed to a subscriber's transport.",
	}, SubscriberLabels)

	// SubscriberCount is the number of currently registered
	// subscribers.
	SubscriberCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "changestreamer",
		Name:      "subscribers",
		Help:      "Currently registered subscribers.",
	})

	// CleanupPurgedRows counts changeLog rows deleted by a
	// backup-coordinated cleanup cycle.
	CleanupPurgedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "changestreamer",
		Name:      "cleanup_purged_rows_total",
		Help:      "changeLog rows deleted by cleanup.",
	})

	// CatchupDuration observes how long one subscriber's catch-up
	// replay took to complete.
	CatchupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "changestreamer",
		Name:      "catchup_duration_seconds",
		Help:      "Time spent replaying changeLog history to a catching-up subscriber.",
		Buckets:   LatencyBuckets,
	})
)

// MustRegister registers every collector above against reg. Called
// once at process bootstrap; a second registration attempt (e.g. in a
// test importing this package twice against the same registry) panics,
// which is the standard client_golang behavior for a duplicate
// collector.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ChangesStored, ChangesForwarded, SubscriberCount, CleanupPurgedRows, CatchupDuration)
}

// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics, registered once on the default registry and served by the
// API's /metrics endpoint.
var (
	jobsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eid",
		Subsystem: "sync",
		Name:      "jobs_settled_total",
		Help:      "Jobs reaching a settled status after a processing pass.",
	}, []string{"status"})

	targetDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eid",
		Subsystem: "sync",
		Name:      "target_dispatches_total",
		Help:      "Per-target upsert outcomes.",
	}, []string{"platform", "outcome"})

	leaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eid",
		Subsystem: "sync",
		Name:      "lease_reclaims_total",
		Help:      "Expired leases returned to the queue by the sweeper.",
	})

	processingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eid",
		Subsystem: "sync",
		Name:      "processing_seconds",
		Help:      "Wall time to process one job across all its targets.",
		Buckets:   prometheus.DefBuckets,
	})
)

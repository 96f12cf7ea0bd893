// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics registers the store's internal operation counters on
// the default prometheus registry. The embedder decides whether and
// where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeless_writes_total",
		Help: "Points accepted into write buffers.",
	})

	WritesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeless_writes_rejected_total",
		Help: "Points rejected on the write path.",
	}, []string{"reason"})

	RollupPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeless_rollup_passes_total",
		Help: "Completed rollup passes per tier.",
	}, []string{"tier"})

	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeless_retention_deletes_total",
		Help: "Segments and chunks dropped by retention.",
	}, []string{"kind"})

	CorruptionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeless_corruption_events_total",
		Help: "Corrupt segments, chunks and WAL records encountered.",
	}, []string{"kind"})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeless_queries_total",
		Help: "Queries served, by outcome.",
	}, []string{"outcome"})
)

// Package stats maintains the node's Prometheus metrics and, when enabled,
// serves them over HTTP.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package stats

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	RevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blnode_revocations_total",
		Help: "Revocations accepted into the in-memory blacklist.",
	})
	DroppedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blnode_dropped_records_total",
		Help: "Revocation records rejected by the retention window check.",
	})
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blnode_queries_total",
		Help: "Revocation lookups served, by result status.",
	}, []string{"status"})
	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blnode_rotations_total",
		Help: "Completed slice rotations.",
	})
	MasterReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blnode_master_reconnects_total",
		Help: "Reconnect attempts to the master control plane.",
	})
	LogWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blnode_log_write_errors_total",
		Help: "Failed appends to the hourly revocation log.",
	})
	SliceCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blnode_slice_count",
		Help: "Bloom filter slices in the ring.",
	})
)

// StartServer exposes /metrics on the given port. Listen failures are
// logged, not fatal - metrics are best-effort.
func StartServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("metrics listener: %v", err)
		}
	}()
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes trino-lb's Prometheus metrics: admission
// outcomes, queue depth, cluster state, and reconciliation health.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_admissions_total",
		Help: "Total admission decisions, partitioned by cluster group and outcome (admitted, queued).",
	}, []string{"group", "outcome"})

	casRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_admission_cas_retries_total",
		Help: "Total CAS mismatches observed while attempting admission, partitioned by cluster group.",
	}, []string{"group"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trino_lb_queue_depth",
		Help: "Current number of queued queries per cluster group.",
	}, []string{"group"})

	clusterCounter = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trino_lb_cluster_running_queries",
		Help: "Current admission counter value per cluster.",
	}, []string{"cluster"})

	clusterState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trino_lb_cluster_state",
		Help: "1 if the cluster is currently in the labeled state, 0 otherwise.",
	}, []string{"cluster", "state"})

	reconcileDrift = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_reconcile_counter_corrections_total",
		Help: "Total times the periodic reconciler corrected a counter drifted from Trino's own query list.",
	}, []string{"cluster"})

	explainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trino_lb_explain_duration_seconds",
		Help:    "Time spent running EXPLAIN (FORMAT JSON) for cost-based routing decisions.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(admissionsTotal, casRetriesTotal, queueDepth, clusterCounter, clusterState, reconcileDrift, explainDuration)
}

// ObserveAdmission records an admission outcome ("admitted" or "queued")
// for group.
func ObserveAdmission(group, outcome string) {
	admissionsTotal.WithLabelValues(group, outcome).Inc()
}

// ObserveCASRetry records a lost CAS race during admission for group.
func ObserveCASRetry(group string) {
	casRetriesTotal.WithLabelValues(group).Inc()
}

// SetQueueDepth reports the current number of queued queries for group.
func SetQueueDepth(group string, depth int) {
	queueDepth.WithLabelValues(group).Set(float64(depth))
}

// SetClusterCounter reports a cluster's current admission counter value.
func SetClusterCounter(cluster string, value int64) {
	clusterCounter.WithLabelValues(cluster).Set(float64(value))
}

// SetClusterState marks cluster as currently being in state, clearing every
// other known state label for it.
func SetClusterState(cluster string, states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		clusterState.WithLabelValues(cluster, s).Set(v)
	}
}

// ObserveReconcileDrift records that the periodic reconciler had to correct
// cluster's counter away from what Trino's own query list showed.
func ObserveReconcileDrift(cluster string) {
	reconcileDrift.WithLabelValues(cluster).Inc()
}

// ObserveExplainDuration records how long an EXPLAIN round trip took for
// cost-based routing.
func ObserveExplainDuration(d time.Duration) {
	explainDuration.Observe(d.Seconds())
}

// ServeMetrics starts a dedicated HTTP server exposing /metrics on addr,
// mirroring the standalone metrics endpoint pattern etalazz-vsa's churn
// telemetry uses when the caller does not already expose Prometheus
// elsewhere.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return server.ListenAndServe()
}

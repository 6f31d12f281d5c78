// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// --- Event Source Metrics ---

var (
	EventsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_events_fetched_total",
			Help: "Total number of EMS events fetched from clusters.",
		},
		[]string{"cluster"},
	)
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_fetch_errors_total",
			Help: "Total number of errors encountered while fetching EMS events.",
		},
		[]string{"cluster", "error_type"}, // connection, not_found, decode, credentials
	)
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_correlator_fetch_duration_seconds",
			Help:    "Duration of fetching one cluster's EMS log.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster"},
	)
	SkippedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_skipped_ems_records_total",
			Help: "Total number of EMS records dropped because they could not be parsed.",
		},
		[]string{"cluster"},
	)
)

// --- Correlation Metrics ---

var (
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_records_emitted_total",
			Help: "Total number of maintenance records reconstructed.",
		},
		[]string{"cluster", "status"}, // complete, incomplete
	)
	Anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_anomalies_total",
			Help: "Total number of anomalies found while correlating EMS events.",
		},
		[]string{"kind", "severity"},
	)
)

// --- Datastore Metrics ---

var (
	DatastoreUpsertAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_datastore_upsert_attempts_total",
			Help: "Total number of attempts to upsert maintenance records.",
		},
		[]string{"store"}, // sqlite, mongodb
	)
	DatastoreUpsertSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_datastore_upsert_success_total",
			Help: "Total number of successful maintenance record upserts.",
		},
		[]string{"store"},
	)
	DatastoreUpsertErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_datastore_upsert_errors_total",
			Help: "Total number of errors during maintenance record upserts.",
		},
		[]string{"store"},
	)
	RawEventsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_raw_events_stored_total",
			Help: "Total number of raw EMS events written to the raw event log.",
		},
		[]string{"cluster"},
	)
)

// --- Run Metrics ---

var (
	ClusterRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_correlator_cluster_runs_total",
			Help: "Total number of per cluster runs, partitioned by outcome.",
		},
		[]string{"outcome"}, // ok, no_events, skipped, failed
	)
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintenance_correlator_run_duration_seconds",
			Help:    "Duration of a full pass over every selected cluster.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_correlator_last_run_timestamp_seconds",
			Help: "Unix time the last pass finished.",
		},
	)
)

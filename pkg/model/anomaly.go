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

package model

import (
	"fmt"
	"time"
)

// AnomalyKind classifies a data quality finding of the correlator.
type AnomalyKind string

const (
	AnomalyIncompleteSuperseded  AnomalyKind = "incomplete_superseded"
	AnomalyIncompleteEndOfStream AnomalyKind = "incomplete_end_of_stream"
	AnomalyIncompleteClosed      AnomalyKind = "incomplete_closed"
	AnomalyOutOfOrderUpdate      AnomalyKind = "out_of_order_update"
	AnomalyOrphanUpdate          AnomalyKind = "orphan_update"
	AnomalyOrphanLifecycle       AnomalyKind = "orphan_lifecycle"
	AnomalyOrphanCompletion      AnomalyKind = "orphan_completion"
	AnomalyInvalidNotBefore      AnomalyKind = "invalid_not_before"
	AnomalyMissingEventID        AnomalyKind = "missing_event_id"
	AnomalyUnknownStatus         AnomalyKind = "unknown_status"
	AnomalyDuplicatePhase        AnomalyKind = "duplicate_phase"
	AnomalyNodeMismatch          AnomalyKind = "node_mismatch"
	AnomalyPhaseOrder            AnomalyKind = "phase_order"
)

// Severity of an anomaly.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Anomaly describes input that did not fit the expected maintenance sequence. Anomalies are
// reported, the correlator never repairs the data behind them.
type Anomaly struct {
	Kind      AnomalyKind
	Severity  Severity
	Cluster   string
	EventID   string
	Node      string
	EventName string
	Time      time.Time
	Message   string
	// Record is a snapshot of the affected record, nil when none exists.
	Record *MaintenanceRecord
}

func (a Anomaly) String() string {
	id := a.EventID
	if id == "" {
		id = "-"
	}

	return fmt.Sprintf("[%s] %s cluster=%s eventId=%s node=%s: %s",
		a.Severity, a.Kind, a.Cluster, id, a.Node, a.Message)
}

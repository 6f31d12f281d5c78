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

package correlator

import (
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	klog "k8s.io/klog/v2"
)

// Result holds everything reconstructed from one cluster's event log.
type Result struct {
	Cluster string
	// Records holds one merged record per event id.
	Records map[string]*model.MaintenanceRecord
	// Order lists event ids in the order their records were first emitted.
	Order     []string
	Anomalies []model.Anomaly
	RawLog    []model.RawLogEntry
}

// Ordered returns the records in emission order.
func (r *Result) Ordered() []*model.MaintenanceRecord {
	out := make([]*model.MaintenanceRecord, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Records[id])
	}

	return out
}

// Correlate runs every event through Step, in the given order, and flushes the record left open
// at the end. It never fails: problems in the data are returned as anomalies.
func Correlate(cluster ClusterContext, events []model.RawEvent) *Result {
	res := &Result{
		Cluster: cluster.Name,
		Records: make(map[string]*model.MaintenanceRecord),
		RawLog:  make([]model.RawLogEntry, 0, len(events)),
	}

	state := State{Cluster: cluster}

	for _, ev := range events {
		var step StepResult

		state, step = Step(state, ev)

		klog.V(3).Infof("Cluster %s event %d %s on %s -> eventId %q", cluster.Name, ev.Index, ev.Name, ev.Node,
			step.Raw.EventID)

		res.RawLog = append(res.RawLog, step.Raw)
		res.collect(step)
	}

	_, step := Flush(state)
	res.collect(step)

	return res
}

func (r *Result) collect(step StepResult) {
	for _, a := range step.Anomalies {
		logAnomaly(a)
	}

	r.Anomalies = append(r.Anomalies, step.Anomalies...)

	rec := step.Emitted
	if rec == nil {
		return
	}

	klog.V(2).Infof("Cluster %s emitted maintenance record %s for node %s (complete=%t)",
		r.Cluster, rec.EventID, rec.Node, rec.Complete())

	if existing, ok := r.Records[rec.EventID]; ok {
		existing.Merge(rec)
		return
	}

	r.Records[rec.EventID] = rec
	r.Order = append(r.Order, rec.EventID)
}

func logAnomaly(a model.Anomaly) {
	metrics.Anomalies.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()

	if a.Severity == model.SeverityError {
		klog.ErrorS(nil, a.Message, "kind", a.Kind, "cluster", a.Cluster, "eventId", a.EventID,
			"node", a.Node, "emsEvent", a.EventName, "time", a.Time)

		return
	}

	klog.Warningf("Cluster %s eventId %q: %s (%s, %s at %s)", a.Cluster, a.EventID, a.Message, a.Kind,
		a.EventName, a.Time)
}

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
	"fmt"
	"strings"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

// ClusterContext is what the correlator knows about the cluster producing the events.
type ClusterContext struct {
	Name string
	HA   bool
}

// State is the correlator state between two events. Open is the maintenance record currently
// being built, nil when none.
type State struct {
	Cluster ClusterContext
	Open    *model.MaintenanceRecord
}

// StepResult is the outcome of feeding one event to Step.
type StepResult struct {
	// Emitted is the record closed by this event, if any.
	Emitted   *model.MaintenanceRecord
	Anomalies []model.Anomaly
	// Raw is the raw log row for the event, tagged with the event id it belongs to.
	Raw model.RawLogEntry
}

// Step folds one EMS event into the correlator state. It never mutates the record held by
// state, so callers may keep earlier states around.
func Step(state State, ev model.RawEvent) (State, StepResult) {
	s := stepper{
		cluster: state.Cluster,
		open:    state.Open.Clone(),
		ev:      ev,
	}

	openID := ""
	if s.open != nil {
		openID = s.open.EventID
	}

	r, phase := classify(ev.Name)
	switch r {
	case routeScheduled:
		s.scheduled()
	case routeUpdate:
		s.update()
	case routeLifecycle:
		s.lifecycle(phase)
	case routeTerminal:
		s.terminal()
	case routeNone:
	}

	// the terminal event belongs to the record it closes
	tag := ""
	if s.open != nil {
		tag = s.open.EventID
	} else if r == routeTerminal {
		tag = openID
	}

	res := StepResult{
		Emitted:   s.emitted,
		Anomalies: s.anomalies,
		Raw:       model.NewRawLogEntry(state.Cluster.Name, tag, ev),
	}

	return State{Cluster: state.Cluster, Open: s.open}, res
}

// Flush closes the open record at end of stream.
func Flush(state State) (State, StepResult) {
	s := stepper{cluster: state.Cluster, open: state.Open.Clone()}
	if s.open != nil {
		s.emit(model.AnomalyIncompleteEndOfStream, "maintenance record left open at end of event log")
	}

	return State{Cluster: state.Cluster}, StepResult{Emitted: s.emitted, Anomalies: s.anomalies}
}

type stepper struct {
	cluster   ClusterContext
	open      *model.MaintenanceRecord
	ev        model.RawEvent
	emitted   *model.MaintenanceRecord
	anomalies []model.Anomaly
}

func (s *stepper) param(name string) string {
	v, _ := s.ev.Param(name)
	return strings.TrimSpace(v)
}

func (s *stepper) anomaly(kind model.AnomalyKind, sev model.Severity, rec *model.MaintenanceRecord,
	format string, args ...any) {
	a := model.Anomaly{
		Kind:      kind,
		Severity:  sev,
		Cluster:   s.cluster.Name,
		Node:      s.ev.Node,
		EventName: s.ev.Name,
		Time:      s.ev.Time,
		Message:   fmt.Sprintf(format, args...),
	}

	if rec == nil {
		a.EventID = s.param(ParamEventID)
	} else {
		a.EventID = rec.EventID
		a.Record = rec.Clone()

		if a.Node == "" {
			a.Node = rec.Node
		}
	}

	s.anomalies = append(s.anomalies, a)
}

// emit closes the open record. An incomplete record is reported as kind.
func (s *stepper) emit(kind model.AnomalyKind, reason string) {
	rec := s.open
	s.open = nil

	if !rec.Complete() {
		s.anomaly(kind, model.SeverityError, rec, "%s, missing phases: %s", reason, phaseList(rec.Missing()))
	}

	for _, v := range CheckOrdering(rec) {
		s.anomaly(model.AnomalyPhaseOrder, model.SeverityWarning, rec, "%s", v)
	}

	s.emitted = rec
}

func (s *stepper) newRecord(id string) *model.MaintenanceRecord {
	node := s.param(ParamNode)
	if node == "" {
		node = s.ev.Node
	}

	return &model.MaintenanceRecord{
		EventID: id,
		Cluster: s.cluster.Name,
		Node:    node,
		Type:    s.param(ParamEventType),
		HA:      s.cluster.HA,
	}
}

func (s *stepper) setPhase(p model.Phase) {
	if prev := s.open.PhaseTime(p); prev != nil && !prev.Equal(s.ev.Time) {
		s.anomaly(model.AnomalyDuplicatePhase, model.SeverityWarning, s.open,
			"%s seen again, replacing %s with %s", p, prev.Format(time.RFC3339), s.ev.Time.UTC().Format(time.RFC3339))
	}

	s.open.SetPhase(p, s.ev.Time)
}

func (s *stepper) scheduled() {
	id := s.param(ParamEventID)
	if id == "" {
		s.anomaly(model.AnomalyMissingEventID, model.SeverityError, nil, "scheduled maintenance without event id ignored")
		return
	}

	if s.open != nil {
		s.emit(model.AnomalyIncompleteSuperseded,
			fmt.Sprintf("maintenance superseded by scheduled event %s before completion", id))
	}

	s.open = s.newRecord(id)
	s.setPhase(model.PhaseScheduled)

	raw := s.param(ParamNotBeforeTime)

	nb, err := time.ParseInLocation(NotBeforeLayout, raw, time.UTC)
	if err != nil {
		s.open.Invalid = true
		s.anomaly(model.AnomalyInvalidNotBefore, model.SeverityWarning, s.open,
			"cannot parse not-before time %q", raw)

		return
	}

	s.open.NotBefore = &nb
}

func (s *stepper) update() {
	id := s.param(ParamEventID)
	status := strings.ToLower(s.param(ParamStatus))

	phase, ok := updateStatuses[status]
	if !ok {
		s.anomaly(model.AnomalyUnknownStatus, model.SeverityWarning, s.open,
			"update for %q with unknown status %q ignored", id, status)

		return
	}

	if id == "" {
		s.anomaly(model.AnomalyMissingEventID, model.SeverityError, s.open, "status update without event id ignored")
		return
	}

	switch {
	case s.open == nil:
		s.anomaly(model.AnomalyOrphanUpdate, model.SeverityWarning, nil,
			"status %s for %s without a scheduled event", status, id)
		s.open = s.newRecord(id)
	case s.open.EventID != id:
		stale := s.open
		s.anomaly(model.AnomalyOutOfOrderUpdate, model.SeverityError, stale,
			"status %s for %s while %s is open", status, id, stale.EventID)
		s.emit(model.AnomalyIncompleteSuperseded, fmt.Sprintf("maintenance superseded by update for %s", id))
		s.open = s.newRecord(id)
	}

	s.setPhase(phase)
}

func (s *stepper) lifecycle(p model.Phase) {
	if s.open == nil {
		s.anomaly(model.AnomalyOrphanLifecycle, model.SeverityWarning, nil,
			"%s outside of any maintenance dropped", p)

		return
	}

	s.checkNode(p)
	s.setPhase(p)
}

// checkNode warns when the event comes from another node than the open maintenance.
func (s *stepper) checkNode(p model.Phase) {
	if s.ev.Node != "" && s.open.Node != "" && s.ev.Node != s.open.Node {
		s.anomaly(model.AnomalyNodeMismatch, model.SeverityWarning, s.open,
			"%s reported by %s, maintenance is for %s", p, s.ev.Node, s.open.Node)
	}
}

func (s *stepper) terminal() {
	if s.open == nil {
		s.anomaly(model.AnomalyOrphanCompletion, model.SeverityError, nil,
			"giveback complete without an open maintenance dropped")

		return
	}

	s.checkNode(model.PhaseGivebackComplete)
	s.setPhase(model.PhaseGivebackComplete)
	s.emit(model.AnomalyIncompleteClosed, "maintenance closed by giveback")
}

func phaseList(phases []model.Phase) string {
	labels := make([]string, 0, len(phases))
	for _, p := range phases {
		labels = append(labels, p.String())
	}

	return strings.Join(labels, ", ")
}

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
	"sort"
	"strings"
	"time"
)

// Phase identifies one observed step of a cloud provider maintenance operation.
type Phase int

const (
	PhaseScheduled Phase = iota
	PhaseStarted
	PhaseCompleted
	PhaseTakeoverComplete
	PhaseRebootStarts
	PhaseRebootComplete
	PhaseReadyForGiveback
	PhaseGivebackStarts
	PhaseGivebackComplete
)

// AllPhases lists every phase in canonical order.
var AllPhases = []Phase{
	PhaseScheduled,
	PhaseStarted,
	PhaseCompleted,
	PhaseTakeoverComplete,
	PhaseRebootStarts,
	PhaseRebootComplete,
	PhaseReadyForGiveback,
	PhaseGivebackStarts,
	PhaseGivebackComplete,
}

// SingleNodePhases are the phases a non-HA cluster is expected to report. Failover and
// failback never happen without a partner node.
var SingleNodePhases = []Phase{
	PhaseScheduled,
	PhaseStarted,
	PhaseCompleted,
}

// ColumnNotBefore is the stored name of the provider's not-before time.
const ColumnNotBefore = "az_maint_not_before"

var phaseColumns = map[Phase]string{
	PhaseScheduled:        "az_maint_scheduled",
	PhaseStarted:          "az_maint_started",
	PhaseCompleted:        "az_maint_complete",
	PhaseTakeoverComplete: "node_takeover_complete",
	PhaseRebootStarts:     "node_reboot_starts",
	PhaseRebootComplete:   "node_reboot_complete",
	PhaseReadyForGiveback: "node_ready_for_giveback",
	PhaseGivebackStarts:   "node_giveback_starts",
	PhaseGivebackComplete: "node_giveback_complete",
}

var phaseLabels = map[Phase]string{
	PhaseScheduled:        "az maint scheduled",
	PhaseStarted:          "az maint started",
	PhaseCompleted:        "az maint complete",
	PhaseTakeoverComplete: "node takeover complete",
	PhaseRebootStarts:     "node reboot starts",
	PhaseRebootComplete:   "node reboot complete",
	PhaseReadyForGiveback: "node ready for giveback",
	PhaseGivebackStarts:   "node giveback starts",
	PhaseGivebackComplete: "node giveback complete",
}

// Column returns the persisted column / field name of the phase.
func (p Phase) Column() string {
	if c, ok := phaseColumns[p]; ok {
		return c
	}

	return fmt.Sprintf("phase_%d", int(p))
}

// String returns the human readable label used in reports.
func (p Phase) String() string {
	if l, ok := phaseLabels[p]; ok {
		return l
	}

	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase accepts a column name ("node_reboot_starts") or a label ("node reboot starts").
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for _, p := range AllPhases {
		if s == p.Column() || s == p.String() {
			return p, nil
		}
	}

	return 0, fmt.Errorf("unknown phase %q", s)
}

// IsTimeColumn reports whether column names one of the stored timestamp columns.
func IsTimeColumn(column string) bool {
	if column == ColumnNotBefore {
		return true
	}

	for _, c := range phaseColumns {
		if c == column {
			return true
		}
	}

	return false
}

// MaintenanceRecord is the reconstructed timeline of one maintenance operation, keyed by the
// provider issued event id.
type MaintenanceRecord struct {
	EventID string `json:"eventId" bson:"eventId"`
	Cluster string `json:"cluster" bson:"cluster,omitempty"`
	Node    string `json:"node" bson:"node,omitempty"`
	Type    string `json:"type" bson:"type,omitempty"`

	NotBefore        *time.Time `json:"azMaintNotBefore,omitempty" bson:"azMaintNotBefore,omitempty"`
	Scheduled        *time.Time `json:"azMaintScheduled,omitempty" bson:"azMaintScheduled,omitempty"`
	Started          *time.Time `json:"azMaintStarted,omitempty" bson:"azMaintStarted,omitempty"`
	Completed        *time.Time `json:"azMaintComplete,omitempty" bson:"azMaintComplete,omitempty"`
	TakeoverComplete *time.Time `json:"nodeTakeoverComplete,omitempty" bson:"nodeTakeoverComplete,omitempty"`
	RebootStarts     *time.Time `json:"nodeRebootStarts,omitempty" bson:"nodeRebootStarts,omitempty"`
	RebootComplete   *time.Time `json:"nodeRebootComplete,omitempty" bson:"nodeRebootComplete,omitempty"`
	ReadyForGiveback *time.Time `json:"nodeReadyForGiveback,omitempty" bson:"nodeReadyForGiveback,omitempty"`
	GivebackStarts   *time.Time `json:"nodeGivebackStarts,omitempty" bson:"nodeGivebackStarts,omitempty"`
	GivebackComplete *time.Time `json:"nodeGivebackComplete,omitempty" bson:"nodeGivebackComplete,omitempty"`

	// HA is false for single node clusters, where failover phases are not expected.
	HA bool `json:"ha" bson:"ha"`
	// Invalid is set when some input for this record could not be parsed.
	Invalid bool `json:"invalid" bson:"invalid"`

	LastUpdated time.Time `json:"lastUpdatedTimestamp" bson:"lastUpdatedTimestamp"`
}

// PhaseTime returns the timestamp recorded for p, nil when the phase was not observed.
func (r *MaintenanceRecord) PhaseTime(p Phase) *time.Time {
	if f := r.phaseField(p); f != nil {
		return *f
	}

	return nil
}

// SetPhase records t for p.
func (r *MaintenanceRecord) SetPhase(p Phase, t time.Time) {
	if f := r.phaseField(p); f != nil {
		t = t.UTC()
		*f = &t
	}
}

func (r *MaintenanceRecord) phaseField(p Phase) **time.Time {
	switch p {
	case PhaseScheduled:
		return &r.Scheduled
	case PhaseStarted:
		return &r.Started
	case PhaseCompleted:
		return &r.Completed
	case PhaseTakeoverComplete:
		return &r.TakeoverComplete
	case PhaseRebootStarts:
		return &r.RebootStarts
	case PhaseRebootComplete:
		return &r.RebootComplete
	case PhaseReadyForGiveback:
		return &r.ReadyForGiveback
	case PhaseGivebackStarts:
		return &r.GivebackStarts
	case PhaseGivebackComplete:
		return &r.GivebackComplete
	default:
		return nil
	}
}

// ApplicablePhases returns the phases a record of this topology is expected to carry.
func (r *MaintenanceRecord) ApplicablePhases() []Phase {
	if r.HA {
		return AllPhases
	}

	return SingleNodePhases
}

// Missing returns the applicable phases that have no timestamp, in canonical order.
func (r *MaintenanceRecord) Missing() []Phase {
	var missing []Phase

	for _, p := range r.ApplicablePhases() {
		if r.PhaseTime(p) == nil {
			missing = append(missing, p)
		}
	}

	return missing
}

// Complete reports whether every applicable phase was observed.
func (r *MaintenanceRecord) Complete() bool {
	return len(r.Missing()) == 0
}

// Observed returns the phases that carry a timestamp, in canonical order.
func (r *MaintenanceRecord) Observed() []Phase {
	var observed []Phase

	for _, p := range AllPhases {
		if r.PhaseTime(p) != nil {
			observed = append(observed, p)
		}
	}

	return observed
}

// PhaseStamp pairs a phase with its timestamp.
type PhaseStamp struct {
	Phase Phase
	Time  time.Time
}

// Timeline returns the observed phases sorted by time. Equal timestamps keep canonical order.
func (r *MaintenanceRecord) Timeline() []PhaseStamp {
	stamps := make([]PhaseStamp, 0, len(AllPhases))

	for _, p := range r.Observed() {
		stamps = append(stamps, PhaseStamp{Phase: p, Time: *r.PhaseTime(p)})
	}

	sort.SliceStable(stamps, func(i, j int) bool {
		return stamps[i].Time.Before(stamps[j].Time)
	})

	return stamps
}

// Merge folds other into r. Populated fields of other win, blank fields of other never clear a
// populated field of r. Invalid is sticky.
func (r *MaintenanceRecord) Merge(other *MaintenanceRecord) {
	if other == nil {
		return
	}

	if r.EventID == "" {
		r.EventID = other.EventID
	}

	mergeString(&r.Cluster, other.Cluster)
	mergeString(&r.Node, other.Node)
	mergeString(&r.Type, other.Type)

	if other.NotBefore != nil {
		r.NotBefore = copyTime(other.NotBefore)
	}

	for _, p := range AllPhases {
		if t := other.PhaseTime(p); t != nil {
			r.SetPhase(p, *t)
		}
	}

	r.HA = other.HA
	r.Invalid = r.Invalid || other.Invalid

	if other.LastUpdated.After(r.LastUpdated) {
		r.LastUpdated = other.LastUpdated
	}
}

// Clone returns a deep copy of r.
func (r *MaintenanceRecord) Clone() *MaintenanceRecord {
	if r == nil {
		return nil
	}

	c := *r
	c.NotBefore = copyTime(r.NotBefore)

	for _, p := range AllPhases {
		if f := c.phaseField(p); f != nil {
			*f = copyTime(*f)
		}
	}

	return &c
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

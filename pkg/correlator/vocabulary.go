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
	"sort"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

// EMS message names emitted by ONTAP around a cloud provider maintenance.
const (
	EventScheduled        = "vsa.scheduledEvent.scheduled"
	EventUpdate           = "vsa.scheduledEvent.update"
	EventTakeoverComplete = "sfo.takenOver.relocDone"
	EventRebootStarts     = "kern.shutdown"
	EventRebootComplete   = "mgr.boot.disk_done"
	EventReadyForGiveback = "cf.fsm.takeoverOfPartnerEnabled"
	EventGivebackStarts   = "clam.valid.config"
	EventGivebackComplete = "callhome.reboot.giveback"
	// EventLifMoved is fetched with the vocabulary but not routed to any phase.
	EventLifMoved = "vifmgr.lifmoved.nodedown"
)

// EMS parameter names carried by the vsa.scheduledEvent.* messages.
const (
	ParamEventID       = "event_id"
	ParamNode          = "node"
	ParamEventType     = "event_type"
	ParamStatus        = "status"
	ParamNotBeforeTime = "not_before_time"
)

// NotBeforeLayout is the provider not-before format, always UTC. Month and day may come without
// a leading zero.
const NotBeforeLayout = "1/2/2006 15:04:05"

type route int

const (
	routeNone route = iota
	routeScheduled
	routeUpdate
	routeLifecycle
	routeTerminal
)

var lifecyclePhases = map[string]model.Phase{
	EventTakeoverComplete: model.PhaseTakeoverComplete,
	EventRebootStarts:     model.PhaseRebootStarts,
	EventRebootComplete:   model.PhaseRebootComplete,
	EventReadyForGiveback: model.PhaseReadyForGiveback,
	EventGivebackStarts:   model.PhaseGivebackStarts,
}

var updateStatuses = map[string]model.Phase{
	"started":  model.PhaseStarted,
	"complete": model.PhaseCompleted,
}

func classify(name string) (route, model.Phase) {
	switch name {
	case EventScheduled:
		return routeScheduled, model.PhaseScheduled
	case EventUpdate:
		return routeUpdate, 0
	case EventGivebackComplete:
		return routeTerminal, model.PhaseGivebackComplete
	}

	if p, ok := lifecyclePhases[name]; ok {
		return routeLifecycle, p
	}

	return routeNone, 0
}

// IsMaintenanceEvent reports whether name is routed to a maintenance phase.
func IsMaintenanceEvent(name string) bool {
	r, _ := classify(name)
	return r != routeNone
}

// ProviderEvents are the messages that announce a provider maintenance. A cluster without any
// of them in its log has nothing to correlate.
func ProviderEvents() []string {
	return []string{EventScheduled, EventUpdate}
}

// VocabularyEvents lists every message name worth fetching when the full log is not needed.
func VocabularyEvents() []string {
	names := []string{EventScheduled, EventUpdate, EventGivebackComplete, EventLifMoved}
	for n := range lifecyclePhases {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

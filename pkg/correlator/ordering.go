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

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

// providerChain and nodeChain are the happens-before orders of a maintenance. The provider's
// started/complete notifications are not ordered against node failover, they only follow
// the schedule.
var (
	providerChain = []model.Phase{
		model.PhaseScheduled,
		model.PhaseStarted,
		model.PhaseCompleted,
	}
	nodeChain = []model.Phase{
		model.PhaseScheduled,
		model.PhaseTakeoverComplete,
		model.PhaseRebootStarts,
		model.PhaseRebootComplete,
		model.PhaseReadyForGiveback,
		model.PhaseGivebackStarts,
		model.PhaseGivebackComplete,
	}
)

// OrderViolation is a phase recorded before a phase that must precede it.
type OrderViolation struct {
	Earlier model.Phase
	Later   model.Phase
}

func (v OrderViolation) String() string {
	return fmt.Sprintf("%s recorded before %s", v.Later, v.Earlier)
}

// CheckOrdering returns every place where rec breaks a happens-before chain. Unpopulated
// phases are skipped, each populated phase is compared with the nearest populated predecessor.
func CheckOrdering(rec *model.MaintenanceRecord) []OrderViolation {
	if rec == nil {
		return nil
	}

	violations := checkChain(rec, providerChain)

	return append(violations, checkChain(rec, nodeChain)...)
}

func checkChain(rec *model.MaintenanceRecord, chain []model.Phase) []OrderViolation {
	var (
		violations []OrderViolation
		prev       model.Phase
		havePrev   bool
	)

	for _, p := range chain {
		t := rec.PhaseTime(p)
		if t == nil {
			continue
		}

		if havePrev && t.Before(*rec.PhaseTime(prev)) {
			violations = append(violations, OrderViolation{Earlier: prev, Later: p})
		}

		prev, havePrev = p, true
	}

	return violations
}

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
	"math/rand"
	"testing"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	haCluster     = ClusterContext{Name: "cvo-ha", HA: true}
	singleCluster = ClusterContext{Name: "cvo-single", HA: false}
	t0            = time.Date(2025, 2, 18, 22, 42, 35, 0, time.UTC)
)

// eventStream builds events one minute apart with increasing EMS indexes.
type eventStream struct {
	next  time.Time
	index int64
	node  string
}

func newStream() *eventStream {
	return &eventStream{next: t0, index: 1875700, node: "cvo-ha-02"}
}

func (s *eventStream) ev(name string, params ...model.Parameter) model.RawEvent {
	ev := model.RawEvent{
		Index:      s.index,
		Time:       s.next,
		Node:       s.node,
		Name:       name,
		Severity:   "notice",
		Message:    name + ": test message",
		Parameters: params,
	}

	s.index++
	s.next = s.next.Add(time.Minute)

	return ev
}

func p(name, value string) model.Parameter {
	return model.Parameter{Name: name, Value: value}
}

func (s *eventStream) scheduled(id, notBefore string) model.RawEvent {
	return s.ev(EventScheduled,
		p(ParamNode, s.node), p(ParamEventID, id), p(ParamEventType, "freeze"), p(ParamNotBeforeTime, notBefore))
}

func (s *eventStream) update(id, status string) model.RawEvent {
	return s.ev(EventUpdate,
		p("detail", "status update"), p(ParamNode, s.node), p(ParamEventID, id), p(ParamEventType, "freeze"),
		p(ParamStatus, status))
}

func (s *eventStream) fullMaintenance(id string) []model.RawEvent {
	return []model.RawEvent{
		s.scheduled(id, "02/18/2025 22:56:56"),
		s.update(id, "started"),
		s.ev(EventTakeoverComplete),
		s.ev(EventRebootStarts),
		s.ev(EventRebootComplete),
		s.ev(EventReadyForGiveback),
		s.ev(EventGivebackStarts),
		s.update(id, "complete"),
		s.ev(EventGivebackComplete),
	}
}

func kinds(anomalies []model.Anomaly) []model.AnomalyKind {
	out := make([]model.AnomalyKind, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Kind)
	}

	return out
}

func TestFullMaintenanceProducesOneCompleteRecord(t *testing.T) {
	s := newStream()
	res := Correlate(haCluster, s.fullMaintenance("A"))

	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Anomalies)

	rec := res.Records["A"]
	require.NotNil(t, rec)
	assert.True(t, rec.Complete())
	assert.Len(t, rec.Observed(), 9)
	assert.Equal(t, "cvo-ha-02", rec.Node)
	assert.Equal(t, "freeze", rec.Type)
	assert.Equal(t, "cvo-ha", rec.Cluster)
	assert.False(t, rec.Invalid)
	require.NotNil(t, rec.NotBefore)
	assert.Equal(t, time.Date(2025, 2, 18, 22, 56, 56, 0, time.UTC), *rec.NotBefore)

	tl := rec.Timeline()
	for i := 1; i < len(tl); i++ {
		assert.False(t, tl[i].Time.Before(tl[i-1].Time))
	}

	assert.Empty(t, CheckOrdering(rec))
}

func TestObservedProductionOrder(t *testing.T) {
	// takeover and reboot happen before the provider reports the maintenance as started
	s := newStream()
	events := []model.RawEvent{
		s.scheduled("CC5E4432", "2/18/2025 22:56:56"),
		s.ev(EventTakeoverComplete),
		s.ev(EventRebootStarts),
		s.ev(EventRebootComplete),
		s.ev(EventReadyForGiveback),
		s.update("CC5E4432", "started"),
		s.update("CC5E4432", "complete"),
		s.ev(EventGivebackStarts),
		s.ev(EventGivebackComplete),
	}

	res := Correlate(haCluster, events)
	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Anomalies)
	assert.True(t, res.Records["CC5E4432"].Complete())
}

func TestScheduledSupersedesOpenRecord(t *testing.T) {
	s := newStream()
	a := s.scheduled("A", "02/18/2025 22:56:56")
	b := s.scheduled("B", "02/18/2025 23:56:56")

	state := State{Cluster: haCluster}
	state, res := Step(state, a)
	assert.Nil(t, res.Emitted)
	require.NotNil(t, state.Open)
	assert.Equal(t, "A", state.Open.EventID)

	state, res = Step(state, b)
	require.NotNil(t, res.Emitted)
	assert.Equal(t, "A", res.Emitted.EventID)
	require.NotNil(t, state.Open)
	assert.Equal(t, "B", state.Open.EventID)
	assert.Equal(t, []model.AnomalyKind{model.AnomalyIncompleteSuperseded}, kinds(res.Anomalies))
	assert.Equal(t, model.SeverityError, res.Anomalies[0].Severity)
	assert.Equal(t, "A", res.Anomalies[0].EventID)

	full := Correlate(haCluster, []model.RawEvent{a, b})
	assert.Equal(t, []string{"A", "B"}, full.Order)
	assert.Equal(t, []model.AnomalyKind{
		model.AnomalyIncompleteSuperseded,
		model.AnomalyIncompleteEndOfStream,
	}, kinds(full.Anomalies))
}

func TestOrphanCompletionIsDropped(t *testing.T) {
	s := newStream()
	res := Correlate(haCluster, []model.RawEvent{s.ev(EventGivebackComplete)})

	assert.Empty(t, res.Records)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.AnomalyOrphanCompletion, res.Anomalies[0].Kind)
	assert.Equal(t, model.SeverityError, res.Anomalies[0].Severity)
	require.Len(t, res.RawLog, 1)
	assert.Equal(t, "", res.RawLog[0].EventID)
}

func TestAnomaliesAreCounted(t *testing.T) {
	counter := metrics.Anomalies.WithLabelValues(string(model.AnomalyOrphanCompletion), string(model.SeverityError))
	before := testutil.ToFloat64(counter)

	s := newStream()
	res := Correlate(haCluster, []model.RawEvent{s.ev(EventGivebackComplete), s.ev(EventGivebackComplete)})

	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Positive(t, testutil.CollectAndCount(metrics.Anomalies))
}

func TestInvalidNotBeforeStillOpensRecord(t *testing.T) {
	s := newStream()
	events := []model.RawEvent{
		s.scheduled("A", "not-a-date"),
		s.update("A", "started"),
		s.ev(EventTakeoverComplete),
		s.ev(EventGivebackComplete),
	}

	res := Correlate(haCluster, events)
	require.Len(t, res.Records, 1)

	rec := res.Records["A"]
	assert.True(t, rec.Invalid)
	assert.Nil(t, rec.NotBefore)
	assert.NotNil(t, rec.Scheduled)
	assert.NotNil(t, rec.Started)
	assert.NotNil(t, rec.TakeoverComplete)
	assert.NotNil(t, rec.GivebackComplete)
	assert.Contains(t, kinds(res.Anomalies), model.AnomalyInvalidNotBefore)
	assert.Contains(t, kinds(res.Anomalies), model.AnomalyIncompleteClosed)
}

func TestNotBeforeFormats(t *testing.T) {
	want := time.Date(2025, 2, 8, 2, 6, 5, 0, time.UTC)

	for _, in := range []string{"02/08/2025 02:06:05", "2/8/2025 02:06:05", "2/8/2025 2:06:05"} {
		got, err := time.ParseInLocation(NotBeforeLayout, in, time.UTC)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestUpdateForAnotherEventFlushesStale(t *testing.T) {
	s := newStream()
	events := []model.RawEvent{
		s.scheduled("A", "02/18/2025 22:56:56"),
		s.update("B", "started"),
		s.update("B", "complete"),
	}

	state := State{Cluster: haCluster}
	state, _ = Step(state, events[0])
	state, res := Step(state, events[1])

	require.NotNil(t, res.Emitted)
	assert.Equal(t, "A", res.Emitted.EventID)
	assert.Equal(t, model.AnomalyOutOfOrderUpdate, res.Anomalies[0].Kind)
	require.NotNil(t, state.Open)
	assert.Equal(t, "B", state.Open.EventID)
	assert.NotNil(t, state.Open.Started)
	assert.Nil(t, state.Open.Scheduled)

	full := Correlate(haCluster, events)
	assert.Equal(t, []string{"A", "B"}, full.Order)
	assert.NotNil(t, full.Records["B"].Completed)
}

func TestOrphanUpdateSeedsRecord(t *testing.T) {
	s := newStream()
	res := Correlate(singleCluster, []model.RawEvent{s.update("A", "started"), s.update("A", "complete")})

	require.Len(t, res.Records, 1)
	rec := res.Records["A"]
	assert.Equal(t, "freeze", rec.Type)
	assert.NotNil(t, rec.Started)
	assert.NotNil(t, rec.Completed)
	assert.Equal(t, []model.AnomalyKind{
		model.AnomalyOrphanUpdate,
		model.AnomalyIncompleteEndOfStream,
	}, kinds(res.Anomalies))
}

func TestOrphanUpdateAnomalyKeepsEventID(t *testing.T) {
	s := newStream()
	_, res := Step(State{Cluster: haCluster}, s.update("CC5E4432", "started"))

	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, model.AnomalyOrphanUpdate, a.Kind)
	assert.Equal(t, "CC5E4432", a.EventID)
	assert.Nil(t, a.Record)
	assert.Contains(t, a.String(), "eventId=CC5E4432")
}

func TestUnknownStatusIgnored(t *testing.T) {
	s := newStream()
	state, _ := Step(State{Cluster: haCluster}, s.scheduled("A", "02/18/2025 22:56:56"))
	state, res := Step(state, s.update("A", "paused"))

	assert.Nil(t, res.Emitted)
	assert.Equal(t, []model.AnomalyKind{model.AnomalyUnknownStatus}, kinds(res.Anomalies))
	assert.Equal(t, []model.Phase{model.PhaseScheduled}, state.Open.Observed())
}

func TestLifecycleWithoutOpenRecordDropped(t *testing.T) {
	s := newStream()
	res := Correlate(haCluster, []model.RawEvent{s.ev(EventRebootStarts), s.ev("wafl.vvol.offline")})

	assert.Empty(t, res.Records)
	assert.Equal(t, []model.AnomalyKind{model.AnomalyOrphanLifecycle}, kinds(res.Anomalies))
	assert.Len(t, res.RawLog, 2)
}

func TestLifecycleOnOtherNodeStillAttached(t *testing.T) {
	s := newStream()
	state, _ := Step(State{Cluster: haCluster}, s.scheduled("A", "02/18/2025 22:56:56"))

	s.node = "cvo-ha-01"
	state, res := Step(state, s.ev(EventTakeoverComplete))

	assert.Equal(t, []model.AnomalyKind{model.AnomalyNodeMismatch}, kinds(res.Anomalies))
	assert.NotNil(t, state.Open.TakeoverComplete)
	assert.Equal(t, "cvo-ha-02", state.Open.Node)
}

func TestGivebackOnOtherNodeStillCloses(t *testing.T) {
	s := newStream()
	state, _ := Step(State{Cluster: haCluster}, s.scheduled("A", "02/18/2025 22:56:56"))

	s.node = "cvo-ha-01"
	state, res := Step(state, s.ev(EventGivebackComplete))

	assert.Nil(t, state.Open)
	require.NotNil(t, res.Emitted)
	assert.NotNil(t, res.Emitted.GivebackComplete)
	assert.Equal(t, model.AnomalyNodeMismatch, res.Anomalies[0].Kind)
	assert.Equal(t, "A", res.Anomalies[0].EventID)
	assert.Contains(t, kinds(res.Anomalies), model.AnomalyIncompleteClosed)
}

func TestDuplicatePhaseLatestWins(t *testing.T) {
	s := newStream()
	state, _ := Step(State{Cluster: haCluster}, s.scheduled("A", "02/18/2025 22:56:56"))
	state, _ = Step(state, s.ev(EventRebootStarts))

	second := s.ev(EventRebootStarts)
	state, res := Step(state, second)

	assert.Equal(t, []model.AnomalyKind{model.AnomalyDuplicatePhase}, kinds(res.Anomalies))
	assert.Equal(t, second.Time, *state.Open.RebootStarts)
}

func TestScheduledWithoutEventIDIgnored(t *testing.T) {
	s := newStream()
	res := Correlate(haCluster, []model.RawEvent{s.ev(EventScheduled, p(ParamNode, "n1"))})

	assert.Empty(t, res.Records)
	assert.Equal(t, []model.AnomalyKind{model.AnomalyMissingEventID}, kinds(res.Anomalies))
}

func TestSingleNodeCompleteHasNoAnomaly(t *testing.T) {
	s := newStream()
	events := []model.RawEvent{
		s.scheduled("A", "02/18/2025 22:56:56"),
		s.update("A", "started"),
		s.update("A", "complete"),
		s.scheduled("B", "02/18/2025 23:56:56"),
		s.update("B", "started"),
		s.update("B", "complete"),
	}

	res := Correlate(singleCluster, events)
	assert.Empty(t, res.Anomalies)
	require.Len(t, res.Records, 2)
	assert.True(t, res.Records["A"].Complete())
	assert.True(t, res.Records["B"].Complete())
	assert.False(t, res.Records["A"].HA)

	// the same events on an HA cluster miss every node phase
	ha := Correlate(haCluster, events)
	assert.Equal(t, []model.AnomalyKind{
		model.AnomalyIncompleteSuperseded,
		model.AnomalyIncompleteEndOfStream,
	}, kinds(ha.Anomalies))
}

func TestPhaseOrderViolationReported(t *testing.T) {
	s := newStream()
	sched := s.scheduled("A", "02/18/2025 22:56:56")
	// reboot is stamped before the takeover it follows
	reboot := s.ev(EventRebootStarts)
	takeover := s.ev(EventTakeoverComplete)

	res := Correlate(haCluster, []model.RawEvent{sched, takeover, reboot})

	require.Contains(t, kinds(res.Anomalies), model.AnomalyPhaseOrder)
	assert.Equal(t, []OrderViolation{{Earlier: model.PhaseTakeoverComplete, Later: model.PhaseRebootStarts}},
		CheckOrdering(res.Records["A"]))
}

func TestCheckOrderingSkipsMissingPhases(t *testing.T) {
	rec := &model.MaintenanceRecord{EventID: "A", HA: true}
	rec.SetPhase(model.PhaseScheduled, t0)
	rec.SetPhase(model.PhaseGivebackComplete, t0.Add(-time.Minute))
	rec.SetPhase(model.PhaseCompleted, t0.Add(time.Hour))

	assert.Equal(t, []OrderViolation{{Earlier: model.PhaseScheduled, Later: model.PhaseGivebackComplete}},
		CheckOrdering(rec))
	assert.Nil(t, CheckOrdering(nil))
}

func TestRawLogTagging(t *testing.T) {
	s := newStream()
	events := append([]model.RawEvent{s.ev("wafl.vvol.offline")}, s.fullMaintenance("A")...)
	events = append(events, s.ev("wafl.vvol.online"))

	res := Correlate(haCluster, events)
	require.Len(t, res.RawLog, len(events))

	assert.Equal(t, "", res.RawLog[0].EventID)
	for i := 1; i <= 9; i++ {
		assert.Equal(t, "A", res.RawLog[i].EventID, "event %d", i)
	}

	assert.Equal(t, "", res.RawLog[10].EventID)
	assert.Equal(t, "test message", res.RawLog[1].Message)
	assert.Equal(t, "cvo-ha", res.RawLog[1].Cluster)
}

func TestStepDoesNotMutateInputState(t *testing.T) {
	s := newStream()
	state, _ := Step(State{Cluster: haCluster}, s.scheduled("A", "02/18/2025 22:56:56"))
	before := state.Open.Clone()

	next, _ := Step(state, s.ev(EventTakeoverComplete))
	_, _ = Step(next, s.ev(EventGivebackComplete))

	assert.Equal(t, before, state.Open)
	assert.Nil(t, state.Open.TakeoverComplete)
	assert.NotNil(t, next.Open.TakeoverComplete)
}

// randomMaintenances builds n back to back maintenances, each with a random subset of the
// lifecycle phases, and returns the phases each one should carry.
func randomMaintenances(rng *rand.Rand, n int) ([]model.RawEvent, map[string][]model.Phase) {
	s := newStream()
	lifecycle := []struct {
		name  string
		phase model.Phase
	}{
		{EventTakeoverComplete, model.PhaseTakeoverComplete},
		{EventRebootStarts, model.PhaseRebootStarts},
		{EventRebootComplete, model.PhaseRebootComplete},
		{EventReadyForGiveback, model.PhaseReadyForGiveback},
		{EventGivebackStarts, model.PhaseGivebackStarts},
	}

	var events []model.RawEvent

	want := make(map[string][]model.Phase)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("EV-%03d", i)
		phases := map[model.Phase]bool{model.PhaseScheduled: true}

		events = append(events, s.scheduled(id, "02/18/2025 22:56:56"))
		if rng.Intn(2) == 0 {
			events = append(events, s.update(id, "started"))
			phases[model.PhaseStarted] = true
		}

		for _, l := range lifecycle {
			if rng.Intn(3) > 0 {
				events = append(events, s.ev(l.name))
				phases[l.phase] = true
			}

			if rng.Intn(4) == 0 {
				events = append(events, s.ev("wafl.noise"))
			}
		}

		if rng.Intn(2) == 0 {
			events = append(events, s.update(id, "complete"))
			phases[model.PhaseCompleted] = true
		}

		if rng.Intn(2) == 0 {
			events = append(events, s.ev(EventGivebackComplete))
			phases[model.PhaseGivebackComplete] = true
		}

		for _, ph := range model.AllPhases {
			if phases[ph] {
				want[id] = append(want[id], ph)
			}
		}
	}

	return events, want
}

func TestPropertyPopulatedPhasesMatchObserved(t *testing.T) {
	rng := rand.New(rand.NewSource(20250218))

	for round := 0; round < 50; round++ {
		events, want := randomMaintenances(rng, 1+rng.Intn(6))
		res := Correlate(haCluster, events)

		require.Len(t, res.Records, len(want), "round %d", round)

		for id, phases := range want {
			rec := res.Records[id]
			require.NotNil(t, rec, "round %d id %s", round, id)
			assert.Equal(t, phases, rec.Observed(), "round %d id %s", round, id)
			assert.Equal(t, len(phases) == 9, rec.Complete(), "round %d id %s", round, id)
		}
	}
}

func TestPropertySingleOpenRecord(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := append(VocabularyEvents(), "wafl.noise")
	ids := []string{"A", "B", "C"}

	for round := 0; round < 50; round++ {
		s := newStream()
		state := State{Cluster: haCluster}

		for i := 0; i < 40; i++ {
			var ev model.RawEvent

			switch name := names[rng.Intn(len(names))]; name {
			case EventScheduled:
				ev = s.scheduled(ids[rng.Intn(len(ids))], "02/18/2025 22:56:56")
			case EventUpdate:
				ev = s.update(ids[rng.Intn(len(ids))], []string{"started", "complete"}[rng.Intn(2)])
			default:
				ev = s.ev(name)
			}

			prev := state.Open

			var res StepResult

			state, res = Step(state, ev)

			if ev.Name == EventScheduled && prev != nil {
				require.NotNil(t, res.Emitted, "scheduled must flush the open record")
				assert.Equal(t, prev.EventID, res.Emitted.EventID)
				require.NotNil(t, state.Open)
				assert.NotSame(t, prev, state.Open)
			}

			if res.Emitted != nil && state.Open != nil {
				assert.NotSame(t, res.Emitted, state.Open)
			}
		}
	}
}

func TestVocabulary(t *testing.T) {
	for _, name := range []string{
		EventScheduled, EventUpdate, EventTakeoverComplete, EventRebootStarts, EventRebootComplete,
		EventReadyForGiveback, EventGivebackStarts, EventGivebackComplete,
	} {
		assert.True(t, IsMaintenanceEvent(name), name)
	}

	assert.False(t, IsMaintenanceEvent(EventLifMoved))
	assert.Contains(t, VocabularyEvents(), EventLifMoved)
	assert.Len(t, VocabularyEvents(), 9)
}

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

// Package report renders maintenance timelines and raw EMS logs for operators.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

const (
	separator  = "------------------------------------------------"
	timeLayout = "2006-01-02 15:04:05 MST"

	labelNotBefore = "az maint not before"
)

// Status values printed for a record.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusInvalid    = "invalid"
)

// CSVHeader is the first row of a raw event dump.
var CSVHeader = []string{"Node", "Time", "Event", "Severity", "Message"}

type timing struct {
	label string
	at    time.Time
}

// Status summarizes rec for reports. Invalid wins over incomplete.
func Status(rec *model.MaintenanceRecord) string {
	switch {
	case rec.Invalid:
		return StatusInvalid
	case !rec.Complete():
		return StatusIncomplete
	default:
		return StatusComplete
	}
}

// WriteTimeline prints one record: its identity, the observed timings sorted by time and the
// timings that were never observed.
func WriteTimeline(w io.Writer, rec *model.MaintenanceRecord) error {
	var b strings.Builder

	fmt.Fprintln(&b, separator)
	line(&b, "Event Id", rec.EventID)
	line(&b, "Node", rec.Node)
	line(&b, "Type", rec.Type)
	line(&b, "Cluster", rec.Cluster)

	timings := make([]timing, 0, len(model.AllPhases)+1)
	if rec.NotBefore != nil {
		timings = append(timings, timing{label: labelNotBefore, at: *rec.NotBefore})
	}

	for _, s := range rec.Timeline() {
		timings = append(timings, timing{label: s.Phase.String(), at: s.Time})
	}

	sort.SliceStable(timings, func(i, j int) bool {
		return timings[i].at.Before(timings[j].at)
	})

	for _, t := range timings {
		line(&b, t.label, t.at.UTC().Format(timeLayout))
	}

	var missing []string
	if rec.NotBefore == nil {
		missing = append(missing, labelNotBefore)
	}

	for _, p := range rec.Missing() {
		missing = append(missing, p.String())
	}

	if len(missing) > 0 {
		fmt.Fprintf(&b, "Times not found : %s\n", strings.Join(missing, ", "))
	}

	line(&b, "Status", Status(rec))

	_, err := io.WriteString(w, b.String())

	return err
}

// WriteTimelines prints every record in order.
func WriteTimelines(w io.Writer, recs []model.MaintenanceRecord) error {
	for i := range recs {
		if err := WriteTimeline(w, &recs[i]); err != nil {
			return err
		}
	}

	return nil
}

// WriteAnomalies prints one line per anomaly, errors first.
func WriteAnomalies(w io.Writer, anomalies []model.Anomaly) error {
	sorted := make([]model.Anomaly, len(anomalies))
	copy(sorted, anomalies)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity == model.SeverityError && sorted[j].Severity != model.SeverityError
	})

	for _, a := range sorted {
		if _, err := fmt.Fprintf(w, "%s %s\n", a.Time.UTC().Format(time.RFC3339), a); err != nil {
			return err
		}
	}

	return nil
}

// WriteRawCSV dumps raw log entries as CSV. Entries with no content at all are skipped.
func WriteRawCSV(w io.Writer, entries []model.RawLogEntry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, e := range entries {
		if e.Node == "" && e.Time.IsZero() && e.Event == "" && e.Severity == "" && e.Message == "" {
			continue
		}

		row := []string{e.Node, e.Time.UTC().Format(time.RFC3339), e.Event, e.Severity, e.Message}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

func line(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%-25s : %s\n", label, value)
}

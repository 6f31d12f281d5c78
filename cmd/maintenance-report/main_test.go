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

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/datastore"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

var t0 = time.Date(2025, 2, 18, 22, 42, 35, 0, time.UTC)

func TestWindow(t *testing.T) {
	now := t0.Add(24 * time.Hour)

	start, end, err := window("2025-02-18T00:00:00Z", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 18, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, now, end)

	_, end, err = window("2025-02-18T00:00:00Z", "2025-02-18T12:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 18, 12, 0, 0, 0, time.UTC), end)

	for _, tc := range [][2]string{
		{"", ""},
		{"yesterday", ""},
		{"2025-02-18T00:00:00Z", "tomorrow"},
		{"2025-02-18T12:00:00Z", "2025-02-18T00:00:00Z"},
	} {
		_, _, err := window(tc[0], tc[1], now)
		assert.Error(t, err, "from=%q to=%q", tc[0], tc[1])
	}
}

func seedStore(t *testing.T) *datastore.SQLiteStore {
	t.Helper()

	ctx := context.Background()

	s, err := datastore.NewSQLiteStore(ctx, t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(ctx) })

	for i, node := range []string{"cvo-east-01", "cvo-east-02"} {
		rec := &model.MaintenanceRecord{EventID: string(rune('A' + i)), Cluster: "cvo-east", Node: node, HA: true}
		rec.SetPhase(model.PhaseScheduled, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.UpsertMaintenanceEvent(ctx, rec))
	}

	require.NoError(t, s.ReplaceRawEvents(ctx, "cvo-east", "2025-02-18", "run-1", []model.RawLogEntry{
		{EventID: "A", Node: "cvo-east-01", Time: t0, Event: "vsa.scheduledEvent.scheduled", Severity: "alert",
			Message: "Cloud provider event scheduled"},
	}))

	return s
}

func TestQueryRecords(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	tests := []struct {
		name    string
		opts    options
		wantIDs []string
		wantErr bool
	}{
		{name: "by id", opts: options{eventID: "B"}, wantIDs: []string{"B"}},
		{name: "unknown id", opts: options{eventID: "Z"}},
		{name: "by node", opts: options{node: "cvo-east-01"}, wantIDs: []string{"A"}},
		{name: "by cluster", opts: options{cluster: "cvo-east"}, wantIDs: []string{"A", "B"}},
		{
			name:    "by phase window",
			opts:    options{phase: "az maint scheduled", from: "2025-02-18T23:00:00Z", to: "2025-02-19T00:00:00Z"},
			wantIDs: []string{"B"},
		},
		{name: "unknown phase", opts: options{phase: "nap", from: "2025-02-18T23:00:00Z"}, wantErr: true},
		{name: "no selector", opts: options{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := queryRecords(ctx, s, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)

			var ids []string
			for _, r := range recs {
				ids = append(ids, r.EventID)
			}

			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestDumpRaw(t *testing.T) {
	s := seedStore(t)
	out := filepath.Join(t.TempDir(), "reports", "east.csv")

	err := dumpRaw(context.Background(), s, options{rawCluster: "cvo-east", rawDate: "2025-02-18", csvOut: out})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Node,Time,Event,Severity,Message", lines[0])
	assert.Equal(t, "cvo-east-01,2025-02-18T22:42:35Z,vsa.scheduledEvent.scheduled,alert,Cloud provider event scheduled",
		lines[1])

	assert.Error(t, dumpRaw(context.Background(), s, options{rawCluster: "cvo-east", rawDate: "18/02/2025"}))
}

func TestDumpRawByNodeAndWindow(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	read := func(path string) []string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		return strings.Split(strings.TrimSpace(string(data)), "\n")
	}

	out := filepath.Join(t.TempDir(), "node.csv")
	require.NoError(t, dumpRaw(ctx, s, options{rawNode: "cvo-east-01", from: "2025-02-18T22:00:00Z", csvOut: out}))

	lines := read(out)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "cvo-east-01,2025-02-18T22:42:35Z,"))

	require.NoError(t, dumpRaw(ctx, s, options{rawNode: "cvo-east-02", csvOut: out}))
	assert.Len(t, read(out), 1)

	require.NoError(t, dumpRaw(ctx, s, options{rawCluster: "cvo-east", to: "2025-02-18T22:00:00Z", csvOut: out}))
	assert.Len(t, read(out), 1)

	err := dumpRaw(ctx, s, options{rawNode: "cvo-east-01", rawDate: "2025-02-18", csvOut: out})
	assert.Error(t, err)

	err = dumpRaw(ctx, s, options{rawNode: "cvo-east-01", from: "2025-02-19T00:00:00Z", to: "2025-02-18T00:00:00Z"})
	assert.Error(t, err)
}

func TestRawBounds(t *testing.T) {
	start, end, err := rawBounds("", "")
	require.NoError(t, err)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())

	start, end, err = rawBounds("2025-02-18T00:00:00Z", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 18, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.IsZero())

	_, _, err = rawBounds("", "soon")
	assert.Error(t, err)
}

type closeFailer struct {
	strings.Builder
	err error
}

func (c *closeFailer) Close() error { return c.err }

func TestWriteAndCloseReportsCloseError(t *testing.T) {
	entries := []model.RawLogEntry{{Node: "cvo-east-01", Time: t0, Event: "kern.shutdown"}}

	ok := &closeFailer{}
	require.NoError(t, writeAndClose(ok, entries))
	assert.Contains(t, ok.String(), "cvo-east-01,")

	diskFull := errors.New("no space left on device")
	err := writeAndClose(&closeFailer{err: diskFull}, entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
}

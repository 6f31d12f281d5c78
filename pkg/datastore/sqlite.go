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

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	klog "k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

const (
	// DefaultSQLiteFile is created in the configured db directory.
	DefaultSQLiteFile = "azevents.db"
	sqliteStoreName   = "sqlite"
	// sqliteTimeLayout is fixed width so stored timestamps sort as text.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS maintenance_events (
	event_id                TEXT PRIMARY KEY,
	cluster                 TEXT,
	node                    TEXT,
	type                    TEXT,
	az_maint_not_before     TEXT,
	az_maint_scheduled      TEXT,
	az_maint_started        TEXT,
	az_maint_complete       TEXT,
	node_takeover_complete  TEXT,
	node_reboot_starts      TEXT,
	node_reboot_complete    TEXT,
	node_ready_for_giveback TEXT,
	node_giveback_starts    TEXT,
	node_giveback_complete  TEXT,
	ha                      INTEGER NOT NULL DEFAULT 1,
	invalid                 INTEGER NOT NULL DEFAULT 0,
	last_updated            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_maintenance_events_cluster_node ON maintenance_events (cluster, node);
CREATE TABLE IF NOT EXISTS ems_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster  TEXT NOT NULL,
	log_date TEXT NOT NULL,
	run_id   TEXT NOT NULL,
	event_id TEXT,
	node     TEXT,
	time     TEXT,
	event    TEXT,
	severity TEXT,
	message  TEXT
);
CREATE INDEX IF NOT EXISTS idx_ems_events_cluster_date ON ems_events (cluster, log_date);
CREATE INDEX IF NOT EXISTS idx_ems_events_node_time ON ems_events (node, time);
`

// maintenanceColumns lists the maintenance_events columns in scan order.
var maintenanceColumns = append(append([]string{"event_id", "cluster", "node", "type", model.ColumnNotBefore},
	phaseColumnNames()...), "ha", "invalid", "last_updated")

func phaseColumnNames() []string {
	cols := make([]string, 0, len(model.AllPhases))
	for _, p := range model.AllPhases {
		cols = append(cols, p.Column())
	}

	return cols
}

// SQLiteStore implements Backend on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) dir/azevents.db and ensures the schema.
func NewSQLiteStore(ctx context.Context, dir string) (*SQLiteStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sqlite store requires a database directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, DefaultSQLiteFile)

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	// a single connection serializes writers from parallel cluster runs
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema in %s: %w", path, err)
	}

	klog.Infof("SQLite store initialized at %s", path)

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Name() string {
	return sqliteStoreName
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

// UpsertMaintenanceEvent inserts rec or merges it into the stored row. NULL parameters leave
// stored columns untouched and invalid can only be raised.
func (s *SQLiteStore) UpsertMaintenanceEvent(ctx context.Context, rec *model.MaintenanceRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event passed to UpsertMaintenanceEvent (nil or empty EventID)")
	}

	rec.LastUpdated = time.Now().UTC()

	updates := make([]string, 0, len(maintenanceColumns))

	for _, col := range maintenanceColumns[1:] {
		switch col {
		case "ha", "last_updated":
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		case "invalid":
			updates = append(updates, "invalid = MAX(invalid, excluded.invalid)")
		default:
			updates = append(updates, fmt.Sprintf("%s = COALESCE(excluded.%s, %s)", col, col, col))
		}
	}

	query := fmt.Sprintf("INSERT INTO maintenance_events (%s) VALUES (%s) ON CONFLICT(event_id) DO UPDATE SET %s",
		strings.Join(maintenanceColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(maintenanceColumns)), ", "),
		strings.Join(updates, ", "))

	args := []any{rec.EventID, nullString(rec.Cluster), nullString(rec.Node), nullString(rec.Type),
		nullTime(rec.NotBefore)}
	for _, p := range model.AllPhases {
		args = append(args, nullTime(rec.PhaseTime(p)))
	}

	args = append(args, rec.HA, rec.Invalid, formatTime(rec.LastUpdated))

	return withRetry(ctx, "upsert maintenance event "+rec.EventID, func() error {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		klog.V(2).Infof("Upserted maintenance event (EventID: %s) into %s", rec.EventID, s.path)

		return nil
	})
}

func (s *SQLiteStore) GetEventByID(ctx context.Context, eventID string) (*model.MaintenanceRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, s.selectQuery("WHERE event_id = ?"), eventID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}

	return rec, true, nil
}

func (s *SQLiteStore) FindEventsByCluster(ctx context.Context, cluster string) ([]model.MaintenanceRecord, error) {
	return s.query(ctx, "WHERE cluster = ? ORDER BY az_maint_scheduled, event_id", cluster)
}

func (s *SQLiteStore) FindEventsByNode(ctx context.Context, node string) ([]model.MaintenanceRecord, error) {
	return s.query(ctx, "WHERE node = ? ORDER BY az_maint_scheduled, event_id", node)
}

func (s *SQLiteStore) FindEventsBetween(
	ctx context.Context,
	phase model.Phase,
	start, end time.Time,
) ([]model.MaintenanceRecord, error) {
	col := phase.Column()
	if !model.IsTimeColumn(col) {
		return nil, fmt.Errorf("unknown phase %d", int(phase))
	}

	where := fmt.Sprintf("WHERE %s >= ? AND %s <= ? ORDER BY %s, event_id", col, col, col)

	return s.query(ctx, where, formatTime(start), formatTime(end))
}

func (s *SQLiteStore) selectQuery(where string) string {
	return fmt.Sprintf("SELECT %s FROM maintenance_events %s", strings.Join(maintenanceColumns, ", "), where)
}

func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]model.MaintenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.selectQuery(where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance events: %w", err)
	}
	defer rows.Close()

	var out []model.MaintenanceRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode maintenance event row: %w", err)
		}

		out = append(out, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maintenance events: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.MaintenanceRecord, error) {
	var (
		rec                model.MaintenanceRecord
		cluster, node, typ sql.NullString
		notBefore, updated sql.NullString
		ha, invalid        bool
	)

	phases := make([]sql.NullString, len(model.AllPhases))

	dest := []any{&rec.EventID, &cluster, &node, &typ, &notBefore}
	for i := range phases {
		dest = append(dest, &phases[i])
	}

	dest = append(dest, &ha, &invalid, &updated)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Cluster, rec.Node, rec.Type = cluster.String, node.String, typ.String
	rec.HA, rec.Invalid = ha, invalid

	var err error

	if rec.NotBefore, err = parseNullTime(notBefore); err != nil {
		return nil, err
	}

	for i, p := range model.AllPhases {
		t, err := parseNullTime(phases[i])
		if err != nil {
			return nil, err
		}

		if t != nil {
			rec.SetPhase(p, *t)
		}
	}

	if t, err := parseNullTime(updated); err == nil && t != nil {
		rec.LastUpdated = *t
	}

	return &rec, nil
}

// ReplaceRawEvents swaps the (cluster, logDate) snapshot inside one transaction.
func (s *SQLiteStore) ReplaceRawEvents(
	ctx context.Context,
	cluster, logDate, runID string,
	entries []model.RawLogEntry,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin raw event transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM ems_events WHERE cluster = ? AND log_date = ?", cluster,
		logDate); err != nil {
		return fmt.Errorf("failed to clear raw events for %s on %s: %w", cluster, logDate, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ems_events
		(cluster, log_date, run_id, event_id, node, time, event, severity, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare raw event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, cluster, logDate, runID, e.EventID, e.Node, formatTime(e.Time), e.Event,
			e.Severity, e.Message); err != nil {
			return fmt.Errorf("failed to insert raw event for %s: %w", cluster, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit raw events for %s on %s: %w", cluster, logDate, err)
	}

	metrics.RawEventsStored.WithLabelValues(cluster).Add(float64(len(entries)))
	klog.V(1).Infof("Stored %d raw events for cluster %s (%s)", len(entries), cluster, logDate)

	return nil
}

func (s *SQLiteStore) GetRawEvents(ctx context.Context, cluster, logDate string) ([]model.RawLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, cluster, node, time, event, severity, message
		FROM ems_events WHERE cluster = ? AND log_date = ? ORDER BY id`, cluster, logDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events for %s on %s: %w", cluster, logDate, err)
	}

	return scanRawEvents(rows)
}

func (s *SQLiteStore) FindRawEvents(ctx context.Context, q RawQuery) ([]model.RawLogEntry, error) {
	var (
		where []string
		args  []any
	)

	if q.Cluster != "" {
		where = append(where, "cluster = ?")
		args = append(args, q.Cluster)
	}

	if q.Node != "" {
		where = append(where, "node = ?")
		args = append(args, q.Node)
	}

	if !q.Start.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, formatTime(q.Start))
	}

	if !q.End.IsZero() {
		where = append(where, "time <= ?")
		args = append(args, formatTime(q.End))
	}

	query := "SELECT event_id, cluster, node, time, event, severity, message FROM ems_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY time, id"

	klog.V(2).Infof("Querying raw events: %s %v", query, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events: %w", err)
	}

	return scanRawEvents(rows)
}

func scanRawEvents(rows *sql.Rows) ([]model.RawLogEntry, error) {
	defer rows.Close()

	var out []model.RawLogEntry

	for rows.Next() {
		var (
			e                         model.RawLogEntry
			eventID, node, ts, ev, sv sql.NullString
			msg                       sql.NullString
		)

		if err := rows.Scan(&eventID, &e.Cluster, &node, &ts, &ev, &sv, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode raw event row: %w", err)
		}

		e.EventID, e.Node, e.Event, e.Severity, e.Message = eventID.String, node.String, ev.String, sv.String,
			msg.String

		if t, err := parseNullTime(ts); err == nil && t != nil {
			e.Time = *t
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}

	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s.String); err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
		}
	}

	t = t.UTC()

	return &t, nil
}

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
	"fmt"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	klog "k8s.io/klog/v2"
)

const (
	maxRetries = 3
	// logDateLayout keys one raw log snapshot per cluster and day.
	logDateLayout = "2006-01-02"
)

// retryDelay is a variable so tests do not wait out real backoffs.
var retryDelay = 2 * time.Second

// Store persists maintenance records keyed by event id. Upserts merge: a field absent from the
// record never clears a stored value.
type Store interface {
	UpsertMaintenanceEvent(ctx context.Context, rec *model.MaintenanceRecord) error
	GetEventByID(ctx context.Context, eventID string) (*model.MaintenanceRecord, bool, error)
	FindEventsByCluster(ctx context.Context, cluster string) ([]model.MaintenanceRecord, error)
	FindEventsByNode(ctx context.Context, node string) ([]model.MaintenanceRecord, error)
	// FindEventsBetween returns records whose phase timestamp falls in [start, end].
	FindEventsBetween(ctx context.Context, phase model.Phase, start, end time.Time) ([]model.MaintenanceRecord, error)
}

// RawLogStore keeps the raw EMS log of each cluster, one snapshot per cluster and day.
type RawLogStore interface {
	// ReplaceRawEvents stores entries as the snapshot for (cluster, logDate). A previous
	// snapshot for the same key is replaced, a failed replace keeps it.
	ReplaceRawEvents(ctx context.Context, cluster, logDate, runID string, entries []model.RawLogEntry) error
	GetRawEvents(ctx context.Context, cluster, logDate string) ([]model.RawLogEntry, error)
	// FindRawEvents searches every stored snapshot, ordered by event time.
	FindRawEvents(ctx context.Context, q RawQuery) ([]model.RawLogEntry, error)
}

// RawQuery selects raw log rows across snapshots. Empty fields do not filter; Start and End
// bound the event time inclusively.
type RawQuery struct {
	Cluster string
	Node    string
	Start   time.Time
	End     time.Time
}

// Backend is a store for both maintenance records and raw logs.
type Backend interface {
	Store
	RawLogStore
	Name() string
	Close(ctx context.Context) error
}

// LogDate formats t as a raw log snapshot key.
func LogDate(t time.Time) string {
	return t.UTC().Format(logDateLayout)
}

// ParseLogDate validates a snapshot key given on the command line.
func ParseLogDate(s string) (string, error) {
	t, err := time.Parse(logDateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid log date %q, expected YYYY-MM-DD: %w", s, err)
	}

	return t.Format(logDateLayout), nil
}

// New opens the backend selected in the correlator settings.
func New(ctx context.Context, cfg config.CorrelatorConfig) (Backend, error) {
	switch cfg.Store {
	case config.StoreMongoDB:
		return NewMongoStore(ctx)
	case config.StoreSQLite, "":
		return NewSQLiteStore(ctx, cfg.DBDir)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

// withRetry runs op up to maxRetries times, waiting retryDelay between attempts.
func withRetry(ctx context.Context, what string, op func() error) error {
	var lastErr error

	for i := 1; i <= maxRetries; i++ {
		klog.V(3).Infof("Attempt %d to %s", i, what)

		if lastErr = op(); lastErr == nil {
			return nil
		}

		if i == maxRetries {
			break
		}

		klog.Warningf("Attempt %d failed to %s: %v; retrying in %v...", i, what, lastErr, retryDelay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled after %d attempts: %w", what, i, ctx.Err())
		case <-time.After(retryDelay):
		}
	}

	return fmt.Errorf("failed to %s after %d retries: %w", what, maxRetries, lastErr)
}

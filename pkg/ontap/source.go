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

package ontap

import (
	"context"
	"errors"
	"sort"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

var (
	// ErrConnection covers transport failures, exhausted retries and rejected logins. The cluster
	// is skipped for this run.
	ErrConnection = errors.New("cluster connection failed")
	// ErrNotFound means the cluster does not expose the requested resource.
	ErrNotFound = errors.New("resource not found")
	// ErrDecode means the cluster answered with a payload that could not be decoded.
	ErrDecode = errors.New("malformed response")
)

// Target identifies the cluster to read from.
type Target struct {
	Name        string
	Address     string
	VerifyTLS   bool
	Credentials config.Credentials
}

// NewTarget builds the target for a configured cluster.
func NewTarget(c config.ClusterInfo, creds config.Credentials) Target {
	return Target{
		Name:        c.Name,
		Address:     c.IP,
		VerifyTLS:   c.VerifyTLS,
		Credentials: creds,
	}
}

// Query narrows an event fetch.
type Query struct {
	// Names restricts the fetch to these EMS message names. Empty fetches every event.
	Names []string
	// Limit stops the fetch after this many events, 0 for no limit.
	Limit int
}

// Source reads a cluster's EMS event log.
type Source interface {
	// Events returns the matching events in ascending time order.
	Events(ctx context.Context, t Target, q Query) ([]model.RawEvent, error)
}

// HasMaintenanceEvents reports whether any of names appears in the target's log.
func HasMaintenanceEvents(ctx context.Context, src Source, t Target, names []string) (bool, error) {
	events, err := src.Events(ctx, t, Query{Names: names, Limit: 1})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return len(events) > 0, nil
}

// SortEvents orders events by time, then by EMS index.
func SortEvents(events []model.RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Time.Equal(events[j].Time) {
			return events[i].Time.Before(events[j].Time)
		}

		return events[i].Index < events[j].Index
	})
}

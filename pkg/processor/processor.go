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

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/correlator"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/datastore"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/ontap"
	"golang.org/x/sync/errgroup"
	klog "k8s.io/klog/v2"
)

// Outcome is how a single cluster's pass ended.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNoEvents Outcome = "no_events"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// CredentialResolver looks up the login for a cluster. *config.Directory implements it.
type CredentialResolver interface {
	Credentials(c config.ClusterInfo) (config.Credentials, error)
}

// ClusterResult is the outcome of one cluster's pass.
type ClusterResult struct {
	Cluster     string
	Outcome     Outcome
	Events      int
	Records     int
	Incomplete  int
	Anomalies   []model.Anomaly
	RawEvents   int
	StoreErrors int
	Err         error
}

// RunSummary collects the per cluster results of one pass.
type RunSummary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	// Clusters is in the order the clusters were passed to Run.
	Clusters []ClusterResult
}

// Err returns every cluster error of the pass, nil when there was none.
func (s *RunSummary) Err() error {
	var errs *multierror.Error

	for _, c := range s.Clusters {
		if c.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cluster %s: %w", c.Cluster, c.Err))
		}
	}

	return errs.ErrorOrNil()
}

// Count returns how many clusters ended with outcome o.
func (s *RunSummary) Count(o Outcome) int {
	n := 0

	for _, c := range s.Clusters {
		if c.Outcome == o {
			n++
		}
	}

	return n
}

// AllFailed reports whether at least one cluster ran and none of them succeeded.
func (s *RunSummary) AllFailed() bool {
	return len(s.Clusters) > 0 && s.Count(OutcomeFailed)+s.Count(OutcomeSkipped) == len(s.Clusters)
}

// Processor pulls each cluster's EMS log, correlates it and persists the result.
type Processor struct {
	creds  CredentialResolver
	cfg    config.CorrelatorConfig
	source ontap.Source
	store  datastore.Backend
	now    func() time.Time
}

func New(
	creds CredentialResolver,
	cfg config.CorrelatorConfig,
	source ontap.Source,
	store datastore.Backend,
) *Processor {
	return &Processor{
		creds:  creds,
		cfg:    cfg,
		source: source,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run processes every cluster once. Clusters run concurrently, up to the configured
// parallelism; the events of one cluster are always handled in order by a single goroutine.
// A failing cluster never stops the others.
func (p *Processor) Run(ctx context.Context, clusters []config.ClusterInfo) *RunSummary {
	summary := &RunSummary{
		RunID:    uuid.NewString(),
		Started:  p.now(),
		Clusters: make([]ClusterResult, len(clusters)),
	}

	klog.Infof("Starting run %s over %d clusters", summary.RunID, len(clusters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Parallelism, 1))

	for i, c := range clusters {
		i, c := i, c

		g.Go(func() error {
			summary.Clusters[i] = p.processCluster(gctx, summary.RunID, c)
			return nil
		})
	}

	_ = g.Wait()

	summary.Finished = p.now()

	metrics.RunDuration.Observe(summary.Finished.Sub(summary.Started).Seconds())
	metrics.LastRunTimestamp.Set(float64(summary.Finished.Unix()))

	klog.Infof("Run %s finished in %v: %d ok, %d without events, %d skipped, %d failed", summary.RunID,
		summary.Finished.Sub(summary.Started), summary.Count(OutcomeOK), summary.Count(OutcomeNoEvents),
		summary.Count(OutcomeSkipped), summary.Count(OutcomeFailed))

	return summary
}

func (p *Processor) processCluster(ctx context.Context, runID string, c config.ClusterInfo) ClusterResult {
	res := p.correlateCluster(ctx, runID, c)

	metrics.ClusterRuns.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeFailed:
		klog.Errorf("Cluster %s failed: %v", c.Name, res.Err)
	case OutcomeSkipped:
		klog.Warningf("Skipping cluster %s: %v", c.Name, res.Err)
	default:
		klog.V(1).Infof("Cluster %s: %s, %d events, %d records (%d incomplete), %d anomalies", c.Name,
			res.Outcome, res.Events, res.Records, res.Incomplete, len(res.Anomalies))
	}

	return res
}

func (p *Processor) correlateCluster(ctx context.Context, runID string, c config.ClusterInfo) ClusterResult {
	res := ClusterResult{Cluster: c.Name}

	creds, err := p.creds.Credentials(c)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(c.Name, "credentials").Inc()
		return withError(res, err)
	}

	target := ontap.NewTarget(c, creds)

	if p.cfg.Probe() {
		found, err := ontap.HasMaintenanceEvents(ctx, p.source, target, correlator.ProviderEvents())
		if err != nil {
			return withError(res, fmt.Errorf("maintenance event pre-check failed: %w", err))
		}

		if !found {
			klog.V(1).Infof("Cluster %s has no provider maintenance events", c.Name)

			res.Outcome = OutcomeNoEvents

			return res
		}
	}

	events, err := p.fetch(ctx, target)
	if err != nil {
		return withError(res, err)
	}

	res.Events = len(events)
	if len(events) == 0 {
		res.Outcome = OutcomeNoEvents
		return res
	}

	result := correlator.Correlate(correlator.ClusterContext{Name: c.Name, HA: c.HA()}, events)
	res.Anomalies = result.Anomalies

	var errs *multierror.Error

	for _, rec := range result.Ordered() {
		res.Records++

		status := "complete"
		if !rec.Complete() {
			status = "incomplete"
			res.Incomplete++
		}

		metrics.RecordsEmitted.WithLabelValues(c.Name, status).Inc()

		if err := p.upsert(ctx, rec); err != nil {
			res.StoreErrors++
			errs = multierror.Append(errs, err)
		}
	}

	logDate := datastore.LogDate(p.now())
	if err := p.store.ReplaceRawEvents(ctx, c.Name, logDate, runID, result.RawLog); err != nil {
		res.StoreErrors++
		errs = multierror.Append(errs, fmt.Errorf("failed to store raw events: %w", err))
	} else {
		res.RawEvents = len(result.RawLog)
	}

	res.Outcome = OutcomeOK

	if err := errs.ErrorOrNil(); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
	}

	return res
}

func (p *Processor) fetch(ctx context.Context, t ontap.Target) ([]model.RawEvent, error) {
	q := ontap.Query{}
	if !p.cfg.FetchAll() {
		q.Names = correlator.VocabularyEvents()
	}

	start := time.Now()
	events, err := p.source.Events(ctx, t, q)

	metrics.FetchDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	// the correlator depends on ascending time order
	ontap.SortEvents(events)

	return events, nil
}

func (p *Processor) upsert(ctx context.Context, rec *model.MaintenanceRecord) error {
	store := p.store.Name()

	metrics.DatastoreUpsertAttempts.WithLabelValues(store).Inc()

	if err := p.store.UpsertMaintenanceEvent(ctx, rec); err != nil {
		metrics.DatastoreUpsertErrors.WithLabelValues(store).Inc()
		klog.Errorf("Failed to store maintenance event %s: %v", rec.EventID, err)

		return fmt.Errorf("failed to store maintenance event %s: %w", rec.EventID, err)
	}

	metrics.DatastoreUpsertSuccess.WithLabelValues(store).Inc()
	klog.V(2).Infof("Stored maintenance event %s (node %s, complete=%t)", rec.EventID, rec.Node, rec.Complete())

	return nil
}

// withError classifies err into an outcome. Missing credentials and unreachable clusters are
// skipped, a cluster without the EMS resource has no events, everything else failed.
func withError(res ClusterResult, err error) ClusterResult {
	res.Err = err

	switch {
	case errors.Is(err, config.ErrNoCredentials), errors.Is(err, ontap.ErrConnection):
		res.Outcome = OutcomeSkipped
	case errors.Is(err, ontap.ErrNotFound):
		res.Outcome = OutcomeNoEvents
		res.Err = nil
	default:
		res.Outcome = OutcomeFailed
	}

	return res
}

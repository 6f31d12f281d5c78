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
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	klog "k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/datastore"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/ontap"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/processor"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/report"
)

const (
	defaultConfigDir   = "config"
	defaultOutputDir   = "output"
	defaultMetricsPort = "2112"
)

var (
	// These variables will be populated during the build process
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	klog.InitFlags(nil)

	configDir := flag.String("config-dir", defaultConfigDir, "Directory holding the cluster and settings TOML files.")
	filter := flag.String("filter", "", "JSON object selecting clusters, e.g. {\"env\": \"prod||dev\"}.")
	outputDir := flag.String("output-dir", defaultOutputDir, "Directory for databases and reports.")
	metricsPort := flag.String("metrics-port", defaultMetricsPort, "Port to expose Prometheus metrics on in poll mode.")
	once := flag.Bool("once", false, "Run a single pass even when a poll interval is configured.")

	flag.Parse()

	logger := textlogger.NewLogger(textlogger.NewConfig()).WithValues(
		"version", version,
		"module", "maintenance-correlator",
	)

	klog.SetLogger(logger)
	klog.InfoS("Starting maintenance-correlator", "version", version, "commit", commit, "date", date)

	os.Exit(run(*configDir, *filter, *outputDir, *metricsPort, *once))
}

func run(configDir, filter, outputDir, metricsPort string, once bool) int {
	defer klog.Flush()

	dir, err := config.Load(configDir, outputDir)
	if err != nil {
		klog.Errorf("Failed to load configuration from %s: %v", configDir, err)
		return 1
	}

	f, err := config.ParseFilter(filter)
	if err != nil {
		klog.Errorf("Invalid filter: %v", err)
		return 1
	}

	clusters := dir.SearchClusters(f)
	if len(clusters) == 0 {
		klog.Warningf("No clusters match filter %q", filter)
		return 0
	}

	klog.Infof("Selected %d of %d clusters", len(clusters), len(dir.Clusters))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := dir.Correlator

	store, err := datastore.New(ctx, cfg)
	if err != nil {
		klog.Errorf("Failed to initialize datastore: %v", err)
		return 1
	}

	defer func() {
		if err := store.Close(context.Background()); err != nil {
			klog.Errorf("Failed to close datastore: %v", err)
		}
	}()

	klog.Infof("Datastore %s initialized successfully.", store.Name())

	source := ontap.NewClient(ontap.ClientOptions{
		Timeout:    cfg.RequestTimeout(),
		RetryMax:   cfg.RetryMax,
		MaxRecords: cfg.MaxRecords,
	})

	p := processor.New(dir, cfg, source, store)

	if once || cfg.PollInterval() <= 0 {
		summary := p.Run(ctx, clusters)
		printSummary(summary)

		if summary.AllFailed() {
			klog.Errorf("Every selected cluster failed: %v", summary.Err())
			return 1
		}

		return 0
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return startMetricsServer(gctx, metricsPort)
	})

	g.Go(func() error {
		selectClusters := func() ([]config.ClusterInfo, error) { return clusters, nil }
		return p.Poll(gctx, cfg.PollInterval(), selectClusters, printSummary)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		klog.Errorf("maintenance-correlator stopped with error: %v", err)
		return 1
	}

	klog.Info("maintenance-correlator shut down completed.")

	return 0
}

func printSummary(summary *processor.RunSummary) {
	for _, c := range summary.Clusters {
		fmt.Printf("%-25s : %s (%d events, %d records, %d incomplete, %d anomalies)\n", c.Cluster, c.Outcome,
			c.Events, c.Records, c.Incomplete, len(c.Anomalies))

		if err := report.WriteAnomalies(os.Stdout, c.Anomalies); err != nil {
			klog.Errorf("Failed to print anomalies for %s: %v", c.Cluster, err)
		}
	}

	if err := summary.Err(); err != nil {
		klog.Errorf("Run %s finished with errors: %v", summary.RunID, err)
	}
}

// startMetricsServer serves Prometheus metrics until ctx is cancelled.
func startMetricsServer(ctx context.Context, port string) error {
	listenAddress := fmt.Sprintf(":%s", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         listenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Metrics server shutdown failed: %v", err)
		}
	}()

	klog.Infof("Metrics server starting to listen on %s/metrics", listenAddress)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	klog.Info("Metrics server stopped.")

	return nil
}

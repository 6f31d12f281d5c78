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
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	klog "k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/datastore"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/report"
)

const (
	defaultConfigDir = "config"
	defaultOutputDir = "output"
	defaultCSVName   = "ems_output.csv"
)

var (
	// These variables will be populated during the build process
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configDir  string
	outputDir  string
	eventID    string
	cluster    string
	node       string
	phase      string
	from       string
	to         string
	rawCluster string
	rawNode    string
	rawDate    string
	csvOut     string
}

func main() {
	klog.InitFlags(nil)

	var opts options

	flag.StringVar(&opts.configDir, "config-dir", defaultConfigDir, "Directory holding the settings TOML files.")
	flag.StringVar(&opts.outputDir, "output-dir", defaultOutputDir, "Directory holding the correlator databases.")
	flag.StringVar(&opts.eventID, "event-id", "", "Print the maintenance event with this id.")
	flag.StringVar(&opts.cluster, "cluster", "", "Print every maintenance event of this cluster.")
	flag.StringVar(&opts.node, "node", "", "Print every maintenance event of this node.")
	flag.StringVar(&opts.phase, "phase", "", "Print events whose phase falls between -from and -to.")
	flag.StringVar(&opts.from, "from", "", "Start of the -phase or raw log window, RFC3339.")
	flag.StringVar(&opts.to, "to", "", "End of the -phase or raw log window, RFC3339. Defaults to now for -phase.")
	flag.StringVar(&opts.rawCluster, "raw-cluster", "", "Dump the raw EMS log of this cluster as CSV.")
	flag.StringVar(&opts.rawNode, "raw-node", "", "Dump the raw EMS log of this node as CSV.")
	flag.StringVar(&opts.rawDate, "raw-date", "", "Raw log snapshot date, YYYY-MM-DD. Defaults to today (UTC).")
	flag.StringVar(&opts.csvOut, "csv-out", "", "CSV destination, \"-\" for stdout. Defaults to <output-dir>/"+
		defaultCSVName+".")

	flag.Parse()

	logger := textlogger.NewLogger(textlogger.NewConfig()).WithValues(
		"version", version,
		"module", "maintenance-report",
	)

	klog.SetLogger(logger)
	klog.V(1).InfoS("Starting maintenance-report", "version", version, "commit", commit, "date", date)

	os.Exit(run(opts))
}

func run(opts options) int {
	defer klog.Flush()

	dir, err := config.Load(opts.configDir, opts.outputDir)
	if err != nil {
		klog.Errorf("Failed to load configuration from %s: %v", opts.configDir, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := datastore.New(ctx, dir.Correlator)
	if err != nil {
		klog.Errorf("Failed to open datastore: %v", err)
		return 1
	}

	defer func() {
		if err := store.Close(context.Background()); err != nil {
			klog.Errorf("Failed to close datastore: %v", err)
		}
	}()

	if opts.rawCluster != "" || opts.rawNode != "" {
		err = dumpRaw(ctx, store, opts)
	} else {
		err = printRecords(ctx, store, opts)
	}

	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}

	return 0
}

func printRecords(ctx context.Context, store datastore.Store, opts options) error {
	recs, err := queryRecords(ctx, store, opts)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Println("No maintenance events found")
		return nil
	}

	return report.WriteTimelines(os.Stdout, recs)
}

func queryRecords(ctx context.Context, store datastore.Store, opts options) ([]model.MaintenanceRecord, error) {
	switch {
	case opts.eventID != "":
		rec, found, err := store.GetEventByID(ctx, opts.eventID)
		if err != nil || !found {
			return nil, err
		}

		return []model.MaintenanceRecord{*rec}, nil
	case opts.phase != "":
		phase, err := model.ParsePhase(opts.phase)
		if err != nil {
			return nil, err
		}

		start, end, err := window(opts.from, opts.to, time.Now().UTC())
		if err != nil {
			return nil, err
		}

		return store.FindEventsBetween(ctx, phase, start, end)
	case opts.node != "":
		return store.FindEventsByNode(ctx, opts.node)
	case opts.cluster != "":
		return store.FindEventsByCluster(ctx, opts.cluster)
	default:
		return nil, errors.New("one of -event-id, -phase, -node, -cluster, -raw-cluster or -raw-node is required")
	}
}

// window parses the -from/-to pair. A missing end means now.
func window(from, to string, now time.Time) (time.Time, time.Time, error) {
	if from == "" {
		return time.Time{}, time.Time{}, errors.New("-phase requires -from")
	}

	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
	}

	end := now

	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("-to %s is before -from %s", end, start)
	}

	return start, end, nil
}

// rawBounds parses an optional -from/-to pair for raw log queries.
func rawBounds(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time

	var err error

	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
		}
	}

	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
	}

	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("-to %s is before -from %s", end, start)
	}

	return start, end, nil
}

// loadRaw reads the stored snapshot of one cluster and day, or every stored raw row matching
// the node and time window when one of those is given.
func loadRaw(ctx context.Context, store datastore.RawLogStore, opts options) ([]model.RawLogEntry, string, error) {
	if opts.rawNode != "" || opts.from != "" || opts.to != "" {
		if opts.rawDate != "" {
			return nil, "", errors.New("-raw-date cannot be combined with -raw-node, -from or -to")
		}

		start, end, err := rawBounds(opts.from, opts.to)
		if err != nil {
			return nil, "", err
		}

		q := datastore.RawQuery{Cluster: opts.rawCluster, Node: opts.rawNode, Start: start, End: end}
		entries, err := store.FindRawEvents(ctx, q)

		return entries, fmt.Sprintf("cluster=%q node=%q from=%q to=%q", q.Cluster, q.Node, opts.from, opts.to), err
	}

	logDate := datastore.LogDate(time.Now())

	if opts.rawDate != "" {
		var err error
		if logDate, err = datastore.ParseLogDate(opts.rawDate); err != nil {
			return nil, "", err
		}
	}

	entries, err := store.GetRawEvents(ctx, opts.rawCluster, logDate)

	return entries, fmt.Sprintf("cluster %s on %s", opts.rawCluster, logDate), err
}

func dumpRaw(ctx context.Context, store datastore.RawLogStore, opts options) error {
	entries, desc, err := loadRaw(ctx, store, opts)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		klog.Warningf("No raw events stored for %s", desc)
	}

	if opts.csvOut == "-" {
		return report.WriteRawCSV(os.Stdout, entries)
	}

	path := opts.csvOut
	if path == "" {
		path = filepath.Join(opts.outputDir, defaultCSVName)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	klog.Infof("Writing %d raw events of %s to %s", len(entries), desc, path)

	return writeAndClose(f, entries)
}

func writeAndClose(f io.WriteCloser, entries []model.RawLogEntry) error {
	werr := report.WriteRawCSV(f, entries)

	if cerr := f.Close(); cerr != nil && werr == nil {
		return fmt.Errorf("failed to close CSV output: %w", cerr)
	}

	return werr
}

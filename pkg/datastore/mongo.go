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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	klog "k8s.io/klog/v2"
)

const (
	DefaultMongoDBCollection    = "MaintenanceEvents"
	DefaultMongoDBRawCollection = "RawEvents"
	mongoStoreName              = "mongodb"
)

var phaseFields = map[model.Phase]string{
	model.PhaseScheduled:        "azMaintScheduled",
	model.PhaseStarted:          "azMaintStarted",
	model.PhaseCompleted:        "azMaintComplete",
	model.PhaseTakeoverComplete: "nodeTakeoverComplete",
	model.PhaseRebootStarts:     "nodeRebootStarts",
	model.PhaseRebootComplete:   "nodeRebootComplete",
	model.PhaseReadyForGiveback: "nodeReadyForGiveback",
	model.PhaseGivebackStarts:   "nodeGivebackStarts",
	model.PhaseGivebackComplete: "nodeGivebackComplete",
}

// MongoConfig holds the MongoDB connection settings read from the environment.
type MongoConfig struct {
	URI                string
	Database           string
	Collection         string
	RawCollection      string
	ClientCertPath     string
	PingTimeoutSeconds int
	PingIntervalSecs   int
}

// MongoConfigFromEnv reads MONGODB_* variables.
func MongoConfigFromEnv() (MongoConfig, error) {
	var (
		cfg MongoConfig
		err error
	)

	if cfg.URI, err = config.GetEnvVar[string]("MONGODB_URI", nil, config.NonEmpty); err != nil {
		return cfg, err
	}

	if cfg.Database, err = config.GetEnvVar[string]("MONGODB_DATABASE_NAME", nil, config.NonEmpty); err != nil {
		return cfg, err
	}

	defaultCollection, defaultRaw, defaultCert := DefaultMongoDBCollection, DefaultMongoDBRawCollection, ""
	if cfg.Collection, err = config.GetEnvVar("MONGODB_MAINTENANCE_EVENT_COLLECTION_NAME", &defaultCollection,
		config.NonEmpty); err != nil {
		return cfg, err
	}

	if cfg.RawCollection, err = config.GetEnvVar("MONGODB_RAW_EVENT_COLLECTION_NAME", &defaultRaw,
		config.NonEmpty); err != nil {
		return cfg, err
	}

	if cfg.ClientCertPath, err = config.GetEnvVar("MONGODB_CLIENT_CERT_MOUNT_PATH", &defaultCert, nil); err != nil {
		return cfg, err
	}

	defaultTimeout, defaultInterval := 300, 5
	if cfg.PingTimeoutSeconds, err = config.GetEnvVar("MONGODB_PING_TIMEOUT_TOTAL_SECONDS", &defaultTimeout,
		config.Positive); err != nil {
		return cfg, err
	}

	if cfg.PingIntervalSecs, err = config.GetEnvVar("MONGODB_PING_INTERVAL_SECONDS", &defaultInterval,
		config.Positive); err != nil {
		return cfg, err
	}

	if cfg.PingIntervalSecs >= cfg.PingTimeoutSeconds {
		return cfg, fmt.Errorf("invalid ping interval value, value must be less than ping timeout")
	}

	return cfg, nil
}

// MongoStore implements Backend using MongoDB.
type MongoStore struct {
	client *mongo.Client
	events *mongo.Collection
	raw    *mongo.Collection
}

var _ Backend = (*MongoStore)(nil)

// NewMongoStore connects with the MONGODB_* environment settings and ensures the indexes.
func NewMongoStore(ctx context.Context) (*MongoStore, error) {
	cfg, err := MongoConfigFromEnv()
	if err != nil {
		return nil, err
	}

	klog.Infof("Initializing MongoDB connection to database %s, collections %s and %s",
		cfg.Database, cfg.Collection, cfg.RawCollection)

	clientOpts, err := mongoClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongoDB: %w", err)
	}

	if err := pingUntilReady(ctx, client, cfg); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	// majority read and write concerns for consistent reads after upsert
	collOpts := options.Collection().
		SetWriteConcern(writeconcern.Majority()).
		SetReadConcern(readconcern.Majority()).
		SetReadPreference(readpref.Primary())

	db := client.Database(cfg.Database)
	s := newMongoStore(client, db.Collection(cfg.Collection, collOpts), db.Collection(cfg.RawCollection, collOpts))

	s.ensureIndexes(ctx)

	klog.Infof("MongoDB store initialized successfully.")

	return s, nil
}

func newMongoStore(client *mongo.Client, events, raw *mongo.Collection) *MongoStore {
	return &MongoStore{client: client, events: events, raw: raw}
}

func mongoClientOptions(cfg MongoConfig) (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ClientCertPath == "" {
		return opts, nil
	}

	caCert, err := os.ReadFile(filepath.Join(cfg.ClientCertPath, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate to pool")
	}

	clientCert, err := tls.LoadX509KeyPair(filepath.Join(cfg.ClientCertPath, "tls.crt"),
		filepath.Join(cfg.ClientCertPath, "tls.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	credential := options.Credential{
		AuthMechanism: "MONGODB-X509",
		AuthSource:    "$external",
	}

	return opts.SetTLSConfig(tlsConfig).SetAuth(credential), nil
}

func pingUntilReady(ctx context.Context, client *mongo.Client, cfg MongoConfig) error {
	deadline := time.Now().Add(time.Duration(cfg.PingTimeoutSeconds) * time.Second)
	interval := time.Duration(cfg.PingIntervalSecs) * time.Second

	klog.Infof("Trying to ping database %s to confirm connectivity.", cfg.Database)

	for {
		var result bson.M

		err := client.Database(cfg.Database).RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Decode(&result)
		if err == nil {
			klog.Infof("Successfully pinged database %s to confirm connectivity.", cfg.Database)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("retrying ping to database %s timed out with error: %w", cfg.Database, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) {
	eventIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "eventId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_eventid"),
		},
		{
			Keys:    bson.D{bson.E{Key: "cluster", Value: 1}, bson.E{Key: "node", Value: 1}},
			Options: options.Index().SetName("cluster_node"),
		},
		{
			Keys:    bson.D{bson.E{Key: "azMaintScheduled", Value: -1}},
			Options: options.Index().SetName("scheduled_desc"),
		},
	}

	if _, err := s.events.Indexes().CreateMany(ctx, eventIndexes); err != nil {
		klog.Warningf("Failed to create indexes (they might already exist): %v", err)
	}

	rawIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "cluster", Value: 1},
				bson.E{Key: "logDate", Value: 1},
				bson.E{Key: "runId", Value: 1},
				bson.E{Key: "seq", Value: 1},
			},
			Options: options.Index().SetName("raw_cluster_date"),
		},
		{
			Keys:    bson.D{bson.E{Key: "node", Value: 1}, bson.E{Key: "time", Value: 1}},
			Options: options.Index().SetName("raw_node_time"),
		},
	}

	if _, err := s.raw.Indexes().CreateMany(ctx, rawIndexes); err != nil {
		klog.Warningf("Failed to create raw event indexes (they might already exist): %v", err)
	} else {
		klog.Info("Successfully created or ensured MongoDB indexes exist.")
	}
}

func (s *MongoStore) Name() string {
	return mongoStoreName
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}

	return s.client.Disconnect(ctx)
}

// upsertDocument builds the update for rec. Only populated fields are set, invalid is only
// ever raised.
func upsertDocument(rec *model.MaintenanceRecord) bson.D {
	set := bson.D{
		{Key: "eventId", Value: rec.EventID},
		{Key: "ha", Value: rec.HA},
		{Key: "lastUpdatedTimestamp", Value: rec.LastUpdated},
	}

	for _, f := range []bson.E{{Key: "cluster", Value: rec.Cluster}, {Key: "node", Value: rec.Node},
		{Key: "type", Value: rec.Type}} {
		if f.Value != "" {
			set = append(set, f)
		}
	}

	if rec.NotBefore != nil {
		set = append(set, bson.E{Key: "azMaintNotBefore", Value: *rec.NotBefore})
	}

	for _, p := range model.AllPhases {
		if t := rec.PhaseTime(p); t != nil {
			set = append(set, bson.E{Key: phaseFields[p], Value: *t})
		}
	}

	update := bson.D{}

	if rec.Invalid {
		set = append(set, bson.E{Key: "invalid", Value: true})
	} else {
		update = append(update, bson.E{Key: "$setOnInsert", Value: bson.D{{Key: "invalid", Value: false}}})
	}

	return append(bson.D{{Key: "$set", Value: set}}, update...)
}

// UpsertMaintenanceEvent merges rec into the document with the same eventId.
func (s *MongoStore) UpsertMaintenanceEvent(ctx context.Context, rec *model.MaintenanceRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event passed to UpsertMaintenanceEvent (nil or empty EventID)")
	}

	rec.LastUpdated = time.Now().UTC()
	filter := bson.D{{Key: "eventId", Value: rec.EventID}}
	update := upsertDocument(rec)
	opts := options.Update().SetUpsert(true)

	return withRetry(ctx, "upsert maintenance event "+rec.EventID, func() error {
		result, err := s.events.UpdateOne(ctx, filter, update, opts)
		if err != nil {
			return err
		}

		switch {
		case result.UpsertedCount > 0:
			klog.V(2).Infof("Inserted new maintenance event (EventID: %s)", rec.EventID)
		case result.ModifiedCount > 0:
			klog.V(2).Infof("Updated existing maintenance event (EventID: %s)", rec.EventID)
		default:
			klog.V(2).Infof("Matched existing maintenance event but no fields changed (EventID: %s)", rec.EventID)
		}

		return nil
	})
}

func (s *MongoStore) GetEventByID(ctx context.Context, eventID string) (*model.MaintenanceRecord, bool, error) {
	var rec model.MaintenanceRecord

	err := s.events.FindOne(ctx, bson.D{{Key: "eventId", Value: eventID}}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}

	normalizeTimes(&rec)

	return &rec, true, nil
}

func (s *MongoStore) FindEventsByCluster(ctx context.Context, cluster string) ([]model.MaintenanceRecord, error) {
	return s.find(ctx, bson.D{{Key: "cluster", Value: cluster}}, "azMaintScheduled")
}

func (s *MongoStore) FindEventsByNode(ctx context.Context, node string) ([]model.MaintenanceRecord, error) {
	return s.find(ctx, bson.D{{Key: "node", Value: node}}, "azMaintScheduled")
}

func (s *MongoStore) FindEventsBetween(
	ctx context.Context,
	phase model.Phase,
	start, end time.Time,
) ([]model.MaintenanceRecord, error) {
	field, ok := phaseFields[phase]
	if !ok {
		return nil, fmt.Errorf("unknown phase %d", int(phase))
	}

	filter := bson.D{{Key: field, Value: bson.D{
		{Key: "$gte", Value: start.UTC()},
		{Key: "$lte", Value: end.UTC()},
	}}}

	return s.find(ctx, filter, field)
}

func (s *MongoStore) find(ctx context.Context, filter bson.D, sortField string) ([]model.MaintenanceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: 1}, {Key: "eventId", Value: 1}})

	klog.V(2).Infof("Querying maintenance events with filter: %v", filter)

	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance events: %w", err)
	}

	defer cursor.Close(ctx)

	var results []model.MaintenanceRecord
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode maintenance events: %w", err)
	}

	for i := range results {
		normalizeTimes(&results[i])
	}

	return results, nil
}

func normalizeTimes(rec *model.MaintenanceRecord) {
	if rec.NotBefore != nil {
		t := rec.NotBefore.UTC()
		rec.NotBefore = &t
	}

	for _, p := range model.AllPhases {
		if t := rec.PhaseTime(p); t != nil {
			rec.SetPhase(p, *t)
		}
	}

	rec.LastUpdated = rec.LastUpdated.UTC()
}

type rawEventDocument struct {
	model.RawLogEntry `bson:",inline"`
	LogDate           string `bson:"logDate"`
	RunID             string `bson:"runId"`
	Seq               int    `bson:"seq"`
}

// ReplaceRawEvents inserts the new snapshot before deleting older runs of the same key, so a
// failed insert leaves the previous snapshot in place.
func (s *MongoStore) ReplaceRawEvents(
	ctx context.Context,
	cluster, logDate, runID string,
	entries []model.RawLogEntry,
) error {
	if len(entries) > 0 {
		docs := make([]any, 0, len(entries))
		for i, e := range entries {
			e.Cluster = cluster
			docs = append(docs, rawEventDocument{RawLogEntry: e, LogDate: logDate, RunID: runID, Seq: i})
		}

		err := withRetry(ctx, "insert raw events for "+cluster, func() error {
			_, err := s.raw.InsertMany(ctx, docs)
			return err
		})
		if err != nil {
			return err
		}
	}

	stale := bson.D{
		{Key: "cluster", Value: cluster},
		{Key: "logDate", Value: logDate},
		{Key: "runId", Value: bson.D{{Key: "$ne", Value: runID}}},
	}

	result, err := s.raw.DeleteMany(ctx, stale)
	if err != nil {
		return fmt.Errorf("failed to remove previous raw events for %s on %s: %w", cluster, logDate, err)
	}

	metrics.RawEventsStored.WithLabelValues(cluster).Add(float64(len(entries)))
	klog.V(1).Infof("Stored %d raw events for cluster %s (%s), replaced %d", len(entries), cluster, logDate,
		result.DeletedCount)

	return nil
}

func (s *MongoStore) GetRawEvents(ctx context.Context, cluster, logDate string) ([]model.RawLogEntry, error) {
	filter := bson.D{{Key: "cluster", Value: cluster}, {Key: "logDate", Value: logDate}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})

	cursor, err := s.raw.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events for %s on %s: %w", cluster, logDate, err)
	}

	return decodeRawEvents(ctx, cursor)
}

func (s *MongoStore) FindRawEvents(ctx context.Context, q RawQuery) ([]model.RawLogEntry, error) {
	filter := bson.D{}

	if q.Cluster != "" {
		filter = append(filter, bson.E{Key: "cluster", Value: q.Cluster})
	}

	if q.Node != "" {
		filter = append(filter, bson.E{Key: "node", Value: q.Node})
	}

	window := bson.D{}
	if !q.Start.IsZero() {
		window = append(window, bson.E{Key: "$gte", Value: q.Start.UTC()})
	}

	if !q.End.IsZero() {
		window = append(window, bson.E{Key: "$lte", Value: q.End.UTC()})
	}

	if len(window) > 0 {
		filter = append(filter, bson.E{Key: "time", Value: window})
	}

	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}, {Key: "seq", Value: 1}})

	klog.V(2).Infof("Querying raw events with filter: %v", filter)

	cursor, err := s.raw.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events: %w", err)
	}

	return decodeRawEvents(ctx, cursor)
}

func decodeRawEvents(ctx context.Context, cursor *mongo.Cursor) ([]model.RawLogEntry, error) {
	defer cursor.Close(ctx)

	var docs []rawEventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode raw events: %w", err)
	}

	out := make([]model.RawLogEntry, 0, len(docs))
	for _, d := range docs {
		d.Time = d.Time.UTC()
		out = append(out, d.RawLogEntry)
	}

	return out, nil
}

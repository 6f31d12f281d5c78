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
	"testing"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func newMockStore(mt *mtest.T) *MongoStore {
	return newMongoStore(nil, mt.Coll, mt.Coll)
}

func shortRetries(t *testing.T) {
	prev := retryDelay
	retryDelay = time.Millisecond

	t.Cleanup(func() { retryDelay = prev })
}

func lastCommand(mt *mtest.T, name string) bson.Raw {
	var cmd bson.Raw

	for e := mt.GetStartedEvent(); e != nil; e = mt.GetStartedEvent() {
		if e.CommandName == name {
			cmd = e.Command
		}
	}

	return cmd
}

func TestUpsertDocumentSetsOnlyPopulatedFields(t *testing.T) {
	rec := &model.MaintenanceRecord{EventID: "A", Node: "n2", HA: true}
	rec.SetPhase(model.PhaseGivebackComplete, t0)

	doc := upsertDocument(rec)
	require.Len(t, doc, 2)
	assert.Equal(t, "$set", doc[0].Key)
	assert.Equal(t, "$setOnInsert", doc[1].Key)

	set := doc[0].Value.(bson.D).Map()
	assert.Equal(t, "A", set["eventId"])
	assert.Equal(t, "n2", set["node"])
	assert.Equal(t, t0, set["nodeGivebackComplete"])
	assert.NotContains(t, set, "cluster")
	assert.NotContains(t, set, "azMaintScheduled")
	assert.NotContains(t, set, "azMaintNotBefore")
	assert.NotContains(t, set, "invalid")

	rec.Invalid = true
	doc = upsertDocument(rec)
	require.Len(t, doc, 1)
	assert.Equal(t, true, doc[0].Value.(bson.D).Map()["invalid"])
}

func TestMongoUpsertMaintenanceEvent(t *testing.T) {
	mtOpts := mtest.NewOptions().ClientType(mtest.Mock).ClientOptions(options.Client().SetRetryWrites(false))
	mt := mtest.New(t, mtOpts)
	shortRetries(t)

	mt.Run("upsert inserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "x"}}}},
		))

		rec := testRecord("A", true, model.PhaseScheduled)
		require.NoError(mt, newMockStore(mt).UpsertMaintenanceEvent(context.Background(), rec))
		assert.False(mt, rec.LastUpdated.IsZero())

		cmd := lastCommand(mt, "update")
		require.NotNil(mt, cmd)

		updates, err := cmd.Lookup("updates").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, updates, 1)

		upsert := updates[0].Document()
		assert.True(mt, upsert.Lookup("upsert").Boolean())
		assert.Equal(mt, "A", upsert.Lookup("q", "eventId").StringValue())

		_, err = upsert.LookupErr("u", "$set", "nodeRebootStarts")
		assert.Error(mt, err)
		assert.Equal(mt, "cvo-east-02", upsert.Lookup("u", "$set", "node").StringValue())
	})

	mt.Run("upsert retries then fails", func(mt *mtest.T) {
		failure := mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Message: "write failed"})
		mt.AddMockResponses(failure, failure, failure)

		err := newMockStore(mt).UpsertMaintenanceEvent(context.Background(), testRecord("A", true))
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "after 3 retries")
	})

	mt.Run("upsert rejects empty id", func(mt *mtest.T) {
		assert.Error(mt, newMockStore(mt).UpsertMaintenanceEvent(context.Background(), &model.MaintenanceRecord{}))
	})
}

func TestMongoQueries(t *testing.T) {
	mtOpts := mtest.NewOptions().ClientType(mtest.Mock).ClientOptions(options.Client().SetRetryWrites(false))
	mt := mtest.New(t, mtOpts)

	doc := func(id, node string) bson.D {
		return bson.D{
			{Key: "eventId", Value: id},
			{Key: "cluster", Value: "cvo-east"},
			{Key: "node", Value: node},
			{Key: "type", Value: "freeze"},
			{Key: "azMaintScheduled", Value: t0},
			{Key: "ha", Value: true},
			{Key: "invalid", Value: false},
		}
	}

	mt.Run("get by id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch, doc("A", "n2")))

		rec, found, err := newMockStore(mt).GetEventByID(context.Background(), "A")
		require.NoError(mt, err)
		require.True(mt, found)
		assert.Equal(mt, "n2", rec.Node)
		require.NotNil(mt, rec.Scheduled)
		assert.Equal(mt, t0, *rec.Scheduled)
		assert.Nil(mt, rec.Started)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch))

		_, found, err := newMockStore(mt).GetEventByID(context.Background(), "A")
		require.NoError(mt, err)
		assert.False(mt, found)
	})

	mt.Run("find by cluster", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch, doc("A", "n1"), doc("B", "n2")))

		recs, err := newMockStore(mt).FindEventsByCluster(context.Background(), "cvo-east")
		require.NoError(mt, err)
		require.Len(mt, recs, 2)
		assert.Equal(mt, "B", recs[1].EventID)
	})

	mt.Run("find between", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch, doc("A", "n1")))

		recs, err := newMockStore(mt).FindEventsBetween(context.Background(), model.PhaseScheduled,
			t0.Add(-time.Hour), t0.Add(time.Hour))
		require.NoError(mt, err)
		assert.Len(mt, recs, 1)

		cmd := lastCommand(mt, "find")
		require.NotNil(mt, cmd)
		_, err = cmd.LookupErr("filter", "azMaintScheduled", "$gte")
		assert.NoError(mt, err)
	})

	mt.Run("find unknown phase", func(mt *mtest.T) {
		_, err := newMockStore(mt).FindEventsBetween(context.Background(), model.Phase(42), t0, t0)
		assert.Error(mt, err)
	})

	mt.Run("find error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad query"}))

		_, err := newMockStore(mt).FindEventsByNode(context.Background(), "n1")
		assert.Error(mt, err)
	})
}

func TestMongoRawEvents(t *testing.T) {
	mtOpts := mtest.NewOptions().ClientType(mtest.Mock).ClientOptions(options.Client().SetRetryWrites(false))
	mt := mtest.New(t, mtOpts)
	shortRetries(t)

	mt.Run("replace inserts then removes older runs", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}),
		)

		entries := []model.RawLogEntry{
			{EventID: "A", Node: "n2", Time: t0, Event: "kern.shutdown"},
			{Node: "n2", Time: t0.Add(time.Minute), Event: "wafl.noise"},
		}

		err := newMockStore(mt).ReplaceRawEvents(context.Background(), "cvo-east", "2025-02-18", "run-2", entries)
		require.NoError(mt, err)

		del := lastCommand(mt, "delete")
		require.NotNil(mt, del)

		deletes, err := del.Lookup("deletes").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, deletes, 1)
		assert.Equal(mt, "run-2", deletes[0].Document().Lookup("q", "runId", "$ne").StringValue())
	})

	mt.Run("failed insert keeps previous snapshot", func(mt *mtest.T) {
		failure := mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "insert failed"})
		mt.AddMockResponses(failure, failure, failure)

		err := newMockStore(mt).ReplaceRawEvents(context.Background(), "cvo-east", "2025-02-18", "run-3",
			[]model.RawLogEntry{{Event: "kern.shutdown", Time: t0}})
		require.Error(mt, err)
		assert.Nil(mt, lastCommand(mt, "delete"))
	})

	mt.Run("get raw events", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch,
			bson.D{
				{Key: "eventId", Value: "A"},
				{Key: "cluster", Value: "cvo-east"},
				{Key: "node", Value: "n2"},
				{Key: "time", Value: t0},
				{Key: "event", Value: "kern.shutdown"},
				{Key: "severity", Value: "notice"},
				{Key: "message", Value: "System shut down"},
				{Key: "logDate", Value: "2025-02-18"},
				{Key: "runId", Value: "run-2"},
				{Key: "seq", Value: 0},
			}))

		got, err := newMockStore(mt).GetRawEvents(context.Background(), "cvo-east", "2025-02-18")
		require.NoError(mt, err)
		require.Len(mt, got, 1)
		assert.Equal(mt, "A", got[0].EventID)
		assert.Equal(mt, t0, got[0].Time)
		assert.Equal(mt, "System shut down", got[0].Message)
	})

	mt.Run("find raw events by node and window", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.coll", mtest.FirstBatch,
			bson.D{
				{Key: "cluster", Value: "cvo-east"},
				{Key: "node", Value: "n2"},
				{Key: "time", Value: t0},
				{Key: "event", Value: "kern.shutdown"},
			}))

		got, err := newMockStore(mt).FindRawEvents(context.Background(), RawQuery{
			Node:  "n2",
			Start: t0.Add(-time.Hour),
			End:   t0.Add(time.Hour),
		})
		require.NoError(mt, err)
		require.Len(mt, got, 1)
		assert.Equal(mt, "kern.shutdown", got[0].Event)

		cmd := lastCommand(mt, "find")
		require.NotNil(mt, cmd)
		assert.Equal(mt, "n2", cmd.Lookup("filter", "node").StringValue())
		assert.Equal(mt, t0.Add(-time.Hour).UnixMilli(), cmd.Lookup("filter", "time", "$gte").DateTime())

		_, err = cmd.LookupErr("filter", "cluster")
		assert.Error(mt, err)
	})
}

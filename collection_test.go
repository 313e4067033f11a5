package quince

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/mock"
	"github.com/evergreen-ci/quince/testutil"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	hexID      = "4ecf1a5fbc2b1b1c0f000001"
	otherHexID = "4ecf1a5fbc2b1b1c0f000002"
)

// seedCollection inserts n documents {n: i, name: "doc-i"} and returns
// the collection.
func seedCollection(ctx context.Context, t *testing.T, m *Manager, name string, n int) *Collection {
	coll := m.Collection(name)
	docs := make([]any, n)
	for i := range docs {
		docs[i] = bson.M{"n": i, "name": "doc-" + string(rune('a'+i))}
	}
	_, err := coll.InsertMany(ctx, docs).Wait(ctx)
	require.NoError(t, err)
	return coll
}

func ns(docs []bson.M) []int {
	out := make([]int, len(docs))
	for i, doc := range docs {
		switch v := doc["n"].(type) {
		case int32:
			out[i] = int(v)
		case int64:
			out[i] = int(v)
		case int:
			out[i] = v
		}
	}
	return out
}

func TestCollectionFind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)
	coll := seedCollection(ctx, t, m, "users", 4)

	t.Run("All", func(t *testing.T) {
		docs, err := coll.Find(ctx, nil).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, ns(docs))
	})
	t.Run("SortSkipLimit", func(t *testing.T) {
		docs, err := coll.Find(ctx, bson.M{}, &Options{
			Sort:  "-n",
			Skip:  utility.ToInt64Ptr(1),
			Limit: utility.ToInt64Ptr(2),
		}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 1}, ns(docs))
	})
	t.Run("Projection", func(t *testing.T) {
		docs, err := coll.Find(ctx, bson.M{"n": 1}, &Options{Fields: "n"}).Wait(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Contains(t, docs[0], "n")
		assert.Contains(t, docs[0], "_id")
		assert.NotContains(t, docs[0], "name")

		docs, err = coll.Find(ctx, bson.M{"n": 1}, &Options{Fields: "-name"}).Wait(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.NotContains(t, docs[0], "name")
	})
	t.Run("NoMatchesIsEmpty", func(t *testing.T) {
		docs, err := coll.Find(ctx, bson.M{"n": 99}).Wait(ctx)
		require.NoError(t, err)
		assert.NotNil(t, docs)
		assert.Empty(t, docs)
	})
	t.Run("RawCursorIsRejectedByFind", func(t *testing.T) {
		_, err := coll.Find(ctx, nil, &Options{RawCursor: utility.TruePtr()}).Wait(ctx)
		assert.ErrorIs(t, err, ErrRawCursor)
	})
	t.Run("FindCursor", func(t *testing.T) {
		cur, err := coll.FindCursor(ctx, bson.M{"n": bson.M{"$gte": 2}}).Wait(ctx)
		require.NoError(t, err)
		var docs []bson.M
		require.NoError(t, cur.All(ctx, &docs))
		assert.Equal(t, []int{2, 3}, ns(docs))
	})
	t.Run("FindOne", func(t *testing.T) {
		doc, err := coll.FindOne(ctx, bson.M{"n": 2}).Wait(ctx)
		require.NoError(t, err)
		require.NotNil(t, doc)
		id, ok := doc["_id"].(primitive.ObjectID)
		require.True(t, ok)

		byHex, err := coll.FindOne(ctx, id.Hex()).Wait(ctx)
		require.NoError(t, err)
		require.NotNil(t, byHex)
		assert.Equal(t, doc["name"], byHex["name"])

		byID, err := coll.FindOne(ctx, id).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, doc["name"], byID["name"])

		uncast, err := coll.FindOne(ctx, id.Hex(), &Options{CastIDs: utility.FalsePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.Nil(t, uncast)
	})
	t.Run("FindOneMissing", func(t *testing.T) {
		doc, err := coll.FindOne(ctx, bson.M{"n": 42}).Wait(ctx)
		require.NoError(t, err)
		assert.Nil(t, doc)
	})
	t.Run("MalformedIDIsRejected", func(t *testing.T) {
		_, err := coll.FindOne(ctx, bson.M{"_id": "not-an-id"}).Wait(ctx)
		assert.Error(t, err)
	})
}

func TestCollectionStreaming(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)
	coll := seedCollection(ctx, t, m, "users", 4)

	t.Run("DeliversEveryDocumentInOrder", func(t *testing.T) {
		var got []bson.M
		res, err := coll.FindEach(ctx, nil, func(doc bson.M, _ StreamControl) {
			got = append(got, doc)
		}).Wait(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, []int{0, 1, 2, 3}, ns(got))
	})
	t.Run("CloseStopsDelivery", func(t *testing.T) {
		var got []bson.M
		_, err := coll.FindEach(ctx, nil, func(doc bson.M, ctl StreamControl) {
			got = append(got, doc)
			if len(got) == 2 {
				ctl.Close()
			}
		}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, ns(got))
	})
	t.Run("PauseHoldsDeliveryUntilResume", func(t *testing.T) {
		const pause = 50 * time.Millisecond
		var (
			got     []bson.M
			resumed time.Time
			mu      sync.Mutex
		)
		start := time.Now()
		_, err := coll.FindEach(ctx, nil, func(doc bson.M, ctl StreamControl) {
			got = append(got, doc)
			if len(got) == 1 {
				ctl.Pause()
				time.AfterFunc(pause, func() {
					mu.Lock()
					resumed = time.Now()
					mu.Unlock()
					ctl.Resume()
				})
				return
			}
			if len(got) == 2 {
				mu.Lock()
				assert.False(t, resumed.IsZero(), "delivered while paused")
				mu.Unlock()
			}
		}).Wait(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), pause)
		assert.Equal(t, []int{0, 1, 2, 3}, ns(got))
	})
	t.Run("PausedStreamDoesNotSettle", func(t *testing.T) {
		release := make(chan StreamControl, 1)
		f := coll.FindEach(ctx, bson.M{"n": 3}, func(_ bson.M, ctl StreamControl) {
			ctl.Pause()
			release <- ctl
		})

		ctl := <-release
		select {
		case <-f.Done():
			t.Fatal("stream settled while paused")
		case <-time.After(20 * time.Millisecond):
		}
		ctl.Resume()
		require.NoError(t, f.Err())
	})
	t.Run("AggregateStreams", func(t *testing.T) {
		var got []bson.M
		_, err := coll.Aggregate(ctx, bson.A{bson.M{"$sort": bson.M{"n": -1}}}, &Options{
			Each: func(doc bson.M, _ StreamControl) { got = append(got, doc) },
		}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2, 1, 0}, ns(got))
	})
}

func TestCollectionStreamingVisitorIssuesOperations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, delay := range map[string]time.Duration{
		"WhileOpening": 50 * time.Millisecond,
		"AfterOpen":    0,
	} {
		t.Run(name, func(t *testing.T) {
			d := mock.NewDriver()
			seedCollection(ctx, t, newTestManager(t, d, nil), "users", 3)
			d.ConnectDelay = delay

			m := newTestManager(t, d, nil)
			if delay == 0 {
				require.NoError(t, m.Ready(ctx))
			}
			coll := m.Collection("users")

			f := coll.FindEach(ctx, nil, func(doc bson.M, ctl StreamControl) {
				ctl.Pause()
				go func() {
					defer ctl.Resume()
					_, err := coll.Update(ctx, bson.M{"n": doc["n"]}, bson.M{"$set": bson.M{"seen": true}}).Wait(ctx)
					assert.NoError(t, err)
				}()
			})

			select {
			case <-f.Done():
			case <-time.After(5 * time.Second):
				t.Fatalf("stream did not settle, connection is %s", m.State())
			}
			require.NoError(t, f.Err())
			assert.Equal(t, "open", m.State())

			docs := d.Documents(testDatabase, "users")
			require.Len(t, docs, 3)
			for _, doc := range docs {
				assert.Equal(t, true, doc["seen"], "document %v", doc["n"])
			}
		})
	}
}

func TestCollectionInsert(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := mock.NewDriver()
	m := newTestManager(t, d, nil)
	coll := m.Collection("users")

	t.Run("AssignsID", func(t *testing.T) {
		doc, err := coll.Insert(ctx, bson.M{"name": "a"}).Wait(ctx)
		require.NoError(t, err)
		id, ok := doc["_id"].(primitive.ObjectID)
		require.True(t, ok)
		assert.False(t, id.IsZero())
	})
	t.Run("CastsGivenID", func(t *testing.T) {
		doc, err := coll.Insert(ctx, bson.M{"_id": hexID, "name": "b"}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, hexID, doc["_id"].(primitive.ObjectID).Hex())
	})
	t.Run("NilIDIsReplaced", func(t *testing.T) {
		doc, err := coll.Insert(ctx, bson.M{"_id": nil, "name": "nil"}).Wait(ctx)
		require.NoError(t, err)
		id, ok := doc["_id"].(primitive.ObjectID)
		require.True(t, ok)
		assert.False(t, id.IsZero())

		docs, err := m.Collection("nil_many").InsertMany(ctx, []any{bson.M{"_id": nil}, bson.M{"_id": nil}}).Wait(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.NotEqual(t, docs[0]["_id"], docs[1]["_id"])
	})
	t.Run("NilIDQueryIsNotCast", func(t *testing.T) {
		docs, err := coll.Find(ctx, bson.M{"_id": nil}).Wait(ctx)
		require.NoError(t, err)
		assert.Empty(t, docs)

		var queries []any
		for _, call := range d.Calls() {
			if call.Method == "Find" {
				queries = append(queries, call.Arg)
			}
		}
		require.NotEmpty(t, queries)
		assert.Equal(t, bson.M{"_id": nil}, queries[len(queries)-1])
	})
	t.Run("Structs", func(t *testing.T) {
		type user struct {
			ID   primitive.ObjectID `bson:"_id,omitempty"`
			Name string             `bson:"name"`
		}
		doc, err := coll.Insert(ctx, user{Name: "c"}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "c", doc["name"])
		assert.IsType(t, primitive.ObjectID{}, doc["_id"])
	})
	t.Run("DuplicateKey", func(t *testing.T) {
		_, err := coll.Insert(ctx, bson.M{"_id": otherHexID}).Wait(ctx)
		require.NoError(t, err)
		_, err = coll.Insert(ctx, bson.M{"_id": otherHexID}).Wait(ctx)
		require.Error(t, err)
		assert.True(t, db.IsDuplicateKey(err))
	})
	t.Run("NilDocument", func(t *testing.T) {
		_, err := coll.Insert(ctx, nil).Wait(ctx)
		assert.Error(t, err)
	})
	t.Run("Many", func(t *testing.T) {
		docs, err := m.Collection("many").InsertMany(ctx, []any{bson.M{"n": 0}, bson.M{"n": 1}}).Wait(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		for _, doc := range docs {
			assert.IsType(t, primitive.ObjectID{}, doc["_id"])
		}
		assert.Len(t, d.Documents(testDatabase, "many"), 2)
	})
	t.Run("EmptyMany", func(t *testing.T) {
		docs, err := m.Collection("empty").InsertMany(ctx, nil).Wait(ctx)
		require.NoError(t, err)
		assert.Empty(t, docs)
		assert.Nil(t, d.Documents(testDatabase, "empty"))
	})
}

func TestCollectionUpdate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := mock.NewDriver()
	m := newTestManager(t, d, nil)
	coll := seedCollection(ctx, t, m, "users", 3)

	t.Run("RequiresOperators", func(t *testing.T) {
		_, err := coll.Update(ctx, bson.M{"n": 0}, bson.M{"name": "x"}).Wait(ctx)
		assert.ErrorIs(t, err, ErrUpdateOperators)
	})
	t.Run("SetUpdateWrapsFields", func(t *testing.T) {
		res, err := coll.Update(ctx, bson.M{"n": 0}, bson.M{"name": "x"}, &Options{SetUpdate: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.ModifiedCount)

		doc, err := coll.FindOne(ctx, bson.M{"n": 0}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", doc["name"])
	})
	t.Run("SingleByDefault", func(t *testing.T) {
		res, err := coll.Update(ctx, bson.M{}, bson.M{"$set": bson.M{"flag": true}}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.MatchedCount)
	})
	t.Run("Multi", func(t *testing.T) {
		res, err := coll.Update(ctx, bson.M{}, bson.M{"$inc": bson.M{"n": 10}}, &Options{Multi: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, res.MatchedCount)

		n, err := coll.Count(ctx, bson.M{"n": bson.M{"$gte": 10}}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})
	t.Run("Replace", func(t *testing.T) {
		res, err := coll.Update(ctx, bson.M{"n": 10}, bson.M{"replaced": true}, &Options{Replace: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.MatchedCount)

		doc, err := coll.FindOne(ctx, bson.M{"replaced": true}).Wait(ctx)
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.NotContains(t, doc, "n")

		_, err = coll.Update(ctx, bson.M{}, bson.M{"$set": bson.M{"a": 1}}, &Options{Replace: utility.TruePtr()}).Wait(ctx)
		assert.Error(t, err)
	})
	t.Run("Upsert", func(t *testing.T) {
		res, err := coll.Update(ctx, bson.M{"name": "new"}, bson.M{"$set": bson.M{"n": 50}}, &Options{Upsert: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.UpsertedCount)
		assert.NotNil(t, res.UpsertedID)
	})
	t.Run("FindOneAndUpdate", func(t *testing.T) {
		doc, err := coll.FindOneAndUpdate(ctx, bson.M{"n": 50}, bson.M{"$set": bson.M{"name": "after"}}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "after", doc["name"])

		doc, err = coll.FindOneAndUpdate(ctx, bson.M{"n": 50}, bson.M{"$set": bson.M{"name": "later"}},
			&Options{ReturnOriginal: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "after", doc["name"])

		doc, err = coll.FindOneAndUpdate(ctx, bson.M{"n": 404}, bson.M{"$set": bson.M{"name": "x"}}).Wait(ctx)
		require.NoError(t, err)
		assert.Nil(t, doc)

		_, err = coll.FindOneAndUpdate(ctx, bson.M{"n": 50}, bson.M{"name": "x"}).Wait(ctx)
		assert.ErrorIs(t, err, ErrUpdateOperators)

		doc, err = coll.FindOneAndUpdate(ctx, bson.M{"n": 50}, bson.M{"name": "plain"}, &Options{SetUpdate: utility.TruePtr()}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "plain", doc["name"])
	})
}

func TestCollectionRemove(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)
	coll := seedCollection(ctx, t, m, "users", 5)

	res, err := coll.Remove(ctx, bson.M{"n": bson.M{"$lt": 2}}, &Options{Single: utility.TruePtr()}).Wait(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedCount)

	doc, err := coll.FindOneAndDelete(ctx, bson.M{}, &Options{Sort: "-n"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, ns([]bson.M{doc}))

	res, err = coll.Remove(ctx, nil).Wait(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.DeletedCount)

	doc, err = coll.FindOneAndDelete(ctx, bson.M{}).Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestCollectionQueries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)
	coll := m.Collection("pets")
	_, err := coll.InsertMany(ctx, []any{
		bson.M{"kind": "cat", "age": 3},
		bson.M{"kind": "dog", "age": 5},
		bson.M{"kind": "cat", "age": 7},
	}).Wait(ctx)
	require.NoError(t, err)

	t.Run("Count", func(t *testing.T) {
		n, err := coll.Count(ctx, bson.M{"kind": "cat"}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = coll.Count(ctx, nil, &Options{Limit: utility.ToInt64Ptr(1)}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
	t.Run("Distinct", func(t *testing.T) {
		kinds, err := coll.Distinct(ctx, "kind", nil).Wait(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []any{"cat", "dog"}, kinds)

		_, err = coll.Distinct(ctx, "", nil).Wait(ctx)
		assert.Error(t, err)
	})
	t.Run("Aggregate", func(t *testing.T) {
		out, err := coll.Aggregate(ctx, bson.A{
			bson.M{"$match": bson.M{"kind": "cat"}},
			bson.M{"$count": "cats"},
		}).Wait(ctx)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.EqualValues(t, 2, out[0]["cats"])

		_, err = coll.Aggregate(ctx, nil, &Options{RawCursor: utility.TruePtr()}).Wait(ctx)
		assert.ErrorIs(t, err, ErrRawCursor)
	})
	t.Run("BulkWrite", func(t *testing.T) {
		res, err := coll.BulkWrite(ctx, []mongo.WriteModel{
			mongo.NewInsertOneModel().SetDocument(bson.M{"kind": "fish"}),
			mongo.NewDeleteManyModel().SetFilter(bson.M{"kind": "dog"}),
		}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.InsertedCount)
		assert.EqualValues(t, 1, res.DeletedCount)

		res, err = coll.BulkWrite(ctx, nil).Wait(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.InsertedCount)
	})
	t.Run("UnsupportedCommands", func(t *testing.T) {
		_, err := coll.MapReduce(ctx, MapReduceSpec{}).Wait(ctx)
		assert.Error(t, err)

		_, err = coll.MapReduce(ctx, MapReduceSpec{
			Map:    "function() { emit(this.kind, 1) }",
			Reduce: "function(k, v) { return Array.sum(v) }",
		}).Wait(ctx)
		assert.Error(t, err, "the in-memory server has no map-reduce")

		_, err = coll.Group(ctx, GroupSpec{Key: "kind"}).Wait(ctx)
		assert.Error(t, err)
	})
}

func TestCollectionIndexes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)
	coll := seedCollection(ctx, t, m, "users", 1)

	name, err := coll.CreateIndex(ctx, "name -n").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "name_1_n_-1", name)

	name, err = coll.CreateIndex(ctx, []string{"email"}, &Options{Unique: utility.TruePtr(), Name: utility.ToStringPtr("by_email")}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "by_email", name)

	_, err = coll.CreateIndex(ctx, "").Wait(ctx)
	assert.Error(t, err)

	indexes, err := coll.Indexes(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 3)
	require.Contains(t, indexes, "name_1_n_-1")
	assert.Equal(t, "n", indexes["name_1_n_-1"][1].Key)
	assert.EqualValues(t, -1, indexes["name_1_n_-1"][1].Value)

	_, err = coll.DropIndex(ctx, "name -n").Wait(ctx)
	require.NoError(t, err)
	_, err = coll.DropIndex(ctx, nil, &Options{Name: utility.ToStringPtr("by_email")}).Wait(ctx)
	require.NoError(t, err)
	_, err = coll.DropIndex(ctx, "missing").Wait(ctx)
	assert.Error(t, err)
	_, err = coll.DropIndex(ctx, nil).Wait(ctx)
	assert.Error(t, err)

	indexes, err = coll.Indexes(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
	assert.Contains(t, indexes, "_id_")

	_, err = coll.CreateIndex(ctx, "a").Wait(ctx)
	require.NoError(t, err)
	_, err = coll.DropIndexes(ctx).Wait(ctx)
	require.NoError(t, err)
	indexes, err = coll.Indexes(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
}

func TestCollectionStatsAndDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := newTestManager(t, mock.NewDriver(), nil)

	t.Run("DropMissingCollection", func(t *testing.T) {
		res, err := m.Collection("nothing").Drop(ctx).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, DropNotFound, res)
		assert.EqualValues(t, "ns not found", res)
	})
	t.Run("StatsThenDrop", func(t *testing.T) {
		coll := seedCollection(ctx, t, m, "users", 3)

		stats, err := coll.Stats(ctx).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats["count"])

		scaled, err := coll.Stats(ctx, &Options{Scale: utility.ToInt32Ptr(1024)}).Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1024, scaled["scaleFactor"])

		res, err := coll.Drop(ctx).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, Dropped, res)

		_, err = coll.Stats(ctx).Wait(ctx)
		assert.True(t, db.IsNamespaceNotFound(err))
	})
}

func TestCollectionCallbacks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := mock.NewDriver()
	m := newTestManager(t, d, nil)
	coll := m.Collection("users")

	type outcome struct {
		err error
		res any
	}
	record := func() (func(error, any), <-chan outcome) {
		out := make(chan outcome, 2)
		return func(err error, res any) { out <- outcome{err: err, res: res} }, out
	}

	t.Run("Success", func(t *testing.T) {
		cb, out := record()
		doc, err := coll.Insert(ctx, bson.M{"name": "a"}, &Options{Callback: cb}).Wait(ctx)
		require.NoError(t, err)

		got := <-out
		assert.NoError(t, got.err)
		assert.Equal(t, doc, got.res)
		select {
		case <-out:
			t.Fatal("callback ran twice")
		case <-time.After(20 * time.Millisecond):
		}
	})
	t.Run("FailureRejectsBoth", func(t *testing.T) {
		d.Errors["InsertOne"] = errors.New("disk full")
		defer delete(d.Errors, "InsertOne")

		cb, out := record()
		_, err := coll.Insert(ctx, bson.M{"name": "b"}, &Options{Callback: cb}).Wait(ctx)
		require.Error(t, err)

		got := <-out
		require.Error(t, got.err)
		assert.Contains(t, got.err.Error(), "disk full")
		assert.Nil(t, got.res)
	})
	t.Run("EarlyRejection", func(t *testing.T) {
		cb, out := record()
		_, err := coll.Find(ctx, nil, &Options{RawCursor: utility.TruePtr(), Callback: cb}).Wait(ctx)
		require.ErrorIs(t, err, ErrRawCursor)
		assert.ErrorIs(t, (<-out).err, ErrRawCursor)
	})
}

func TestCollectionObservability(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracer, recorder := testutil.NewSpanRecorder(t)
	logger, sender := testutil.NewTestLogger(t, level.Debug)
	m, err := NewManager(&Settings{URL: "localhost/" + testDatabase},
		WithConnector(mock.NewDriver()), WithLogger(logger), WithTracer(tracer))
	require.NoError(t, err)
	defer func() { assert.NoError(t, m.Close(ctx, false)) }()

	_, err = m.Collection("users").Insert(ctx, bson.M{"name": "a"}).Wait(ctx)
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "users.insert")

	var logged bool
	for _, msg := range testutil.Messages(sender) {
		if assert.NotEmpty(t, msg) && containsAll(msg, "collection operation", "users") {
			logged = true
		}
	}
	assert.True(t, logged)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

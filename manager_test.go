package quince

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evergreen-ci/quince/gate"
	"github.com/evergreen-ci/quince/mock"
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/evergreen-ci/quince/testutil"
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testDatabase = "quince_test"

func newTestManager(t *testing.T, d *mock.Driver, settings *Settings) *Manager {
	if settings == nil {
		settings = &Settings{}
	}
	if settings.URL == "" && len(settings.Hosts) == 0 {
		settings.URL = "localhost/" + testDatabase
	}
	logger, _ := testutil.NewTestLogger(t, level.Warning)

	m, err := NewManager(settings, WithConnector(d), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, m.Close(context.Background(), false))
	})

	return m
}

func TestNewManager(t *testing.T) {
	t.Run("RequiresURI", func(t *testing.T) {
		_, err := NewManager(nil)
		assert.ErrorIs(t, err, ErrNoURI)

		_, err = NewManager(&Settings{})
		assert.Error(t, err)
	})
	t.Run("ConnectAcceptsHostList", func(t *testing.T) {
		d := mock.NewDriver()
		m, err := Connect([]string{"localhost:27017/app", "localhost:27018"}, WithConnector(d))
		require.NoError(t, err)
		defer func() { assert.NoError(t, m.Close(context.Background(), false)) }()

		assert.Equal(t, "app", m.Database())
		assert.Equal(t, "mongodb://localhost:27017,localhost:27018/app", m.uri)
	})
	t.Run("ConnectRejectsOtherTypes", func(t *testing.T) {
		_, err := Connect(42)
		assert.Error(t, err)
	})
	t.Run("StartsOpening", func(t *testing.T) {
		d := mock.NewDriver()
		d.ConnectDelay = time.Hour
		m := newTestManager(t, d, nil)
		assert.Equal(t, gate.StateOpening, m.State())
		assert.Equal(t, testDatabase, m.Database())
	})
	t.Run("ConnectionFailureIsReported", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		d := mock.NewDriver()
		d.ConnectError = errors.New("no reachable servers")
		m := newTestManager(t, d, nil)

		err := m.Ready(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no reachable servers")

		_, err = m.Collection("users").Count(ctx, nil).Wait(ctx)
		assert.Error(t, err)
	})
}

func TestManagerQueuesOperationsUntilOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := mock.NewDriver()
	d.ConnectDelay = 50 * time.Millisecond
	m := newTestManager(t, d, nil)
	coll := m.Collection("events")

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		f := coll.Insert(ctx, bson.M{"n": i})
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.Err()
		}()
	}
	assert.Equal(t, gate.StateOpening, m.State())

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	docs := d.Documents(testDatabase, "events")
	require.Len(t, docs, n)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ns(docs))
	assert.Equal(t, 1, d.Connects())
	require.NoError(t, m.Ready(ctx))
	assert.Equal(t, gate.StateOpen, m.State())
}

func TestManagerReopensAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := mock.NewDriver()
	m := newTestManager(t, d, nil)
	require.NoError(t, m.Ready(ctx))
	require.NoError(t, m.Close(ctx, false))
	assert.Equal(t, gate.StateClosed, m.State())

	_, err := m.Collection("users").Insert(ctx, bson.M{"name": "a"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Connects())
	assert.Len(t, d.Documents(testDatabase, "users"), 1)
}

func TestManagerCollections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("CachedByName", func(t *testing.T) {
		m := newTestManager(t, mock.NewDriver(), nil)
		users := m.Collection("users")
		assert.Same(t, users, m.Collection("users"))
		assert.NotSame(t, users, m.Collection("users", &Options{Cache: boolPtr(false)}))
		assert.NotSame(t, users, m.Collection("groups"))
		assert.Equal(t, "users", users.Name())
		assert.Same(t, m, users.Manager())
	})
	t.Run("RepeatedLookupDoesNotBlock", func(t *testing.T) {
		m := newTestManager(t, mock.NewDriver(), nil)

		done := make(chan *Collection)
		go func() {
			first := m.Collection("x")
			assert.Same(t, first, m.Collection("x"))
			done <- first
		}()

		select {
		case coll := <-done:
			assert.Equal(t, "x", coll.Name())
		case <-time.After(5 * time.Second):
			t.Fatal("collection lookup did not return")
		}
	})
	t.Run("ConcurrentLookupsShareCollection", func(t *testing.T) {
		m := newTestManager(t, mock.NewDriver(), nil)

		var wg sync.WaitGroup
		colls := make([]*Collection, 8)
		for i := range colls {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				colls[i] = m.Collection("shared")
			}(i)
		}
		wg.Wait()
		for _, coll := range colls {
			assert.Same(t, colls[0], coll)
		}
	})
	t.Run("Create", func(t *testing.T) {
		d := mock.NewDriver()
		m := newTestManager(t, d, nil)

		var (
			mu       sync.Mutex
			notified int
		)
		cb := func(err error, res any) {
			mu.Lock()
			defer mu.Unlock()
			assert.NoError(t, err)
			assert.IsType(t, &Collection{}, res)
			notified++
		}
		coll, err := m.Create(ctx, "logs", &Options{Callback: cb}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "logs", coll.Name())
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return notified == 1
		}, time.Second, time.Millisecond)

		_, err = m.Create(ctx, "logs").Wait(ctx)
		assert.Error(t, err)
	})
	t.Run("ListCollections", func(t *testing.T) {
		m := newTestManager(t, mock.NewDriver(), nil)
		for _, name := range []string{"a", "b", "c"} {
			_, err := m.Create(ctx, name).Wait(ctx)
			require.NoError(t, err)
		}

		colls, err := m.ListCollections(ctx, nil).Wait(ctx)
		require.NoError(t, err)
		names := make([]string, 0, len(colls))
		for _, c := range colls {
			names = append(names, c.Name())
		}
		assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
		assert.Same(t, m.Collection("a"), colls[indexOf(names, "a")])
	})
}

func TestManagerMiddleware(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := mock.NewDriver()
	m := newTestManager(t, d, nil)
	before := m.Collection("before")

	var (
		mu   sync.Mutex
		seen []string
	)
	m.AddMiddleware(func(mctx pipeline.Context) pipeline.Stage {
		return func(next pipeline.Handler) pipeline.Handler {
			return func(ctx context.Context, req *pipeline.Request) (any, error) {
				mu.Lock()
				seen = append(seen, mctx.Collection+"."+string(req.Method))
				mu.Unlock()

				// user middlewares run once the connection is attached
				if req.Collection == nil {
					return nil, errors.New("no collection attached")
				}
				if req.Method == pipeline.MethodRemove {
					return nil, errors.New("removal is not allowed")
				}
				return next(ctx, req)
			}
		}
	})
	after := m.Collection("after")

	_, err := before.Remove(ctx, nil).Wait(ctx)
	require.NoError(t, err)

	_, err = after.Insert(ctx, bson.M{"a": 1}).Wait(ctx)
	require.NoError(t, err)
	_, err = after.Remove(ctx, nil).Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "removal is not allowed")
	assert.Len(t, d.Documents(testDatabase, "after"), 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"after.insert", "after.remove"}, seen)
}

func TestManagerDefaultOptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	limit := func(n int64) *int64 { return &n }
	m := newTestManager(t, mock.NewDriver(), &Settings{
		DefaultOptions: Options{Limit: limit(3)},
		Collections: map[string]*Options{
			"configured": {Limit: limit(4)},
		},
	})

	seed := func(name string) *Collection {
		coll := m.Collection(name)
		docs := make([]any, 6)
		for i := range docs {
			docs[i] = bson.M{"n": i}
		}
		_, err := coll.InsertMany(ctx, docs).Wait(ctx)
		require.NoError(t, err)
		return coll
	}
	count := func(coll *Collection, opts ...*Options) int {
		docs, err := coll.Find(ctx, nil, opts...).Wait(ctx)
		require.NoError(t, err)
		return len(docs)
	}

	plain := seed("plain")
	assert.Equal(t, 3, count(plain), "manager default")
	assert.Equal(t, 5, count(plain, &Options{Limit: limit(5)}), "call-site option")

	configured := seed("configured")
	assert.Equal(t, 4, count(configured), "settings collection default")

	m.Collection("custom", &Options{Limit: limit(2)})
	custom := seed("custom")
	assert.Equal(t, 2, count(custom), "collection default")
	assert.Equal(t, 1, count(custom, &Options{Limit: limit(1)}))

	custom.SetOptions(&Options{})
	assert.Equal(t, 3, count(custom), "cleared collection defaults fall back to the manager")

	m.SetDefaultCollectionOptions(&Options{Limit: limit(6)})
	assert.Equal(t, 6, count(plain))
	assert.Equal(t, 4, count(configured))
}

func TestManagerIDs(t *testing.T) {
	m := newTestManager(t, mock.NewDriver(), nil)

	id, err := m.ID()
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	hex := "4ecf1a5fbc2b1b1c0f000001"
	id, err = m.ID(hex)
	require.NoError(t, err)
	assert.Equal(t, hex, id.Hex())

	_, err = m.ID("nope")
	assert.Error(t, err)

	cast, err := m.Cast(bson.M{"_id": bson.M{"$in": []any{hex}}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": bson.M{"$in": []any{id}}}, cast)

	collID, err := m.Collection("users").ID(hex)
	require.NoError(t, err)
	assert.Equal(t, id, collID)
	assert.IsType(t, primitive.ObjectID{}, collID)
}

func boolPtr(b bool) *bool { return &b }

func indexOf(names []string, name string) int {
	for i := range names {
		if names[i] == name {
			return i
		}
	}
	return -1
}

package quince

import (
	"context"
	"sync"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/evergreen-ci/quince/future"
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/evergreen-ci/utility"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Collection runs operations on one collection. Every operation is
// packaged into a request, passed through the collection's middleware
// chain, and returns a future. A Callback set in the call's options is
// invoked with the same outcome once the future settles.
type Collection struct {
	name    string
	manager *Manager

	mu      sync.RWMutex
	options *Options

	handler pipeline.Handler
}

func newCollection(m *Manager, name string, defaults *Options, middlewares []pipeline.Middleware) *Collection {
	c := &Collection{
		name:    name,
		manager: m,
		options: defaults,
	}

	mctx := pipeline.Context{
		Collection: name,
		Defaults:   c.defaults,
		Gate:       m.gate,
		Caster:     m.caster,
		Logger:     m.logger,
		Tracer:     m.tracer,
		Meter:      m.meter,
	}
	c.handler = pipeline.Apply(mctx, middlewares, m.execute)

	return c
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Manager returns the manager the collection belongs to.
func (c *Collection) Manager() *Manager { return c.manager }

// Options returns a copy of the collection's default options.
func (c *Collection) Options() *Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return pipeline.MergeOptions(c.options)
}

// SetOptions replaces the collection's default options. The collection
// is shared, so this affects every later operation on it.
func (c *Collection) SetOptions(opts *Options) {
	merged := pipeline.MergeOptions(opts)
	merged.Each, merged.Callback = nil, nil

	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = merged
}

func (c *Collection) defaults() *Options {
	c.mu.RLock()
	coll := c.options
	c.mu.RUnlock()

	return pipeline.MergeOptions(coll, c.manager.defaultOptions())
}

// ID casts v to an ObjectID, or returns a new one for no argument.
func (c *Collection) ID(v ...any) (primitive.ObjectID, error) {
	return c.manager.ID(v...)
}

func dispatch[T any](ctx context.Context, c *Collection, req *pipeline.Request, opts []*Options) *future.Future[T] {
	req.Options = callOptions(opts)
	req.Callback = req.Options.Callback
	ctx, release := c.manager.gate.Reserve(ctx)

	return future.Go(ctx, func(ctx context.Context) (T, error) {
		defer release()

		var zero T
		res, err := c.handler(ctx, req)
		if err != nil {
			return zero, errors.Wrapf(err, "running %s on '%s'", req.Method, c.name)
		}
		if res == nil {
			return zero, nil
		}
		out, ok := res.(T)
		if !ok {
			return zero, errors.Errorf("%s on '%s' returned %T, expected %T", req.Method, c.name, res, zero)
		}
		return out, nil
	}, req.Callback)
}

func reject[T any](err error, opts []*Options) *future.Future[T] {
	var zero T
	return future.Resolved(zero, err, callOptions(opts).Callback)
}

// Find resolves to every matching document. When the options set Each
// the documents are streamed to it instead and the result is nil.
func (c *Collection) Find(ctx context.Context, query any, opts ...*Options) *future.Future[[]bson.M] {
	if pipeline.IsSet(callOptions(opts).RawCursor) {
		return reject[[]bson.M](ErrRawCursor, opts)
	}
	return dispatch[[]bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodFind, Query: query}, opts)
}

// FindCursor resolves to the driver's cursor over the matching
// documents. The caller must close it.
func (c *Collection) FindCursor(ctx context.Context, query any, opts ...*Options) *future.Future[driver.Cursor] {
	opts = append(opts, &Options{RawCursor: utility.ToBoolPtr(true)})
	return dispatch[driver.Cursor](ctx, c, &pipeline.Request{Method: pipeline.MethodFind, Query: query}, opts)
}

// FindEach streams the matching documents to fn. The future settles
// once the cursor is exhausted or closed and no pause is outstanding.
func (c *Collection) FindEach(ctx context.Context, query any, fn EachFunc, opts ...*Options) *future.Future[[]bson.M] {
	opts = append(opts, &Options{Each: fn})
	return c.Find(ctx, query, opts...)
}

// FindOne resolves to the first matching document, or nil when there
// is none.
func (c *Collection) FindOne(ctx context.Context, query any, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodFindOne, Query: query}, opts)
}

// FindOneAndUpdate updates the first matching document and resolves to
// it as it is after the update, or before it with ReturnOriginal.
func (c *Collection) FindOneAndUpdate(ctx context.Context, query, update any, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodFindOneAndUpdate, Query: query, Update: update}, opts)
}

// FindOneAndDelete removes the first matching document and resolves to
// it.
func (c *Collection) FindOneAndDelete(ctx context.Context, query any, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodFindOneAndDelete, Query: query}, opts)
}

// Insert stores one document and resolves to it with its id set.
func (c *Collection) Insert(ctx context.Context, doc any, opts ...*Options) *future.Future[bson.M] {
	data, err := db.Document(doc)
	if err != nil {
		return reject[bson.M](errors.Wrap(err, "preparing document for insert"), opts)
	}
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodInsert, Data: data}, opts)
}

// InsertMany stores the documents and resolves to them with their ids
// set. An empty list resolves to an empty list.
func (c *Collection) InsertMany(ctx context.Context, docs []any, opts ...*Options) *future.Future[[]bson.M] {
	data := make([]bson.M, 0, len(docs))
	for i, doc := range docs {
		d, err := db.Document(doc)
		if err != nil {
			return reject[[]bson.M](errors.Wrapf(err, "preparing document %d for insert", i), opts)
		}
		data = append(data, d)
	}
	return dispatch[[]bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodInsert, Data: data}, opts)
}

// Update modifies the documents matching query. It updates the first
// match unless Multi is set, and replaces it when Replace is set.
func (c *Collection) Update(ctx context.Context, query, update any, opts ...*Options) *future.Future[*mongo.UpdateResult] {
	return dispatch[*mongo.UpdateResult](ctx, c, &pipeline.Request{Method: pipeline.MethodUpdate, Query: query, Update: update}, opts)
}

// Remove deletes every matching document, or only the first with
// Single.
func (c *Collection) Remove(ctx context.Context, query any, opts ...*Options) *future.Future[*mongo.DeleteResult] {
	return dispatch[*mongo.DeleteResult](ctx, c, &pipeline.Request{Method: pipeline.MethodRemove, Query: query}, opts)
}

func (c *Collection) Count(ctx context.Context, query any, opts ...*Options) *future.Future[int64] {
	return dispatch[int64](ctx, c, &pipeline.Request{Method: pipeline.MethodCount, Query: query}, opts)
}

func (c *Collection) Distinct(ctx context.Context, field string, query any, opts ...*Options) *future.Future[[]any] {
	return dispatch[[]any](ctx, c, &pipeline.Request{Method: pipeline.MethodDistinct, Field: field, Query: query}, opts)
}

// Aggregate runs the pipeline stages and resolves to the output
// documents, or streams them when Each is set.
func (c *Collection) Aggregate(ctx context.Context, stages any, opts ...*Options) *future.Future[[]bson.M] {
	if pipeline.IsSet(callOptions(opts).RawCursor) {
		return reject[[]bson.M](ErrRawCursor, opts)
	}
	return dispatch[[]bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodAggregate, Stages: stages}, opts)
}

func (c *Collection) BulkWrite(ctx context.Context, operations []mongo.WriteModel, opts ...*Options) *future.Future[*mongo.BulkWriteResult] {
	return dispatch[*mongo.BulkWriteResult](ctx, c, &pipeline.Request{Method: pipeline.MethodBulkWrite, Operations: operations}, opts)
}

// CreateIndex creates an index on fields, given in any of the forms
// accepted for sort specifications, e.g. "name -createdAt". It resolves
// to the index name.
func (c *Collection) CreateIndex(ctx context.Context, fields any, opts ...*Options) *future.Future[string] {
	return dispatch[string](ctx, c, &pipeline.Request{Method: pipeline.MethodCreateIndex, Fields: fields}, opts)
}

// DropIndex drops the index on fields. The Name option takes
// precedence over the name derived from the fields.
func (c *Collection) DropIndex(ctx context.Context, fields any, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodDropIndex, Fields: fields}, opts)
}

func (c *Collection) DropIndexes(ctx context.Context, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodDropIndexes}, opts)
}

// Indexes resolves to the collection's index keys by index name.
func (c *Collection) Indexes(ctx context.Context, opts ...*Options) *future.Future[map[string]bson.D] {
	return dispatch[map[string]bson.D](ctx, c, &pipeline.Request{Method: pipeline.MethodIndexes}, opts)
}

// Stats resolves to the server's collStats output, scaled by the Scale
// option.
func (c *Collection) Stats(ctx context.Context, opts ...*Options) *future.Future[bson.M] {
	return dispatch[bson.M](ctx, c, &pipeline.Request{Method: pipeline.MethodStats}, opts)
}

// MapReduceSpec describes an inline map-reduce job. The functions are
// JavaScript source.
type MapReduceSpec struct {
	Map      string
	Reduce   string
	Finalize string
	Query    any
}

// MapReduce runs an inline map-reduce and resolves to its results.
func (c *Collection) MapReduce(ctx context.Context, spec MapReduceSpec, opts ...*Options) *future.Future[[]bson.M] {
	return dispatch[[]bson.M](ctx, c, &pipeline.Request{
		Method:   pipeline.MethodMapReduce,
		Map:      spec.Map,
		Reduce:   spec.Reduce,
		Finalize: spec.Finalize,
		Query:    spec.Query,
	}, opts)
}

// GroupSpec describes a group command. Reduce and Finalize are
// JavaScript source.
type GroupSpec struct {
	Key      any
	Cond     any
	Initial  any
	Reduce   string
	Finalize string
}

// Group runs the group command and resolves to its grouped documents.
func (c *Collection) Group(ctx context.Context, spec GroupSpec, opts ...*Options) *future.Future[[]bson.M] {
	return dispatch[[]bson.M](ctx, c, &pipeline.Request{
		Method:   pipeline.MethodGroup,
		Key:      spec.Key,
		Query:    spec.Cond,
		Initial:  spec.Initial,
		Reduce:   spec.Reduce,
		Finalize: spec.Finalize,
	}, opts)
}

// Drop removes the collection. Dropping a collection that does not
// exist resolves to DropNotFound.
func (c *Collection) Drop(ctx context.Context, opts ...*Options) *future.Future[DropResult] {
	return dispatch[DropResult](ctx, c, &pipeline.Request{Method: pipeline.MethodDrop}, opts)
}

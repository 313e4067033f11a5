package quince

import (
	"context"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// execute is the end of every collection's chain: it performs the
// request against the live collection.
func (m *Manager) execute(ctx context.Context, req *pipeline.Request) (any, error) {
	coll := req.Collection
	if coll == nil {
		return nil, pipeline.ErrNoCollection
	}
	opts := req.Options
	if opts == nil {
		opts = &Options{}
	}

	switch req.Method {
	case pipeline.MethodFind:
		cur, err := coll.Find(ctx, req.Query, opts.FindOptions())
		if err != nil {
			return nil, err
		}
		return m.consume(ctx, cur, opts)
	case pipeline.MethodFindOne:
		doc, err := coll.FindOne(ctx, req.Query, opts.FindOneOptions())
		if db.ResultsNotFound(err) {
			return nil, nil
		}
		return doc, err
	case pipeline.MethodFindOneAndUpdate:
		if !db.HasOperators(req.Update) {
			return nil, ErrUpdateOperators
		}
		doc, err := coll.FindOneAndUpdate(ctx, req.Query, req.Update, opts.FindOneAndUpdateOptions())
		if db.ResultsNotFound(err) {
			return nil, nil
		}
		return doc, err
	case pipeline.MethodFindOneAndDelete:
		doc, err := coll.FindOneAndDelete(ctx, req.Query, opts.FindOneAndDeleteOptions())
		if db.ResultsNotFound(err) {
			return nil, nil
		}
		return doc, err
	case pipeline.MethodInsert:
		return m.insert(ctx, coll, req.Data, opts)
	case pipeline.MethodUpdate:
		return update(ctx, coll, req, opts)
	case pipeline.MethodRemove:
		if pipeline.IsSet(opts.Single) {
			return coll.DeleteOne(ctx, req.Query)
		}
		return coll.DeleteMany(ctx, req.Query)
	case pipeline.MethodCount:
		return coll.CountDocuments(ctx, req.Query, opts.CountOptions())
	case pipeline.MethodDistinct:
		if req.Field == "" {
			return nil, errors.New("distinct requires a field")
		}
		return coll.Distinct(ctx, req.Field, req.Query)
	case pipeline.MethodAggregate:
		stages := req.Stages
		if stages == nil {
			stages = bson.A{}
		}
		cur, err := coll.Aggregate(ctx, stages, opts.AggregateOptions())
		if err != nil {
			return nil, err
		}
		return m.consume(ctx, cur, opts)
	case pipeline.MethodBulkWrite:
		if len(req.Operations) == 0 {
			return &mongo.BulkWriteResult{}, nil
		}
		return coll.BulkWrite(ctx, req.Operations, opts.BulkWriteOptions())
	case pipeline.MethodCreateIndex:
		keys, ok := req.Fields.(bson.D)
		if !ok {
			return nil, errors.Errorf("index keys have type %T", req.Fields)
		}
		return coll.CreateIndex(ctx, mongo.IndexModel{Keys: keys, Options: opts.IndexOptions()})
	case pipeline.MethodDropIndex:
		name, err := indexName(req.Fields, opts)
		if err != nil {
			return nil, err
		}
		return coll.DropIndex(ctx, name)
	case pipeline.MethodDropIndexes:
		return coll.DropIndexes(ctx)
	case pipeline.MethodIndexes:
		specs, err := coll.ListIndexes(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bson.D, len(specs))
		for _, spec := range specs {
			out[spec.Name] = spec.Key
		}
		return out, nil
	case pipeline.MethodStats:
		cmd := bson.D{{Key: "collStats", Value: coll.Name()}}
		if opts.Scale != nil {
			cmd = append(cmd, bson.E{Key: "scale", Value: *opts.Scale})
		}
		return req.Connection.RunCommand(ctx, cmd)
	case pipeline.MethodMapReduce:
		return mapReduce(ctx, req, opts)
	case pipeline.MethodGroup:
		return group(ctx, req)
	case pipeline.MethodDrop:
		err := coll.Drop(ctx)
		if db.IsNamespaceNotFound(err) {
			return DropNotFound, nil
		}
		if err != nil {
			return nil, err
		}
		return Dropped, nil
	default:
		return nil, errors.Errorf("unknown method '%s'", req.Method)
	}
}

// consume turns a cursor into the result the options ask for: the
// cursor itself, a stream to the Each visitor, or all the documents.
func (m *Manager) consume(ctx context.Context, cur driver.Cursor, opts *Options) (any, error) {
	if pipeline.IsSet(opts.RawCursor) {
		return cur, nil
	}
	if opts.Each != nil {
		return nil, newStream(cur, opts.Each, m.logger).run(ctx)
	}

	docs := []bson.M{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "reading cursor")
	}
	return docs, nil
}

func (m *Manager) insert(ctx context.Context, coll driver.Collection, data any, opts *Options) (any, error) {
	idField := m.caster.Field

	switch d := data.(type) {
	case bson.M:
		ensureID(d, idField)
		if _, err := coll.InsertOne(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	case []bson.M:
		if len(d) == 0 {
			return d, nil
		}
		docs := make([]any, len(d))
		for i := range d {
			ensureID(d[i], idField)
			docs[i] = d[i]
		}
		if _, err := coll.InsertMany(ctx, docs, opts.InsertManyOptions()); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errors.Errorf("cannot insert value of type %T", data)
	}
}

// ensureID gives a document without an id, or with a nil one, a new
// ObjectID.
func ensureID(doc bson.M, idField string) {
	if doc[idField] == nil {
		doc[idField] = primitive.NewObjectID()
	}
}

func update(ctx context.Context, coll driver.Collection, req *pipeline.Request, opts *Options) (any, error) {
	if req.Update == nil {
		return nil, errors.New("update requires an update document")
	}
	if pipeline.IsSet(opts.Replace) {
		if db.HasOperators(req.Update) {
			return nil, errors.New("replacement document cannot contain update operators")
		}
		return coll.ReplaceOne(ctx, req.Query, req.Update, opts.ReplaceOptions())
	}
	if !db.HasOperators(req.Update) {
		return nil, ErrUpdateOperators
	}
	if pipeline.IsSet(opts.Multi) {
		return coll.UpdateMany(ctx, req.Query, req.Update, opts.UpdateOptions())
	}
	return coll.UpdateOne(ctx, req.Query, req.Update, opts.UpdateOptions())
}

// indexName resolves the name of the index to drop from the Name
// option, or from keys given in sort form.
func indexName(fields any, opts *Options) (string, error) {
	if opts.Name != nil {
		return *opts.Name, nil
	}
	keys, err := db.Fields(fields, db.Descending)
	if err != nil {
		return "", errors.Wrap(err, "parsing index keys")
	}
	if len(keys) == 0 {
		return "", errors.New("dropping an index requires its keys or name")
	}
	return db.IndexName(keys), nil
}

func mapReduce(ctx context.Context, req *pipeline.Request, opts *Options) ([]bson.M, error) {
	if req.Map == "" || req.Reduce == "" {
		return nil, errors.New("map-reduce requires map and reduce functions")
	}

	cmd := bson.D{
		{Key: "mapReduce", Value: req.Collection.Name()},
		{Key: "map", Value: primitive.JavaScript(req.Map)},
		{Key: "reduce", Value: primitive.JavaScript(req.Reduce)},
		{Key: "out", Value: bson.M{"inline": 1}},
	}
	if req.Finalize != "" {
		cmd = append(cmd, bson.E{Key: "finalize", Value: primitive.JavaScript(req.Finalize)})
	}
	if req.Query != nil {
		cmd = append(cmd, bson.E{Key: "query", Value: req.Query})
	}
	if opts.Sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: opts.Sort})
	}
	if opts.Limit != nil {
		cmd = append(cmd, bson.E{Key: "limit", Value: *opts.Limit})
	}

	out, err := req.Connection.RunCommand(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "running map-reduce")
	}
	return documents(out["results"])
}

func group(ctx context.Context, req *pipeline.Request) ([]bson.M, error) {
	if req.Reduce == "" {
		return nil, errors.New("group requires a reduce function")
	}

	spec := bson.D{
		{Key: "ns", Value: req.Collection.Name()},
		{Key: "$reduce", Value: primitive.JavaScript(req.Reduce)},
		{Key: "initial", Value: req.Initial},
	}
	if req.Key != nil {
		keys, err := db.Fields(req.Key, db.Excluded)
		if err != nil {
			return nil, errors.Wrap(err, "parsing group keys")
		}
		spec = append(spec, bson.E{Key: "key", Value: keys})
	}
	if req.Query != nil {
		spec = append(spec, bson.E{Key: "cond", Value: req.Query})
	}
	if req.Finalize != "" {
		spec = append(spec, bson.E{Key: "finalize", Value: primitive.JavaScript(req.Finalize)})
	}

	out, err := req.Connection.RunCommand(ctx, bson.D{{Key: "group", Value: spec}})
	if err != nil {
		return nil, errors.Wrap(err, "running group")
	}
	return documents(out["retval"])
}

// documents converts an array from a command reply into documents.
func documents(v any) ([]bson.M, error) {
	var elems []any
	switch a := v.(type) {
	case nil:
		return []bson.M{}, nil
	case bson.A:
		elems = a
	case []any:
		elems = a
	case []bson.M:
		return a, nil
	default:
		return nil, errors.Errorf("command reply has %T where an array was expected", v)
	}

	out := make([]bson.M, 0, len(elems))
	for _, e := range elems {
		doc, err := db.Document(e)
		if err != nil {
			return nil, errors.Wrap(err, "decoding command reply")
		}
		out = append(out, doc)
	}
	return out, nil
}

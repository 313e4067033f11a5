package mock

import (
	"context"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is a handle on one in-memory collection.
type Collection struct {
	conn *Connection
	name string
}

func (c *Collection) Name() string { return c.name }

// begin locks the driver, checks the connection and records the call.
// The caller must unlock the driver.
func (c *Collection) begin(method string, arg any) error {
	if err := c.conn.checkOpen(); err != nil {
		return err
	}
	c.conn.driver.mu.Lock()
	if err := c.conn.driver.record(c.name, method, arg); err != nil {
		c.conn.driver.mu.Unlock()
		return err
	}
	return nil
}

func (c *Collection) end() { c.conn.driver.mu.Unlock() }

func (c *Collection) data(create bool) *collectionData {
	return c.conn.driver.collection(c.conn.name, c.name, create)
}

func (c *Collection) matching(filter any) []bson.M {
	data := c.data(false)
	if data == nil {
		return nil
	}
	out := []bson.M{}
	for _, doc := range data.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out
}

func (c *Collection) Find(_ context.Context, filter any, opts *options.FindOptions) (driver.Cursor, error) {
	if err := c.begin("Find", filter); err != nil {
		return nil, err
	}
	defer c.end()

	docs := copyDocs(c.matching(filter))
	if opts != nil {
		if opts.Sort != nil {
			sortDocs(docs, opts.Sort)
		}
		docs = window(docs, opts.Skip, opts.Limit)
		if opts.Projection != nil {
			var err error
			if docs, err = project(docs, opts.Projection); err != nil {
				return nil, err
			}
		}
	}

	return newCursor(docs)
}

func (c *Collection) FindOne(_ context.Context, filter any, opts *options.FindOneOptions) (bson.M, error) {
	if err := c.begin("FindOne", filter); err != nil {
		return nil, err
	}
	defer c.end()

	docs := copyDocs(c.matching(filter))
	var projection any
	if opts != nil {
		if opts.Sort != nil {
			sortDocs(docs, opts.Sort)
		}
		docs = window(docs, opts.Skip, nil)
		projection = opts.Projection
	}
	if len(docs) == 0 {
		return nil, mongo.ErrNoDocuments
	}
	if projection != nil {
		projected, err := project(docs[:1], projection)
		if err != nil {
			return nil, err
		}
		return projected[0], nil
	}
	return docs[0], nil
}

func (c *Collection) FindOneAndUpdate(_ context.Context, filter, update any, opts *options.FindOneAndUpdateOptions) (bson.M, error) {
	if err := c.begin("FindOneAndUpdate", filter); err != nil {
		return nil, err
	}
	defer c.end()

	after := opts != nil && opts.ReturnDocument != nil && *opts.ReturnDocument == options.After
	upsert := opts != nil && opts.Upsert != nil && *opts.Upsert

	matched := c.matching(filter)
	if opts != nil && opts.Sort != nil {
		sortDocs(matched, opts.Sort)
	}
	if len(matched) == 0 {
		if !upsert {
			return nil, mongo.ErrNoDocuments
		}
		doc, err := c.upsertLocked(filter, update)
		if err != nil {
			return nil, err
		}
		if !after {
			return nil, mongo.ErrNoDocuments
		}
		return copyDoc(doc), nil
	}

	target := matched[0]
	before := copyDoc(target)
	if err := applyUpdate(target, update); err != nil {
		return nil, err
	}
	if after {
		return copyDoc(target), nil
	}
	return before, nil
}

func (c *Collection) FindOneAndDelete(_ context.Context, filter any, opts *options.FindOneAndDeleteOptions) (bson.M, error) {
	if err := c.begin("FindOneAndDelete", filter); err != nil {
		return nil, err
	}
	defer c.end()

	matched := c.matching(filter)
	if opts != nil && opts.Sort != nil {
		sortDocs(matched, opts.Sort)
	}
	if len(matched) == 0 {
		return nil, mongo.ErrNoDocuments
	}
	c.deleteLocked(matched[:1])
	return copyDoc(matched[0]), nil
}

func (c *Collection) InsertOne(_ context.Context, doc any) (any, error) {
	if err := c.begin("InsertOne", doc); err != nil {
		return nil, err
	}
	defer c.end()

	return c.insertLocked(doc)
}

func (c *Collection) InsertMany(_ context.Context, docs []any, opts *options.InsertManyOptions) ([]any, error) {
	if err := c.begin("InsertMany", docs); err != nil {
		return nil, err
	}
	defer c.end()

	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		id, err := c.insertLocked(doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Collection) insertLocked(in any) (any, error) {
	doc, err := db.Document(in)
	if err != nil {
		return nil, errors.Wrap(err, "converting document")
	}
	if _, ok := doc[db.IDField]; !ok {
		doc[db.IDField] = primitive.NewObjectID()
	}

	data := c.data(true)
	for _, existing := range data.docs {
		if equalValues(existing[db.IDField], doc[db.IDField]) {
			return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{
				Code:    codeDuplicateKey,
				Message: "E11000 duplicate key error collection: " + c.conn.name + "." + c.name,
			}}}
		}
	}
	data.docs = append(data.docs, doc)

	return doc[db.IDField], nil
}

func (c *Collection) upsertLocked(filter, update any) (bson.M, error) {
	doc := bson.M{}
	if f, err := db.Document(filter); err == nil {
		for k, v := range f {
			if len(k) > 0 && k[0] == '$' {
				continue
			}
			if _, isOperator := v.(bson.M); isOperator {
				continue
			}
			doc[k] = v
		}
	}
	if err := applyUpdate(doc, update); err != nil {
		return nil, err
	}
	if _, err := c.insertLocked(doc); err != nil {
		return nil, err
	}
	docs := c.data(false).docs
	return docs[len(docs)-1], nil
}

func (c *Collection) update(method string, filter, update any, upsert, multi bool) (*mongo.UpdateResult, error) {
	if err := c.begin(method, filter); err != nil {
		return nil, err
	}
	defer c.end()

	res := &mongo.UpdateResult{}
	matched := c.matching(filter)
	if len(matched) == 0 && upsert {
		doc, err := c.upsertLocked(filter, update)
		if err != nil {
			return nil, err
		}
		res.UpsertedCount = 1
		res.UpsertedID = doc[db.IDField]
		return res, nil
	}
	if !multi && len(matched) > 1 {
		matched = matched[:1]
	}
	for _, doc := range matched {
		before := copyDoc(doc)
		if err := applyUpdate(doc, update); err != nil {
			return nil, err
		}
		res.MatchedCount++
		if !equalValues(before, doc) {
			res.ModifiedCount++
		}
	}
	return res, nil
}

func (c *Collection) UpdateOne(_ context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	return c.update("UpdateOne", filter, update, opts != nil && opts.Upsert != nil && *opts.Upsert, false)
}

func (c *Collection) UpdateMany(_ context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	return c.update("UpdateMany", filter, update, opts != nil && opts.Upsert != nil && *opts.Upsert, true)
}

func (c *Collection) ReplaceOne(_ context.Context, filter, replacement any, opts *options.ReplaceOptions) (*mongo.UpdateResult, error) {
	if err := c.begin("ReplaceOne", filter); err != nil {
		return nil, err
	}
	defer c.end()

	repl, err := db.Document(replacement)
	if err != nil {
		return nil, errors.Wrap(err, "converting replacement")
	}

	res := &mongo.UpdateResult{}
	matched := c.matching(filter)
	if len(matched) == 0 {
		if opts != nil && opts.Upsert != nil && *opts.Upsert {
			id, err := c.insertLocked(repl)
			if err != nil {
				return nil, err
			}
			res.UpsertedCount = 1
			res.UpsertedID = id
		}
		return res, nil
	}

	target := matched[0]
	id := target[db.IDField]
	for k := range target {
		delete(target, k)
	}
	for k, v := range repl {
		target[k] = v
	}
	target[db.IDField] = id
	res.MatchedCount, res.ModifiedCount = 1, 1

	return res, nil
}

func (c *Collection) deleteLocked(remove []bson.M) int64 {
	data := c.data(false)
	if data == nil {
		return 0
	}
	var n int64
	kept := data.docs[:0]
	for _, doc := range data.docs {
		drop := false
		for _, r := range remove {
			if equalValues(doc[db.IDField], r[db.IDField]) {
				drop = true
				break
			}
		}
		if drop {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	data.docs = kept
	return n
}

func (c *Collection) DeleteOne(_ context.Context, filter any) (*mongo.DeleteResult, error) {
	if err := c.begin("DeleteOne", filter); err != nil {
		return nil, err
	}
	defer c.end()

	matched := c.matching(filter)
	if len(matched) > 1 {
		matched = matched[:1]
	}
	return &mongo.DeleteResult{DeletedCount: c.deleteLocked(matched)}, nil
}

func (c *Collection) DeleteMany(_ context.Context, filter any) (*mongo.DeleteResult, error) {
	if err := c.begin("DeleteMany", filter); err != nil {
		return nil, err
	}
	defer c.end()

	return &mongo.DeleteResult{DeletedCount: c.deleteLocked(c.matching(filter))}, nil
}

func (c *Collection) BulkWrite(ctx context.Context, models []mongo.WriteModel, _ *options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	res := &mongo.BulkWriteResult{UpsertedIDs: map[int64]any{}}
	for i, model := range models {
		switch m := model.(type) {
		case *mongo.InsertOneModel:
			if _, err := c.InsertOne(ctx, m.Document); err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			res.InsertedCount++
		case *mongo.UpdateOneModel:
			r, err := c.UpdateOne(ctx, m.Filter, m.Update, &options.UpdateOptions{Upsert: m.Upsert})
			if err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			addUpdate(res, r, int64(i))
		case *mongo.UpdateManyModel:
			r, err := c.UpdateMany(ctx, m.Filter, m.Update, &options.UpdateOptions{Upsert: m.Upsert})
			if err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			addUpdate(res, r, int64(i))
		case *mongo.ReplaceOneModel:
			r, err := c.ReplaceOne(ctx, m.Filter, m.Replacement, &options.ReplaceOptions{Upsert: m.Upsert})
			if err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			addUpdate(res, r, int64(i))
		case *mongo.DeleteOneModel:
			r, err := c.DeleteOne(ctx, m.Filter)
			if err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			res.DeletedCount += r.DeletedCount
		case *mongo.DeleteManyModel:
			r, err := c.DeleteMany(ctx, m.Filter)
			if err != nil {
				return res, errors.Wrapf(err, "bulk operation %d", i)
			}
			res.DeletedCount += r.DeletedCount
		default:
			return res, errors.Errorf("unsupported write model %T", model)
		}
	}
	return res, nil
}

func addUpdate(res *mongo.BulkWriteResult, r *mongo.UpdateResult, i int64) {
	res.MatchedCount += r.MatchedCount
	res.ModifiedCount += r.ModifiedCount
	res.UpsertedCount += r.UpsertedCount
	if r.UpsertedID != nil {
		res.UpsertedIDs[i] = r.UpsertedID
	}
}

// Aggregate supports $match, $sort, $skip, $limit, $project and $count.
func (c *Collection) Aggregate(_ context.Context, pipeline any, _ *options.AggregateOptions) (driver.Cursor, error) {
	if err := c.begin("Aggregate", pipeline); err != nil {
		return nil, err
	}
	defer c.end()

	stages, err := stageList(pipeline)
	if err != nil {
		return nil, err
	}

	docs := copyDocs(c.matching(bson.M{}))
	for _, stage := range stages {
		for op, arg := range stage {
			switch op {
			case "$match":
				out := []bson.M{}
				for _, doc := range docs {
					if matches(doc, arg) {
						out = append(out, doc)
					}
				}
				docs = out
			case "$sort":
				sortDocs(docs, arg)
			case "$skip":
				n, ok := toInt64(arg)
				if !ok {
					return nil, errors.New("$skip requires a number")
				}
				docs = window(docs, &n, nil)
			case "$limit":
				n, ok := toInt64(arg)
				if !ok {
					return nil, errors.New("$limit requires a number")
				}
				docs = window(docs, nil, &n)
			case "$project":
				if docs, err = project(docs, arg); err != nil {
					return nil, err
				}
			case "$count":
				field, _ := arg.(string)
				docs = []bson.M{{field: int32(len(docs))}}
			default:
				return nil, errors.Errorf("unsupported aggregation stage '%s'", op)
			}
		}
	}

	return newCursor(docs)
}

func (c *Collection) Distinct(_ context.Context, field string, filter any) ([]any, error) {
	if err := c.begin("Distinct", filter); err != nil {
		return nil, err
	}
	defer c.end()

	out := []any{}
	for _, doc := range c.matching(filter) {
		v, ok := lookup(doc, field)
		if !ok {
			continue
		}
		values := []any{v}
		if arr, isArray := asArray(v); isArray {
			values = arr
		}
		for _, val := range values {
			seen := false
			for _, have := range out {
				if equalValues(have, val) {
					seen = true
					break
				}
			}
			if !seen {
				out = append(out, val)
			}
		}
	}
	return out, nil
}

func (c *Collection) CountDocuments(_ context.Context, filter any, opts *options.CountOptions) (int64, error) {
	if err := c.begin("CountDocuments", filter); err != nil {
		return 0, err
	}
	defer c.end()

	docs := c.matching(filter)
	if opts != nil {
		docs = window(docs, opts.Skip, opts.Limit)
	}
	return int64(len(docs)), nil
}

func (c *Collection) CreateIndex(_ context.Context, model mongo.IndexModel) (string, error) {
	if err := c.begin("CreateIndex", model.Keys); err != nil {
		return "", err
	}
	defer c.end()

	keys, ok := model.Keys.(bson.D)
	if !ok {
		return "", errors.Errorf("index keys have type %T", model.Keys)
	}
	name := db.IndexName(keys)
	if model.Options != nil && model.Options.Name != nil {
		name = *model.Options.Name
	}

	data := c.data(true)
	for _, idx := range data.indexes {
		if idx.Name == name {
			return name, nil
		}
	}
	data.indexes = append(data.indexes, driver.IndexSpec{Name: name, Key: keys})

	return name, nil
}

func (c *Collection) DropIndex(_ context.Context, name string) (bson.M, error) {
	if err := c.begin("DropIndex", name); err != nil {
		return nil, err
	}
	defer c.end()

	data := c.data(false)
	if data == nil {
		return nil, namespaceNotFound()
	}
	was := len(data.indexes)
	for i, idx := range data.indexes {
		if idx.Name == name && name != "_id_" {
			data.indexes = append(data.indexes[:i], data.indexes[i+1:]...)
			return bson.M{"nIndexesWas": int32(was), "ok": 1.0}, nil
		}
	}
	return nil, mongo.CommandError{Code: codeIndexNotFound, Name: "IndexNotFound", Message: "index not found with name [" + name + "]"}
}

func (c *Collection) DropIndexes(_ context.Context) (bson.M, error) {
	if err := c.begin("DropIndexes", nil); err != nil {
		return nil, err
	}
	defer c.end()

	data := c.data(false)
	if data == nil {
		return nil, namespaceNotFound()
	}
	was := len(data.indexes)
	data.indexes = data.indexes[:1]
	return bson.M{"nIndexesWas": int32(was), "msg": "non-_id indexes dropped for collection", "ok": 1.0}, nil
}

// ListIndexes reads the index specifications back through a cursor, the
// way the server returns them.
func (c *Collection) ListIndexes(ctx context.Context) ([]driver.IndexSpec, error) {
	if err := c.begin("ListIndexes", nil); err != nil {
		return nil, err
	}
	data := c.data(false)
	docs := []bson.M{}
	if data != nil {
		for _, idx := range data.indexes {
			docs = append(docs, indexDocument(idx))
		}
	}
	c.end()

	cur, err := newCursor(docs)
	if err != nil {
		return nil, err
	}
	out := []driver.IndexSpec{}
	if err = cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decoding index specifications")
	}
	return out, nil
}

func (c *Collection) Drop(_ context.Context) error {
	if err := c.begin("Drop", nil); err != nil {
		return err
	}
	defer c.end()

	return c.conn.dropLocked(c.name)
}

func newCursor(docs []bson.M) (*mongo.Cursor, error) {
	in := make([]any, len(docs))
	for i := range docs {
		in[i] = docs[i]
	}
	cur, err := mongo.NewCursorFromDocuments(in, nil, nil)
	return cur, errors.Wrap(err, "building cursor")
}

func window(docs []bson.M, skip, limit *int64) []bson.M {
	if skip != nil && *skip > 0 {
		if *skip >= int64(len(docs)) {
			return []bson.M{}
		}
		docs = docs[*skip:]
	}
	if limit != nil && *limit > 0 && *limit < int64(len(docs)) {
		docs = docs[:*limit]
	}
	return docs
}

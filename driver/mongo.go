package driver

import (
	"context"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConnector connects to MongoDB with the official driver.
type MongoConnector struct {
	// Logger receives driver command failures. Defaults to the global
	// grip sender.
	Logger grip.Journaler
	// ClientOptions are applied after the URI.
	ClientOptions []*options.ClientOptions
}

// NewMongoConnector returns a connector that logs to the given
// journaler.
func NewMongoConnector(logger grip.Journaler, opts ...*options.ClientOptions) *MongoConnector {
	return &MongoConnector{Logger: logger, ClientOptions: opts}
}

func (c *MongoConnector) Connect(ctx context.Context, uri, database string) (Connection, error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.MakeGrip(grip.GetSender())
	}

	opts := append([]*options.ClientOptions{
		options.Client().ApplyURI(uri).SetMonitor(commandMonitor(logger)),
	}, c.ClientOptions...)

	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the database")
	}
	if err = client.Ping(ctx, nil); err != nil {
		if disconnectErr := client.Disconnect(ctx); disconnectErr != nil {
			logger.Warning(message.WrapError(disconnectErr, message.Fields{
				"message":  "problem disconnecting after failed ping",
				"database": database,
			}))
		}
		return nil, errors.Wrap(err, "pinging the database")
	}

	return &mongoConnection{client: client, db: client.Database(database)}, nil
}

func commandMonitor(logger grip.Journaler) *event.CommandMonitor {
	return &event.CommandMonitor{
		Failed: func(_ context.Context, evt *event.CommandFailedEvent) {
			logger.Debug(message.Fields{
				"message":     "database command failed",
				"command":     evt.CommandName,
				"request_id":  evt.RequestID,
				"duration_ms": evt.Duration.Milliseconds(),
				"failure":     evt.Failure,
			})
		},
	}
}

type mongoConnection struct {
	client *mongo.Client
	db     *mongo.Database
}

func (c *mongoConnection) Name() string { return c.db.Name() }

func (c *mongoConnection) Collection(name string) Collection {
	return &mongoCollection{coll: c.db.Collection(name)}
}

func (c *mongoConnection) ListCollectionNames(ctx context.Context, filter any) ([]string, error) {
	if filter == nil {
		filter = bson.M{}
	}
	names, err := c.db.ListCollectionNames(ctx, filter)
	return names, errors.Wrap(err, "listing collection names")
}

func (c *mongoConnection) CreateCollection(ctx context.Context, name string) error {
	return errors.Wrapf(c.db.CreateCollection(ctx, name), "creating collection '%s'", name)
}

func (c *mongoConnection) RunCommand(ctx context.Context, cmd any) (bson.M, error) {
	out := bson.M{}
	if err := c.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "running command")
	}
	return out, nil
}

func (c *mongoConnection) Close(ctx context.Context, force bool) error {
	if force {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		cancel()
	}
	err := c.client.Disconnect(ctx)
	if force && errors.Is(err, context.Canceled) {
		return nil
	}
	return errors.Wrap(err, "disconnecting from the database")
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) Find(ctx context.Context, filter any, opts *options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "finding documents in '%s'", c.coll.Name())
	}
	return cur, nil
}

func (c *mongoCollection) FindOne(ctx context.Context, filter any, opts *options.FindOneOptions) (bson.M, error) {
	out := bson.M{}
	if err := c.coll.FindOne(ctx, filter, opts).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "finding document in '%s'", c.coll.Name())
	}
	return out, nil
}

func (c *mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts *options.FindOneAndUpdateOptions) (bson.M, error) {
	out := bson.M{}
	if err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "updating document in '%s'", c.coll.Name())
	}
	return out, nil
}

func (c *mongoCollection) FindOneAndDelete(ctx context.Context, filter any, opts *options.FindOneAndDeleteOptions) (bson.M, error) {
	out := bson.M{}
	if err := c.coll.FindOneAndDelete(ctx, filter, opts).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "deleting document in '%s'", c.coll.Name())
	}
	return out, nil
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc any) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, errors.Wrapf(err, "inserting document into '%s'", c.coll.Name())
	}
	return res.InsertedID, nil
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []any, opts *options.InsertManyOptions) ([]any, error) {
	res, err := c.coll.InsertMany(ctx, docs, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "inserting %d documents into '%s'", len(docs), c.coll.Name())
	}
	return res.InsertedIDs, nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update, opts)
	return res, errors.Wrapf(err, "updating document in '%s'", c.coll.Name())
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, filter, update, opts)
	return res, errors.Wrapf(err, "updating documents in '%s'", c.coll.Name())
}

func (c *mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts *options.ReplaceOptions) (*mongo.UpdateResult, error) {
	res, err := c.coll.ReplaceOne(ctx, filter, replacement, opts)
	return res, errors.Wrapf(err, "replacing document in '%s'", c.coll.Name())
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	return res, errors.Wrapf(err, "deleting document from '%s'", c.coll.Name())
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	return res, errors.Wrapf(err, "deleting documents from '%s'", c.coll.Name())
}

func (c *mongoCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts *options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	res, err := c.coll.BulkWrite(ctx, models, opts)
	return res, errors.Wrapf(err, "running bulk write on '%s'", c.coll.Name())
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline any, opts *options.AggregateOptions) (Cursor, error) {
	cur, err := c.coll.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregating '%s'", c.coll.Name())
	}
	return cur, nil
}

func (c *mongoCollection) Distinct(ctx context.Context, field string, filter any) ([]any, error) {
	out, err := c.coll.Distinct(ctx, field, filter)
	return out, errors.Wrapf(err, "getting distinct values of '%s' in '%s'", field, c.coll.Name())
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter any, opts *options.CountOptions) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, filter, opts)
	return n, errors.Wrapf(err, "counting documents in '%s'", c.coll.Name())
}

func (c *mongoCollection) CreateIndex(ctx context.Context, model mongo.IndexModel) (string, error) {
	name, err := c.coll.Indexes().CreateOne(ctx, model)
	return name, errors.Wrapf(err, "creating index on '%s'", c.coll.Name())
}

func (c *mongoCollection) DropIndex(ctx context.Context, name string) (bson.M, error) {
	raw, err := c.coll.Indexes().DropOne(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "dropping index '%s' on '%s'", name, c.coll.Name())
	}
	return rawToMap(raw)
}

func (c *mongoCollection) DropIndexes(ctx context.Context) (bson.M, error) {
	raw, err := c.coll.Indexes().DropAll(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "dropping indexes on '%s'", c.coll.Name())
	}
	return rawToMap(raw)
}

func (c *mongoCollection) ListIndexes(ctx context.Context) ([]IndexSpec, error) {
	cur, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "listing indexes on '%s'", c.coll.Name())
	}
	out := []IndexSpec{}
	if err = cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "reading indexes on '%s'", c.coll.Name())
	}
	return out, nil
}

func (c *mongoCollection) Drop(ctx context.Context) error {
	err := c.coll.Database().RunCommand(ctx, bson.D{{Key: "drop", Value: c.coll.Name()}}).Err()
	return errors.Wrapf(err, "dropping collection '%s'", c.coll.Name())
}

func rawToMap(raw bson.Raw) (bson.M, error) {
	out := bson.M{}
	if len(raw) == 0 {
		return out, nil
	}
	return out, errors.Wrap(bson.Unmarshal(raw, &out), "decoding command result")
}

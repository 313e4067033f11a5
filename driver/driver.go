// Package driver defines the capability set quince needs from a
// document database and implements it on top of the MongoDB Go driver.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connector establishes connections to a database.
type Connector interface {
	Connect(ctx context.Context, uri, database string) (Connection, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, uri, database string) (Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, uri, database string) (Connection, error) {
	return f(ctx, uri, database)
}

// Connection is a live handle on one database.
type Connection interface {
	Name() string
	Collection(name string) Collection
	ListCollectionNames(ctx context.Context, filter any) ([]string, error)
	CreateCollection(ctx context.Context, name string) error
	RunCommand(ctx context.Context, cmd any) (bson.M, error)
	// Close releases the connection. When force is set in-flight
	// operations are not waited on.
	Close(ctx context.Context, force bool) error
}

// Cursor iterates over the documents of a result set. *mongo.Cursor
// satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
	All(ctx context.Context, results any) error
}

// IndexSpec describes an existing index.
type IndexSpec struct {
	Name string `bson:"name"`
	Key  bson.D `bson:"key"`
}

// Collection is the set of operations available on a single
// collection.
type Collection interface {
	Name() string

	Find(ctx context.Context, filter any, opts *options.FindOptions) (Cursor, error)
	FindOne(ctx context.Context, filter any, opts *options.FindOneOptions) (bson.M, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts *options.FindOneAndUpdateOptions) (bson.M, error)
	FindOneAndDelete(ctx context.Context, filter any, opts *options.FindOneAndDeleteOptions) (bson.M, error)

	InsertOne(ctx context.Context, doc any) (any, error)
	InsertMany(ctx context.Context, docs []any, opts *options.InsertManyOptions) ([]any, error)
	UpdateOne(ctx context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update any, opts *options.UpdateOptions) (*mongo.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts *options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts *options.BulkWriteOptions) (*mongo.BulkWriteResult, error)

	Aggregate(ctx context.Context, pipeline any, opts *options.AggregateOptions) (Cursor, error)
	Distinct(ctx context.Context, field string, filter any) ([]any, error)
	CountDocuments(ctx context.Context, filter any, opts *options.CountOptions) (int64, error)

	CreateIndex(ctx context.Context, model mongo.IndexModel) (string, error)
	DropIndex(ctx context.Context, name string) (bson.M, error)
	DropIndexes(ctx context.Context) (bson.M, error)
	ListIndexes(ctx context.Context) ([]IndexSpec, error)

	// Drop removes the collection. Unlike the driver's Drop, dropping a
	// collection that does not exist returns the server error.
	Drop(ctx context.Context) error
}

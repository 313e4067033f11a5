// Package pipeline holds the request type every collection operation
// is packaged into and the middleware chain it travels through on its
// way to the database.
package pipeline

import (
	"context"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/evergreen-ci/quince/future"
	"github.com/evergreen-ci/quince/gate"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Method names the requested collection operation.
type Method string

const (
	MethodFind             Method = "find"
	MethodFindOne          Method = "findOne"
	MethodFindOneAndUpdate Method = "findOneAndUpdate"
	MethodFindOneAndDelete Method = "findOneAndDelete"
	MethodInsert           Method = "insert"
	MethodUpdate           Method = "update"
	MethodRemove           Method = "remove"
	MethodCount            Method = "count"
	MethodDistinct         Method = "distinct"
	MethodAggregate        Method = "aggregate"
	MethodBulkWrite        Method = "bulkWrite"
	MethodCreateIndex      Method = "createIndex"
	MethodDropIndex        Method = "dropIndex"
	MethodDropIndexes      Method = "dropIndexes"
	MethodIndexes          Method = "indexes"
	MethodStats            Method = "stats"
	MethodMapReduce        Method = "mapReduce"
	MethodGroup            Method = "group"
	MethodDrop             Method = "drop"
)

// ErrNoCollection is returned by a terminal handler that runs before a
// connection has been attached to the request.
var ErrNoCollection = errors.New("request has no collection attached")

// Request is the per-call state of one operation. Only the slots the
// method uses are populated. A request belongs to a single dispatch and
// middlewares modify it in place.
type Request struct {
	Method Method

	Query      any
	Update     any
	Data       any
	Field      string
	Fields     any
	Stages     any
	Operations []mongo.WriteModel

	// map-reduce and group
	Map      string
	Reduce   string
	Finalize string
	Key      any
	Initial  any

	Options  *Options
	Callback future.Callback

	// Set once the connection is open.
	Connection driver.Connection
	Collection driver.Collection
}

// Handler executes a request.
type Handler func(ctx context.Context, req *Request) (any, error)

// Stage wraps the next handler in the chain.
type Stage func(next Handler) Handler

// Middleware configures a stage for one collection.
type Middleware func(mctx Context) Stage

// Opener hands out leases on the live connection.
type Opener interface {
	ExecuteWhenOpened(ctx context.Context) (*gate.Lease, error)
}

// Context is what a middleware knows about the collection it serves.
type Context struct {
	Collection string
	// Defaults returns the collection's default options merged over the
	// manager's. It is called once per request.
	Defaults func() *Options
	Gate     Opener
	Caster   *db.Caster
	Logger   grip.Journaler
	Tracer   trace.Tracer
	Meter    metric.Meter
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/db/cache"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Tracing records a span around each operation.
func Tracing(mctx Context) Stage {
	t := mctx.Tracer
	if t == nil {
		t = tracer
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			ctx, span := t.Start(ctx, fmt.Sprintf("%s.%s", mctx.Collection, req.Method))
			defer span.End()
			span.SetAttributes(
				attribute.String(collectionAttribute, mctx.Collection),
				attribute.String(methodAttribute, string(req.Method)),
			)

			res, err := next(ctx, req)
			if req.Options != nil {
				span.SetAttributes(attribute.Bool(castIDsAttribute, !IsDisabled(req.Options.CastIDs)))
			}
			if err != nil {
				span.SetStatus(codes.Error, "operation failed")
				span.RecordError(err)
			}

			return res, err
		}
	}
}

// Logging logs each operation and how long it took at debug level.
func Logging(mctx Context) Stage {
	logger := mctx.Logger
	if logger == nil {
		logger = logging.MakeGrip(grip.GetSender())
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)

			msg := message.Fields{
				"message":     "collection operation",
				"collection":  mctx.Collection,
				"method":      req.Method,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Debug(message.WrapError(err, msg))
			} else {
				logger.Debug(msg)
			}

			return res, err
		}
	}
}

func takesQuery(m Method) bool {
	switch m {
	case MethodFind, MethodFindOne, MethodFindOneAndUpdate, MethodFindOneAndDelete,
		MethodUpdate, MethodRemove, MethodCount, MethodDistinct:
		return true
	default:
		return false
	}
}

// QueryShape promotes bare identifier queries to id filters and parses
// index key shorthand.
func QueryShape(mctx Context) Stage {
	idField := idFieldOf(mctx)

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if takesQuery(req.Method) {
				req.Query = db.Query(req.Query, idField)
			}
			if req.Method == MethodCreateIndex {
				keys, err := db.Fields(req.Fields, db.Descending)
				if err != nil {
					return nil, errors.Wrap(err, "parsing index keys")
				}
				if len(keys) == 0 {
					return nil, errors.New("index must have at least one key")
				}
				req.Fields = keys
			}

			return next(ctx, req)
		}
	}
}

// OptionDefaults merges the call's options over the collection and
// manager defaults and parses projection and sort shorthand.
func OptionDefaults(mctx Context) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			var defaults *Options
			if mctx.Defaults != nil {
				defaults = mctx.Defaults()
			}

			opts := MergeOptions(req.Options, defaults)
			if err := opts.Normalize(); err != nil {
				return nil, errors.Wrapf(err, "normalizing options for '%s'", req.Method)
			}
			req.Options = opts

			return next(ctx, req)
		}
	}
}

// CastIDs converts identifiers in the request's query, update and
// document slots to ObjectIDs, unless the call turned casting off.
func CastIDs(mctx Context) Stage {
	caster := mctx.Caster
	if caster == nil {
		caster = db.NewCaster(db.IDField)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Options != nil && IsDisabled(req.Options.CastIDs) {
				return next(ctx, req)
			}

			var err error
			switch req.Method {
			case MethodFind, MethodFindOne, MethodFindOneAndDelete, MethodRemove, MethodCount, MethodDistinct,
				MethodMapReduce, MethodGroup:
				req.Query, err = caster.Cast(req.Query)
			case MethodUpdate, MethodFindOneAndUpdate:
				if req.Query, err = caster.Cast(req.Query); err == nil {
					req.Update, err = caster.Cast(req.Update)
				}
			case MethodInsert:
				req.Data, err = caster.Cast(req.Data)
			case MethodAggregate:
				req.Stages, err = caster.Cast(req.Stages)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "casting ids for '%s'", req.Method)
			}

			return next(ctx, req)
		}
	}
}

// SetUpdate wraps plain field updates in $set when the call asked for
// it with the SetUpdate option.
func SetUpdate(mctx Context) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Method != MethodUpdate && req.Method != MethodFindOneAndUpdate {
				return next(ctx, req)
			}
			if req.Options != nil && IsSet(req.Options.SetUpdate) && !IsSet(req.Options.Replace) {
				req.Update = db.WrapSet(req.Update)
			}

			return next(ctx, req)
		}
	}
}

// DocumentCache answers findOne lookups by id from the document cache
// embedded in the context, if there is one for this collection.
func DocumentCache(mctx Context) Stage {
	idField := idFieldOf(mctx)

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Method != MethodFindOne || !cache.Enabled(ctx, mctx.Collection) {
				return next(ctx, req)
			}
			if req.Options != nil && req.Options.Fields != nil {
				return next(ctx, req)
			}
			key, ok := cache.IDKey(idField, req.Query)
			if !ok {
				return next(ctx, req)
			}

			if doc, ok := cache.GetFromCache(ctx, mctx.Collection, key); ok {
				return copyDoc(doc), nil
			}

			res, err := next(ctx, req)
			if doc, ok := res.(bson.M); ok && err == nil && doc != nil {
				cache.SetInCache(ctx, mctx.Collection, key, copyDoc(doc))
			}

			return res, err
		}
	}
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// WaitForConnection blocks until the connection is open, then attaches
// the live collection to the request.
func WaitForConnection(mctx Context) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if mctx.Gate == nil {
				return nil, errors.New("no connection configured")
			}

			lease, err := mctx.Gate.ExecuteWhenOpened(ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "waiting for connection to run '%s'", req.Method)
			}
			defer lease.Release()

			req.Connection = lease.Conn()
			req.Collection = req.Connection.Collection(mctx.Collection)

			return next(lease.Context(), req)
		}
	}
}

func idFieldOf(mctx Context) string {
	if mctx.Caster != nil && mctx.Caster.Field != "" {
		return mctx.Caster.Field
	}
	return db.IDField
}

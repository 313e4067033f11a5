package pipeline

import (
	"time"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/future"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StreamControl lets a visitor steer a streaming find.
type StreamControl interface {
	// Close stops the stream. Documents not yet delivered are dropped.
	Close()
	// Pause holds delivery until a matching Resume.
	Pause()
	Resume()
}

// EachFunc visits one document of a streaming find.
type EachFunc func(doc bson.M, ctl StreamControl)

// Options configure a single operation. Unset fields fall back to the
// collection's defaults and then to the manager's.
type Options struct {
	Fields any    `yaml:"fields" mapstructure:"fields"`
	Sort   any    `yaml:"sort" mapstructure:"sort"`
	Limit  *int64 `yaml:"limit" mapstructure:"limit"`
	Skip   *int64 `yaml:"skip" mapstructure:"skip"`
	Hint   any    `yaml:"hint" mapstructure:"hint"`

	BatchSize *int32         `yaml:"batch_size" mapstructure:"batchSize"`
	MaxTime   *time.Duration `yaml:"max_time" mapstructure:"maxTime"`

	// CastIDs set to false leaves identifiers as given.
	CastIDs *bool `yaml:"cast_ids" mapstructure:"castIds"`
	// RawCursor asks find for the driver cursor instead of documents.
	RawCursor *bool `yaml:"raw_cursor" mapstructure:"rawCursor"`
	// Cache set to false makes the manager build a fresh collection
	// instead of returning the cached one.
	Cache *bool `yaml:"cache" mapstructure:"cache"`

	Upsert         *bool `yaml:"upsert" mapstructure:"upsert"`
	Multi          *bool `yaml:"multi" mapstructure:"multi"`
	Single         *bool `yaml:"single" mapstructure:"single"`
	Replace        *bool `yaml:"replace" mapstructure:"replace"`
	SetUpdate      *bool `yaml:"set_update" mapstructure:"setUpdate"`
	ReturnOriginal *bool `yaml:"return_original" mapstructure:"returnOriginal"`
	Ordered        *bool `yaml:"ordered" mapstructure:"ordered"`

	Unique             *bool   `yaml:"unique" mapstructure:"unique"`
	Sparse             *bool   `yaml:"sparse" mapstructure:"sparse"`
	Name               *string `yaml:"name" mapstructure:"name"`
	ExpireAfterSeconds *int32  `yaml:"expire_after_seconds" mapstructure:"expireAfterSeconds"`

	Scale *int32 `yaml:"scale" mapstructure:"scale"`

	// Each switches find into streaming mode.
	Each EachFunc `yaml:"-" mapstructure:"-"`
	// Callback receives the outcome in addition to the returned future.
	Callback future.Callback `yaml:"-" mapstructure:"-"`
}

// MergeOptions layers option sets from most to least specific: for
// each field the first layer that sets it wins. Each and Callback are
// only taken from the first layer, since they belong to a single call.
func MergeOptions(layers ...*Options) *Options {
	out := &Options{}
	for i, o := range layers {
		if o == nil {
			continue
		}
		if i == 0 {
			out.Each = o.Each
			out.Callback = o.Callback
		}
		out.Fields = firstAny(out.Fields, o.Fields)
		out.Sort = firstAny(out.Sort, o.Sort)
		out.Hint = firstAny(out.Hint, o.Hint)
		out.Limit = first(out.Limit, o.Limit)
		out.Skip = first(out.Skip, o.Skip)
		out.BatchSize = first(out.BatchSize, o.BatchSize)
		out.MaxTime = first(out.MaxTime, o.MaxTime)
		out.CastIDs = first(out.CastIDs, o.CastIDs)
		out.RawCursor = first(out.RawCursor, o.RawCursor)
		out.Cache = first(out.Cache, o.Cache)
		out.Upsert = first(out.Upsert, o.Upsert)
		out.Multi = first(out.Multi, o.Multi)
		out.Single = first(out.Single, o.Single)
		out.Replace = first(out.Replace, o.Replace)
		out.SetUpdate = first(out.SetUpdate, o.SetUpdate)
		out.ReturnOriginal = first(out.ReturnOriginal, o.ReturnOriginal)
		out.Ordered = first(out.Ordered, o.Ordered)
		out.Unique = first(out.Unique, o.Unique)
		out.Sparse = first(out.Sparse, o.Sparse)
		out.Name = first(out.Name, o.Name)
		out.ExpireAfterSeconds = first(out.ExpireAfterSeconds, o.ExpireAfterSeconds)
		out.Scale = first(out.Scale, o.Scale)
	}
	return out
}

func first[T any](have, next *T) *T {
	if have != nil {
		return have
	}
	return next
}

func firstAny(have, next any) any {
	if have != nil {
		return have
	}
	return next
}

// Normalize parses the shorthand field and sort specifications into
// documents.
func (o *Options) Normalize() error {
	fields, err := db.Fields(o.Fields, db.Excluded)
	if err != nil {
		return errors.Wrap(err, "parsing projection")
	}
	sort, err := db.Fields(o.Sort, db.Descending)
	if err != nil {
		return errors.Wrap(err, "parsing sort")
	}
	if fields != nil {
		o.Fields = fields
	}
	if sort != nil {
		o.Sort = sort
	}
	return nil
}

// IsSet reports whether a boolean option is set to true.
func IsSet(b *bool) bool { return b != nil && *b }

// IsDisabled reports whether a boolean option is explicitly false.
func IsDisabled(b *bool) bool { return b != nil && !*b }

func (o *Options) FindOptions() *options.FindOptions {
	opts := options.Find()
	if o.Fields != nil {
		opts.SetProjection(o.Fields)
	}
	if o.Sort != nil {
		opts.SetSort(o.Sort)
	}
	if o.Limit != nil {
		opts.SetLimit(*o.Limit)
	}
	if o.Skip != nil {
		opts.SetSkip(*o.Skip)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.BatchSize != nil {
		opts.SetBatchSize(*o.BatchSize)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) FindOneOptions() *options.FindOneOptions {
	opts := options.FindOne()
	if o.Fields != nil {
		opts.SetProjection(o.Fields)
	}
	if o.Sort != nil {
		opts.SetSort(o.Sort)
	}
	if o.Skip != nil {
		opts.SetSkip(*o.Skip)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) FindOneAndUpdateOptions() *options.FindOneAndUpdateOptions {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if IsSet(o.ReturnOriginal) {
		opts.SetReturnDocument(options.Before)
	}
	if o.Fields != nil {
		opts.SetProjection(o.Fields)
	}
	if o.Sort != nil {
		opts.SetSort(o.Sort)
	}
	if o.Upsert != nil {
		opts.SetUpsert(*o.Upsert)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) FindOneAndDeleteOptions() *options.FindOneAndDeleteOptions {
	opts := options.FindOneAndDelete()
	if o.Fields != nil {
		opts.SetProjection(o.Fields)
	}
	if o.Sort != nil {
		opts.SetSort(o.Sort)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) UpdateOptions() *options.UpdateOptions {
	opts := options.Update()
	if o.Upsert != nil {
		opts.SetUpsert(*o.Upsert)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	return opts
}

func (o *Options) ReplaceOptions() *options.ReplaceOptions {
	opts := options.Replace()
	if o.Upsert != nil {
		opts.SetUpsert(*o.Upsert)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	return opts
}

func (o *Options) CountOptions() *options.CountOptions {
	opts := options.Count()
	if o.Limit != nil {
		opts.SetLimit(*o.Limit)
	}
	if o.Skip != nil {
		opts.SetSkip(*o.Skip)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) AggregateOptions() *options.AggregateOptions {
	opts := options.Aggregate()
	if o.BatchSize != nil {
		opts.SetBatchSize(*o.BatchSize)
	}
	if o.Hint != nil {
		opts.SetHint(o.Hint)
	}
	if o.MaxTime != nil {
		opts.SetMaxTime(*o.MaxTime)
	}
	return opts
}

func (o *Options) InsertManyOptions() *options.InsertManyOptions {
	opts := options.InsertMany()
	if o.Ordered != nil {
		opts.SetOrdered(*o.Ordered)
	}
	return opts
}

func (o *Options) BulkWriteOptions() *options.BulkWriteOptions {
	opts := options.BulkWrite()
	if o.Ordered != nil {
		opts.SetOrdered(*o.Ordered)
	}
	return opts
}

func (o *Options) IndexOptions() *options.IndexOptions {
	opts := options.Index()
	if o.Unique != nil {
		opts.SetUnique(*o.Unique)
	}
	if o.Sparse != nil {
		opts.SetSparse(*o.Sparse)
	}
	if o.Name != nil {
		opts.SetName(*o.Name)
	}
	if o.ExpireAfterSeconds != nil {
		opts.SetExpireAfterSeconds(*o.ExpireAfterSeconds)
	}
	return opts
}

package quince

import (
	"context"
	"sync"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/evergreen-ci/quince/future"
	"github.com/evergreen-ci/quince/gate"
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ManagerOptions hold the collaborators a Manager is built with.
type ManagerOptions struct {
	Connector driver.Connector
	Logger    grip.Journaler
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// ManagerOption configures a Manager.
type ManagerOption func(*ManagerOptions)

// WithConnector replaces the MongoDB connector.
func WithConnector(c driver.Connector) ManagerOption {
	return func(o *ManagerOptions) { o.Connector = c }
}

// WithLogger sets the journaler the manager and its collections log to.
func WithLogger(l grip.Journaler) ManagerOption {
	return func(o *ManagerOptions) { o.Logger = l }
}

// WithTracer sets the tracer operations record spans with.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(o *ManagerOptions) { o.Tracer = t }
}

// WithMeter sets the meter operation metrics are recorded with.
func WithMeter(mt metric.Meter) ManagerOption {
	return func(o *ManagerOptions) { o.Meter = mt }
}

// Manager owns the connection to one database and hands out
// collections that share it.
type Manager struct {
	settings *Settings
	uri      string
	database string

	gate   *gate.Gate
	logger grip.Journaler
	tracer trace.Tracer
	meter  metric.Meter
	caster *db.Caster

	mu          sync.RWMutex
	collections map[string]*Collection
	middlewares []pipeline.Middleware
	defaults    *Options
}

// Connect returns a manager for the database at uri, which is either a
// connection string or a list of them. The connection is opened in the
// background; operations issued before it is open wait for it.
func Connect(uri any, opts ...ManagerOption) (*Manager, error) {
	settings := &Settings{}
	switch u := uri.(type) {
	case string:
		settings.URL = u
	case []string:
		settings.Hosts = u
	default:
		return nil, errors.Errorf("connection string has unsupported type %T", uri)
	}

	return NewManager(settings, opts...)
}

// NewManager returns a manager configured by settings and starts
// connecting.
func NewManager(settings *Settings, opts ...ManagerOption) (*Manager, error) {
	if settings == nil {
		return nil, ErrNoURI
	}
	if err := settings.ValidateAndDefault(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	uri, database, err := settings.ConnectionString()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	mopts := &ManagerOptions{}
	for _, o := range opts {
		o(mopts)
	}
	if mopts.Logger == nil {
		mopts.Logger, err = newLogger(settings)
		if err != nil {
			return nil, errors.Wrap(err, "setting up logger")
		}
	}
	if mopts.Connector == nil {
		mopts.Connector = driver.NewMongoConnector(mopts.Logger,
			options.Client().SetAppName(settings.AppName))
	}

	defaults := settings.DefaultOptions
	m := &Manager{
		settings:    settings,
		uri:         uri,
		database:    database,
		logger:      mopts.Logger,
		tracer:      mopts.Tracer,
		meter:       mopts.Meter,
		caster:      db.NewCaster(settings.IDField),
		collections: map[string]*Collection{},
		defaults:    &defaults,
	}

	connector := mopts.Connector
	timeout := settings.ConnectTimeout()
	m.gate = gate.New(func(ctx context.Context) (driver.Connection, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn, err := connector.Connect(ctx, m.uri, m.database)
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to database '%s'", m.database)
		}
		m.logger.Info(message.Fields{
			"message":  "connected to database",
			"database": m.database,
		})
		return conn, nil
	}, m.logger)
	m.gate.Open()

	return m, nil
}

func newLogger(settings *Settings) (grip.Journaler, error) {
	sender, err := send.NewNativeLogger(settings.AppName, send.LevelInfo{
		Default:   level.Info,
		Threshold: level.FromString(settings.LogLevel),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return logging.MakeGrip(sender), nil
}

// Database returns the name of the managed database.
func (m *Manager) Database() string { return m.database }

// State returns the connection state: closed, opening or open.
func (m *Manager) State() string { return m.gate.State() }

// Ready waits until the current connection attempt has settled.
func (m *Manager) Ready(ctx context.Context) error { return m.gate.Ready(ctx) }

// Logger returns the manager's journaler.
func (m *Manager) Logger() grip.Journaler { return m.logger }

// Collection returns the named collection. Collections are cached by
// name, unless opts set Cache to false, in which case a new collection
// is built. Options given here become the collection's defaults.
func (m *Manager) Collection(name string, opts ...*Options) *Collection {
	collOpts := callOptions(opts)
	cache := !pipeline.IsDisabled(collOpts.Cache)

	m.mu.RLock()
	coll, ok := m.collections[name]
	middlewares := append(pipeline.DefaultMiddlewares(), m.middlewares...)
	m.mu.RUnlock()
	if ok && cache {
		return coll
	}

	// middlewares are configured outside the lock, since they may call
	// back into the manager.
	built := m.newCollection(name, collOpts, middlewares)
	if !cache {
		return built
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok = m.collections[name]; ok {
		return coll
	}
	m.collections[name] = built

	return built
}

func (m *Manager) newCollection(name string, opts *Options, middlewares []pipeline.Middleware) *Collection {
	defaults := pipeline.MergeOptions(opts, m.settings.Collections[name])

	return newCollection(m, name, defaults, middlewares)
}

// Create creates a collection on the server and resolves to it.
func (m *Manager) Create(ctx context.Context, name string, opts ...*Options) *future.Future[*Collection] {
	cb := callOptions(opts).Callback
	ctx, release := m.gate.Reserve(ctx)

	return future.Go(ctx, func(ctx context.Context) (*Collection, error) {
		defer release()

		lease, err := m.gate.ExecuteWhenOpened(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "waiting to create collection '%s'", name)
		}
		defer lease.Release()

		if err = lease.Conn().CreateCollection(lease.Context(), name); err != nil {
			return nil, errors.Wrapf(err, "creating collection '%s'", name)
		}

		return m.Collection(name, opts...), nil
	}, cb)
}

// ListCollections resolves to the collections matching filter.
func (m *Manager) ListCollections(ctx context.Context, filter any) *future.Future[[]*Collection] {
	ctx, release := m.gate.Reserve(ctx)

	return future.Go(ctx, func(ctx context.Context) ([]*Collection, error) {
		defer release()

		lease, err := m.gate.ExecuteWhenOpened(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "waiting to list collections")
		}
		defer lease.Release()

		names, err := lease.Conn().ListCollectionNames(lease.Context(), filter)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		out := make([]*Collection, 0, len(names))
		for _, name := range names {
			out = append(out, m.Collection(name))
		}
		return out, nil
	}, nil)
}

// AddMiddleware appends a middleware to the chain of every collection
// built after this call. Cached collections keep the chain they were
// built with.
func (m *Manager) AddMiddleware(mw pipeline.Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.middlewares = append(m.middlewares, mw)
}

// SetDefaultCollectionOptions replaces the manager-level defaults. The
// change applies to subsequent operations on every collection.
func (m *Manager) SetDefaultCollectionOptions(opts *Options) {
	if opts == nil {
		opts = &Options{}
	}
	merged := pipeline.MergeOptions(opts)
	merged.Each, merged.Callback = nil, nil

	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = merged
}

func (m *Manager) defaultOptions() *Options {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.defaults
}

// ID casts v to an ObjectID. With no argument, or nil, it returns a new
// ObjectID.
func (m *Manager) ID(v ...any) (primitive.ObjectID, error) {
	if len(v) == 0 {
		return primitive.NewObjectID(), nil
	}
	return db.ID(v[0])
}

// Cast returns a copy of v with every identifier converted to an
// ObjectID.
func (m *Manager) Cast(v any) (any, error) {
	return m.caster.Cast(v)
}

// Close closes the connection. Operations issued afterwards reopen it.
// When force is set, in-flight operations are not waited on.
func (m *Manager) Close(ctx context.Context, force bool) error {
	return errors.Wrap(m.gate.Close(ctx, force), "closing manager")
}

// Package mock provides an in-memory implementation of the driver
// interfaces for tests.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/driver"
	"github.com/mongodb/anser/bsonutil"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// this is just a hack to ensure that compile breaks clearly if the
// mock implementation diverges from the interface
var (
	_ driver.Connector  = &Driver{}
	_ driver.Connection = &Connection{}
	_ driver.Collection = &Collection{}
)

var (
	indexNameKey = bsonutil.MustHaveTag(driver.IndexSpec{}, "Name")
	indexKeyKey  = bsonutil.MustHaveTag(driver.IndexSpec{}, "Key")
)

const (
	codeNamespaceNotFound = 26
	codeIndexNotFound     = 27
	codeNamespaceExists   = 48
	codeCommandNotFound   = 59
	codeDuplicateKey      = 11000
)

// Call is one recorded driver operation.
type Call struct {
	Collection string
	Method     string
	Arg        any
}

// Driver is an in-memory database server. Every connection made with
// it shares the same data.
type Driver struct {
	// ConnectDelay is how long Connect waits before returning.
	ConnectDelay time.Duration
	// ConnectError, when set, is returned by Connect.
	ConnectError error
	// Errors maps a method name, such as "InsertOne", to the error it
	// should fail with.
	Errors map[string]error

	mu        sync.Mutex
	connects  int
	calls     []Call
	databases map[string]*database
}

type database struct {
	collections map[string]*collectionData
}

type collectionData struct {
	docs    []bson.M
	indexes []driver.IndexSpec
}

// NewDriver returns an empty in-memory server.
func NewDriver() *Driver {
	return &Driver{
		Errors:    map[string]error{},
		databases: map[string]*database{},
	}
}

func (d *Driver) Connect(ctx context.Context, uri, name string) (driver.Connection, error) {
	d.mu.Lock()
	d.connects++
	delay, connectErr := d.ConnectDelay, d.ConnectError
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connecting to mock database")
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.databases[name]; !ok {
		d.databases[name] = &database{collections: map[string]*collectionData{}}
	}

	return &Connection{driver: d, name: name}, nil
}

// Connects returns how many times Connect has been called.
func (d *Driver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.connects
}

// Calls returns the recorded operations in the order they ran.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Documents returns a copy of the documents stored in a collection.
func (d *Driver) Documents(dbName, coll string) []bson.M {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := d.collection(dbName, coll, false)
	if data == nil {
		return nil
	}
	return copyDocs(data.docs)
}

// record must be called with the lock held.
func (d *Driver) record(coll, method string, arg any) error {
	d.calls = append(d.calls, Call{Collection: coll, Method: method, Arg: arg})
	return d.Errors[method]
}

// collection must be called with the lock held.
func (d *Driver) collection(dbName, name string, create bool) *collectionData {
	dbase, ok := d.databases[dbName]
	if !ok {
		if !create {
			return nil
		}
		dbase = &database{collections: map[string]*collectionData{}}
		d.databases[dbName] = dbase
	}
	data, ok := dbase.collections[name]
	if !ok && create {
		data = &collectionData{
			indexes: []driver.IndexSpec{{Name: "_id_", Key: bson.D{{Key: db.IDField, Value: 1}}}},
		}
		dbase.collections[name] = data
	}
	return data
}

// Connection is a connection to one in-memory database.
type Connection struct {
	driver *Driver
	name   string

	mu     sync.Mutex
	closed bool
	forced bool
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) Collection(name string) driver.Collection {
	return &Collection{conn: c, name: name}
}

// Closed reports whether the connection was closed, and whether the
// close was forced.
func (c *Connection) Closed() (closed, forced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed, c.forced
}

func (c *Connection) ListCollectionNames(_ context.Context, filter any) ([]string, error) {
	d := c.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record("", "ListCollectionNames", filter); err != nil {
		return nil, err
	}

	names := []string{}
	dbase, ok := d.databases[c.name]
	if !ok {
		return names, nil
	}
	for name := range dbase.collections {
		if filter != nil && !matches(bson.M{"name": name}, filter) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Connection) CreateCollection(_ context.Context, name string) error {
	d := c.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.record(name, "CreateCollection", nil); err != nil {
		return err
	}
	if d.collection(c.name, name, false) != nil {
		return mongo.CommandError{Code: codeNamespaceExists, Name: "NamespaceExists", Message: "collection already exists"}
	}
	d.collection(c.name, name, true)
	return nil
}

// RunCommand supports collStats and drop. Other commands fail the way
// a server without them would.
func (c *Connection) RunCommand(_ context.Context, cmd any) (bson.M, error) {
	d := c.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := db.Document(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "decoding command")
	}
	var name string
	if cmdDoc, ok := cmd.(bson.D); ok && len(cmdDoc) > 0 {
		name = cmdDoc[0].Key
	} else {
		for k := range doc {
			name = k
		}
	}
	if err = d.record("", "RunCommand", name); err != nil {
		return nil, err
	}

	switch name {
	case "collStats":
		coll, _ := doc[name].(string)
		data := d.collection(c.name, coll, false)
		if data == nil {
			return nil, namespaceNotFound()
		}
		size := 0
		for _, stored := range data.docs {
			raw, err := bson.Marshal(stored)
			if err != nil {
				return nil, errors.Wrap(err, "measuring document")
			}
			size += len(raw)
		}
		scale := 1
		if s, ok := doc["scale"].(int32); ok && s > 0 {
			scale = int(s)
		}
		return bson.M{
			"ns":          c.name + "." + coll,
			"count":       int64(len(data.docs)),
			"size":        int64(size / scale),
			"nindexes":    int32(len(data.indexes)),
			"scaleFactor": int32(scale),
			"ok":          1.0,
		}, nil
	case "drop":
		coll, _ := doc[name].(string)
		return bson.M{"ok": 1.0}, c.dropLocked(coll)
	default:
		return nil, mongo.CommandError{Code: codeCommandNotFound, Name: "CommandNotFound", Message: "no such command: '" + name + "'"}
	}
}

func (c *Connection) dropLocked(name string) error {
	dbase, ok := c.driver.databases[c.name]
	if !ok {
		return namespaceNotFound()
	}
	if _, ok = dbase.collections[name]; !ok {
		return namespaceNotFound()
	}
	delete(dbase.collections, name)
	return nil
}

func (c *Connection) Close(_ context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.forced = force
	return nil
}

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return mongo.ErrClientDisconnected
	}
	return nil
}

func copyDocs(docs []bson.M) []bson.M {
	out := make([]bson.M, len(docs))
	for i := range docs {
		out[i] = copyDoc(docs[i])
	}
	return out
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func namespaceNotFound() error {
	return mongo.CommandError{Code: codeNamespaceNotFound, Name: "NamespaceNotFound", Message: db.NamespaceNotFound}
}

func indexDocument(spec driver.IndexSpec) bson.M {
	return bson.M{indexNameKey: spec.Name, indexKeyKey: spec.Key}
}

package quince

import (
	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/pkg/errors"
)

// DropResult is what a successful Drop resolves to.
type DropResult string

const (
	// Dropped means the collection existed and was removed.
	Dropped DropResult = "dropped"
	// DropNotFound means there was no collection to drop.
	DropNotFound DropResult = db.NamespaceNotFound
)

var (
	// ErrNoURI is returned when a manager is configured without a
	// connection string.
	ErrNoURI = errors.New("no connection string given")
	// ErrRawCursor is returned by Find when called with RawCursor set.
	ErrRawCursor = errors.New("raw cursors are returned by FindCursor, not Find")
	// ErrUpdateOperators is returned for an update document with fields
	// that are not update operators and neither SetUpdate nor Replace
	// was requested.
	ErrUpdateOperators = errors.New("update document requires atomic operators")
)

// Aliases so callers rarely need to import the pipeline package.
type (
	Options       = pipeline.Options
	EachFunc      = pipeline.EachFunc
	StreamControl = pipeline.StreamControl
	Middleware    = pipeline.Middleware
	Request       = pipeline.Request
	Handler       = pipeline.Handler
)

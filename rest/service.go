// Package rest exposes collection operations over HTTP.
package rest

import (
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/quince"
	"github.com/evergreen-ci/quince/db/cache"
	"github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "quince"
	apiVersion  = 1

	collectionVar = "collection"
	idVar         = "id"
)

// NewApp returns a resolved application serving the collections of the
// manager's database under /rest/v1. Requests are traced with tp, and
// browsers on allowedOrigins may call the API across origins.
func NewApp(m *quince.Manager, tp trace.TracerProvider, allowedOrigins ...string) (*gimlet.APIApp, error) {
	app := gimlet.NewApp()
	app.SetPrefix("rest")
	AttachHandler(app, m)

	if err := app.Resolve(); err != nil {
		return nil, errors.Wrap(err, "resolving routes")
	}
	router, err := app.Router()
	if err != nil {
		return nil, errors.Wrap(err, "getting router")
	}
	router.Use(otelmux.Middleware(serviceName, otelmux.WithTracerProvider(tp)))
	router.Use(handlers.CompressHandler)
	if len(allowedOrigins) > 0 {
		router.Use(handlers.CORS(
			handlers.AllowedOrigins(allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
	}

	return app, nil
}

// AttachHandler adds the collection routes to app.
func AttachHandler(app *gimlet.APIApp, m *quince.Manager) {
	app.AddWrapper(cache.NewGimletMiddleware("rest", collectionVar))

	app.AddRoute("/status").Version(apiVersion).Get().RouteHandler(makeStatusHandler(m))
	app.AddRoute("/collections").Version(apiVersion).Get().RouteHandler(makeListCollections(m))
	app.AddRoute("/collections/{collection}/stats").Version(apiVersion).Get().RouteHandler(makeCollectionStats(m))
	app.AddRoute("/collections/{collection}/documents").Version(apiVersion).Get().RouteHandler(makeFindDocuments(m))
	app.AddRoute("/collections/{collection}/documents").Version(apiVersion).Post().RouteHandler(makeInsertDocuments(m))
	app.AddRoute("/collections/{collection}/documents/{id}").Version(apiVersion).Get().RouteHandler(makeFetchDocument(m))
	app.AddRoute("/collections/{collection}/documents/{id}").Version(apiVersion).Delete().RouteHandler(makeRemoveDocument(m))
}

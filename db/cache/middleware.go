package cache

import (
	"net/http"

	"github.com/evergreen-ci/gimlet"
)

// gimletMiddleware embeds a db cache for the collection named in the
// route into the context of the request.
type gimletMiddleware struct {
	name     string
	routeVar string
}

// NewGimletMiddleware returns a route wrapper that caches id lookups
// against the collection held in routeVar for the life of a request.
// It must be installed as a wrapper so the route variables are
// resolved when it runs.
func NewGimletMiddleware(name, routeVar string) gimlet.Middleware {
	return &gimletMiddleware{name: name, routeVar: routeVar}
}

func (e *gimletMiddleware) ServeHTTP(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	collection := gimlet.GetVars(r)[e.routeVar]
	if collection == "" {
		next(rw, r)
		return
	}

	next(rw, r.WithContext(Embed(r.Context(), e.name, collection)))
}

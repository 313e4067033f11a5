package pipeline

// Compose folds stages right to left into a single stage, so that
// Compose(a, b, c)(h) is a(b(c(h))). With no stages it returns the
// handler unchanged.
func Compose(stages ...Stage) Stage {
	return func(next Handler) Handler {
		for i := len(stages) - 1; i >= 0; i-- {
			next = stages[i](next)
		}
		return next
	}
}

// Apply configures each middleware for the collection and builds the
// chain ending in terminal. The first middleware runs first.
func Apply(mctx Context, middlewares []Middleware, terminal Handler) Handler {
	stages := make([]Stage, 0, len(middlewares))
	for _, mw := range middlewares {
		if mw == nil {
			continue
		}
		stages = append(stages, mw(mctx))
	}
	return Compose(stages...)(terminal)
}

// DefaultMiddlewares returns the chain every collection starts with.
// Middlewares added by the user run after these, between the
// connection wait and the database call.
func DefaultMiddlewares() []Middleware {
	return []Middleware{
		Tracing,
		Metrics,
		Logging,
		QueryShape,
		OptionDefaults,
		CastIDs,
		SetUpdate,
		DocumentCache,
		WaitForConnection,
	}
}

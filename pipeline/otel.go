package pipeline

import "go.opentelemetry.io/otel"

const (
	packageName = "github.com/evergreen-ci/quince/pipeline"

	collectionAttribute = "quince.collection"
	methodAttribute     = "quince.method"
	castIDsAttribute    = "quince.cast_ids"
)

var tracer = otel.GetTracerProvider().Tracer(packageName)

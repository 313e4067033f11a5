package pipeline

import (
	"context"
	"time"

	"github.com/mongodb/grip/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	operationsInstrument = "quince.operations"
	durationInstrument   = "quince.operation.duration"
	outcomeAttribute     = "quince.outcome"
)

// Metrics counts operations and records their duration, by collection,
// method and outcome.
func Metrics(mctx Context) Stage {
	meter := mctx.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(packageName)
	}

	operations, err := meter.Int64Counter(operationsInstrument,
		metric.WithUnit("1"),
		metric.WithDescription("Collection operations run"))
	if err == nil {
		var duration metric.Float64Histogram
		duration, err = meter.Float64Histogram(durationInstrument,
			metric.WithUnit("ms"),
			metric.WithDescription("Time from dispatch to result, including the wait for a connection"))
		if err == nil {
			return recordMetrics(mctx.Collection, operations, duration)
		}
	}

	if mctx.Logger != nil {
		mctx.Logger.Warning(message.WrapError(err, message.Fields{
			"message":    "operation metrics disabled",
			"collection": mctx.Collection,
		}))
	}
	return func(next Handler) Handler { return next }
}

func recordMetrics(collection string, operations metric.Int64Counter, duration metric.Float64Histogram) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)

			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			attrs := metric.WithAttributes(
				attribute.String(collectionAttribute, collection),
				attribute.String(methodAttribute, string(req.Method)),
				attribute.String(outcomeAttribute, outcome),
			)
			operations.Add(ctx, 1, attrs)
			duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

			return res, err
		}
	}
}

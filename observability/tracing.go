package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the globally-registered provider.
// Incoming HTTP spans are created by the otelhttp wrappers; background loops
// use this to start their own roots so a block can be followed from intake
// through posting.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

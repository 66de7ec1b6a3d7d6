package core

import (
	"context"

	"go.opentelemetry.io/otel"
)

// InjectTrace writes the trace context of ctx into props using the global
// propagator.
func InjectTrace(ctx context.Context, props Properties) {
	if props == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propertiesCarrier(props))
}

// ExtractTrace returns ctx enriched with any trace context found in props.
func ExtractTrace(ctx context.Context, props Properties) context.Context {
	if len(props) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propertiesCarrier(props))
}

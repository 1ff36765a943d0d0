package emit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as an
// OpenTelemetry span.
//
// Each span carries:
//   - Name: the event type (e.g. "EXCHANGE_CHECKPOINT")
//   - Attributes: routeforge.route_id, routeforge.exchange_id, plus
//     all Data entries prefixed with "routeforge."
//   - Status: error when the event carries an "error" data entry
//
// Spans are ended immediately; events represent points in time, not
// durations.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter on the given tracer, e.g.
// otel.Tracer("routeforge").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span (implements Emitter).
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("routeforge.route_id", event.RouteID),
		attribute.String("routeforge.exchange_id", event.ExchangeID),
	)
	for key, value := range event.Data {
		span.SetAttributes(attribute.String("routeforge."+key, value))
	}

	if errMsg, ok := event.Data["error"]; ok {
		span.SetStatus(codes.Error, errMsg)
	}
}

// Flush forces export of pending spans on the global tracer provider.
// Call before shutdown so buffered spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

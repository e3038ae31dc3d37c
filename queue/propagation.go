package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// AttributesCarrier exposes message attributes to otel text map propagators.
type AttributesCarrier struct {
	Attributes *Attributes
}

var _ propagation.TextMapCarrier = AttributesCarrier{}

func (c AttributesCarrier) Get(key string) string {
	v, _ := c.Attributes.String(key)
	return v
}

func (c AttributesCarrier) Set(key string, value string) {
	c.Attributes.Set(key, StringAttribute(value))
}

func (c AttributesCarrier) Keys() []string {
	return c.Attributes.Names()
}

// InjectTraceContext writes the span context of ctx into attrs.
func InjectTraceContext(ctx context.Context, attrs *Attributes) {
	otel.GetTextMapPropagator().Inject(ctx, AttributesCarrier{Attributes: attrs})
}

// ExtractTraceContext returns ctx enriched with any span context found in attrs.
func ExtractTraceContext(ctx context.Context, attrs Attributes) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, AttributesCarrier{Attributes: &attrs})
}

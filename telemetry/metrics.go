package telemetry

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Units are encoded according to the case-sensitive abbreviations from the
// Unified Code for Units of Measure: http://unitsofmeasure.org/ucum.html.
const unitMilliseconds = "ms"

// ConsumerProcessingDuration is the handler latency histogram recorded by consumer engines.
const ConsumerProcessingDuration = "vqueue.consumer.processing.duration"

var defaultMillisecondsBoundaries = []float64{ //nolint:gochecknoglobals // histogram boundaries shared by every view
	0.0, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 8.0, 10.0, 13.0, 16.0, 20.0, 25.0, 30.0, 40.0,
	50.0, 65.0, 80.0, 100.0, 130.0, 160.0, 200.0, 250.0, 300.0, 400.0, 500.0, 650.0, 800.0, 1000.0, 2000.0,
	5000.0, 10000.0, 20000.0, 30000.0,
}

// Views returns the latency and completed call views for a package traced with NewTracer.
func Views(pkg string) []sdkmetric.View {
	return []sdkmetric.View{
		func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
			if inst.Kind != sdkmetric.InstrumentKindHistogram || inst.Name != pkg+"/latency" {
				return sdkmetric.Stream{}, false
			}
			return sdkmetric.Stream{
				Name:        inst.Name,
				Description: "Distribution of method latency, by package and method.",
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
					Boundaries: defaultMillisecondsBoundaries,
				},
				AttributeFilter: func(kv attribute.KeyValue) bool {
					return kv.Key == AttrPackageKey || kv.Key == AttrMethodKey
				},
			}, true
		},

		func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
			if inst.Kind != sdkmetric.InstrumentKindHistogram || inst.Name != pkg+"/latency" {
				return sdkmetric.Stream{}, false
			}
			return sdkmetric.Stream{
				Name:        strings.Replace(inst.Name, "/latency", "/completed_calls", 1),
				Description: "Count of method calls by method and status.",
				Aggregation: sdkmetric.DefaultAggregationSelector(sdkmetric.InstrumentKindCounter),
				AttributeFilter: func(kv attribute.KeyValue) bool {
					return kv.Key == AttrMethodKey || kv.Key == AttrStatusKey
				},
			}, true
		},
	}
}

// ConsumerViews buckets handler latency the same way as method latency.
func ConsumerViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: ConsumerProcessingDuration, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: defaultMillisecondsBoundaries,
			}},
		),
	}
}

// LatencyMeasure returns the histogram method call latency is recorded on.
func LatencyMeasure(pkg string) metric.Float64Histogram {
	pkgMeter := otel.Meter(pkg, metric.WithInstrumentationAttributes(AttrPackageKey.String(pkg)))

	m, err := pkgMeter.Float64Histogram(
		pkg+"/latency",
		metric.WithDescription("Latency distribution of method calls"),
		metric.WithUnit(unitMilliseconds),
	)
	if err != nil {
		// Only invalid instrument names fail here.
		panic(fmt.Sprintf("pkg=%q: %v", pkg, err))
	}

	return m
}

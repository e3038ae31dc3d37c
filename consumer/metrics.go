package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pitabwire/vqueue/queue"
)

const instrumentationName = "github.com/pitabwire/vqueue/consumer"

// Metrics is a point in time view of an engine's counters.
type Metrics struct {
	Received              int64
	Processed             int64
	Failed                int64
	InFlight              int64
	PollErrors            int64
	AverageProcessingTime time.Duration
	LastActivity          time.Time
}

// IsIdle reports whether nothing is being processed right now.
func (m Metrics) IsIdle() bool {
	return m.InFlight <= 0
}

// engineMetrics tracks operational metrics for an engine and mirrors them to otel.
type engineMetrics struct {
	activeMessages atomic.Int64 // Currently active messages being processed
	lastActivity   atomic.Int64 // Last activity timestamp in UnixNano
	processingTime atomic.Int64 // Total processing time in nanoseconds
	receivedCount  atomic.Int64
	messageCount   atomic.Int64 // Total messages processed
	errorCount     atomic.Int64
	pollErrorCount atomic.Int64

	attrs      metric.MeasurementOption
	received   metric.Int64Counter
	processed  metric.Int64Counter
	failed     metric.Int64Counter
	pollErrors metric.Int64Counter
	duration   metric.Float64Histogram
}

func newEngineMetrics(meter metric.Meter, queueURL string) *engineMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	kind := "physical"
	if queue.IsVirtualQueueURL(queueURL) {
		kind = "virtual"
	}

	m := &engineMetrics{
		attrs: metric.WithAttributes(attribute.String("queue.kind", kind)),
	}

	// Instruments that fail to register stay nil and are skipped when recording.
	m.received, _ = meter.Int64Counter("vqueue.consumer.messages.received",
		metric.WithDescription("Messages returned by receive calls"), metric.WithUnit("{message}"))
	m.processed, _ = meter.Int64Counter("vqueue.consumer.messages.processed",
		metric.WithDescription("Messages handled successfully"), metric.WithUnit("{message}"))
	m.failed, _ = meter.Int64Counter("vqueue.consumer.messages.failed",
		metric.WithDescription("Messages whose handler returned an error"), metric.WithUnit("{message}"))
	m.pollErrors, _ = meter.Int64Counter("vqueue.consumer.poll.errors",
		metric.WithDescription("Receive calls that failed"), metric.WithUnit("{error}"))
	m.duration, _ = meter.Float64Histogram("vqueue.consumer.processing.duration",
		metric.WithDescription("Handler execution time"), metric.WithUnit("ms"))

	return m
}

func (m *engineMetrics) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *engineMetrics) batchReceived(ctx context.Context, n int) {
	m.touch()
	m.receivedCount.Add(int64(n))
	if m.received != nil {
		m.received.Add(ctx, int64(n), m.attrs)
	}
}

func (m *engineMetrics) pollFailed(ctx context.Context) {
	m.pollErrorCount.Add(1)
	if m.pollErrors != nil {
		m.pollErrors.Add(ctx, 1, m.attrs)
	}
}

func (m *engineMetrics) openMessage() time.Time {
	m.activeMessages.Add(1)
	return time.Now()
}

func (m *engineMetrics) closeMessage(ctx context.Context, startTime time.Time, err error) {
	elapsed := time.Since(startTime)

	if err != nil {
		m.errorCount.Add(1)
		if m.failed != nil {
			m.failed.Add(ctx, 1, m.attrs)
		}
	} else if m.processed != nil {
		m.processed.Add(ctx, 1, m.attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1e3, m.attrs)
	}

	m.processingTime.Add(elapsed.Nanoseconds())
	m.messageCount.Add(1)
	m.activeMessages.Add(-1)
	m.touch()
}

func (m *engineMetrics) snapshot() Metrics {
	out := Metrics{
		Received:   m.receivedCount.Load(),
		Processed:  m.messageCount.Load() - m.errorCount.Load(),
		Failed:     m.errorCount.Load(),
		InFlight:   m.activeMessages.Load(),
		PollErrors: m.pollErrorCount.Load(),
	}
	if count := m.messageCount.Load(); count > 0 {
		out.AverageProcessingTime = time.Duration(m.processingTime.Load() / count)
	}
	if last := m.lastActivity.Load(); last > 0 {
		out.LastActivity = time.Unix(0, last)
	}
	return out
}

// Package observe provides the observability primitives shared by the
// meetcap binaries: OpenTelemetry metrics exported through Prometheus,
// tracing helpers and an HTTP middleware for the admin endpoints.
//
// Tests should build their own [Metrics] with [NewMetrics] and an SDK
// meter provider backed by a manual reader. Production code that has no
// injected instance uses [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/meetcap/pkg/audio/wav"
	"github.com/MrWong99/meetcap/pkg/stream"
)

// meterName is the instrumentation scope for all meetcap metrics.
const meterName = "github.com/MrWong99/meetcap"

// Metrics holds the OpenTelemetry instruments of the capture pipeline.
// The OTel types synchronise internally, so a Metrics value is safe for
// concurrent use.
type Metrics struct {
	// --- Capture ---

	// FramesReceived counts frames delivered by the provider. Attribute: kind.
	FramesReceived metric.Int64Counter

	// BytesWritten counts PCM bytes persisted to raw files. Attribute: kind.
	BytesWritten metric.Int64Counter

	// WriteErrors counts open or write failures. Attribute: kind.
	WriteErrors metric.Int64Counter

	// FramesDropped counts frames discarded before reaching a file.
	// Attribute: reason ("invalid", "not_subscribed", "abandoned").
	FramesDropped metric.Int64Counter

	// ActiveEntities tracks open participant, share and mixed files.
	ActiveEntities metric.Int64UpDownCounter

	// --- Conversion ---

	// ConversionDuration tracks the wall time of a whole directory
	// conversion.
	ConversionDuration metric.Float64Histogram

	// FilesConverted counts conversion outcomes. Attribute: status.
	FilesConverted metric.Int64Counter

	// --- Archive ---

	// ArchiveUploads counts uploaded objects. Attribute: status.
	ArchiveUploads metric.Int64Counter

	// --- Receiver ---

	// FramesReceivedRemote counts frames decoded by the receiver.
	// Attribute: transport ("tcp", "websocket").
	FramesReceivedRemote metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// conversionBuckets are histogram boundaries in seconds for directory
// conversions, which range from milliseconds to minutes.
var conversionBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesReceived, err = m.Int64Counter("meetcap.capture.frames",
		metric.WithDescription("Frames delivered by the audio provider, by kind."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("meetcap.capture.bytes_written",
		metric.WithDescription("PCM bytes appended to raw files, by kind."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.WriteErrors, err = m.Int64Counter("meetcap.capture.write_errors",
		metric.WithDescription("Raw file open or write failures, by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("meetcap.capture.frames_dropped",
		metric.WithDescription("Frames discarded before reaching a file, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveEntities, err = m.Int64UpDownCounter("meetcap.capture.active_entities",
		metric.WithDescription("Raw files currently held open."),
	); err != nil {
		return nil, err
	}

	if met.ConversionDuration, err = m.Float64Histogram("meetcap.convert.duration",
		metric.WithDescription("Wall time of a session directory conversion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(conversionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FilesConverted, err = m.Int64Counter("meetcap.convert.files",
		metric.WithDescription("Raw files processed by conversion, by status."),
	); err != nil {
		return nil, err
	}

	if met.ArchiveUploads, err = m.Int64Counter("meetcap.archive.uploads",
		metric.WithDescription("Objects uploaded to the archive, by status."),
	); err != nil {
		return nil, err
	}

	if met.FramesReceivedRemote, err = m.Int64Counter("meetcap.receiver.frames",
		metric.WithDescription("Frames decoded by the receiver, by transport."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("meetcap.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. It panics if instrument creation fails, which does not
// happen with a well-formed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one received frame of the given kind and the bytes
// written for it.
func (m *Metrics) RecordFrame(ctx context.Context, kind string, written int) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.FramesReceived.Add(ctx, 1, attrs)
	if written > 0 {
		m.BytesWritten.Add(ctx, int64(written), attrs)
	}
}

// RecordWriteError counts an open or write failure for kind.
func (m *Metrics) RecordWriteError(ctx context.Context, kind string) {
	m.WriteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop counts a discarded frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConversion records the outcome of a directory conversion.
func (m *Metrics) RecordConversion(ctx context.Context, rep wav.Report) {
	m.ConversionDuration.Record(ctx, rep.Duration.Seconds())
	if n := rep.ConvertedCount(); n > 0 {
		m.FilesConverted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", "ok")))
	}
	if n := rep.SkippedCount(); n > 0 {
		m.FilesConverted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", "failed")))
	}
}

// RecordUpload counts one archive upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.ArchiveUploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRemoteFrame counts a frame decoded by the receiver.
func (m *Metrics) RecordRemoteFrame(ctx context.Context, transport string) {
	m.FramesReceivedRemote.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// ObserveQueue exports the counters of a streaming queue as observable
// instruments. stats is polled on every collection and may return
// ok=false while no queue is running. Unregister the returned registration
// when the source goes away.
func (m *Metrics) ObserveQueue(stats func() (stream.Stats, bool)) (metric.Registration, error) {
	depth, err := m.meter.Int64ObservableGauge("meetcap.stream.queue.depth",
		metric.WithDescription("Chunks buffered in the streaming queue."))
	if err != nil {
		return nil, err
	}
	sent, err := m.meter.Int64ObservableCounter("meetcap.stream.chunks_sent",
		metric.WithDescription("Chunks delivered to the streaming backend."))
	if err != nil {
		return nil, err
	}
	dropped, err := m.meter.Int64ObservableCounter("meetcap.stream.chunks_dropped",
		metric.WithDescription("Chunks discarded because the queue was full."))
	if err != nil {
		return nil, err
	}
	failed, err := m.meter.Int64ObservableCounter("meetcap.stream.send_failures",
		metric.WithDescription("Failed backend sends."))
	if err != nil {
		return nil, err
	}
	reconnects, err := m.meter.Int64ObservableCounter("meetcap.stream.reconnects",
		metric.WithDescription("Backend reconnect attempts."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st, ok := stats()
		if !ok {
			return nil
		}
		o.ObserveInt64(depth, int64(st.Depth))
		o.ObserveInt64(sent, int64(st.Sent))
		o.ObserveInt64(dropped, int64(st.Dropped))
		o.ObserveInt64(failed, int64(st.Failed))
		o.ObserveInt64(reconnects, int64(st.Reconnects))
		return nil
	}, depth, sent, dropped, failed, reconnects)
}

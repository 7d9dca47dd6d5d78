package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/coachpo/pulse"

// Instruments groups the pipeline and delivery metrics. A nil *Instruments records nothing.
type Instruments struct {
	storage string

	written    metric.Int64Counter
	dropped    metric.Int64Counter
	uploads    metric.Int64Counter
	duration   metric.Float64Histogram
	batchBytes metric.Int64Histogram
}

// NewInstruments registers the pulse instruments on the provider. A nil provider uses the
// global one.
func NewInstruments(provider metric.MeterProvider, storage string) (*Instruments, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	in := &Instruments{storage: storage}
	var err error
	if in.written, err = meter.Int64Counter("pulse_events_written_total",
		metric.WithDescription("Events appended to the batch store"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if in.dropped, err = meter.Int64Counter("pulse_events_dropped_total",
		metric.WithDescription("Events that never reached the batch store"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if in.uploads, err = meter.Int64Counter("pulse_batches_uploaded_total",
		metric.WithDescription("Batch upload attempts by result"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if in.duration, err = meter.Float64Histogram("pulse_upload_duration_seconds",
		metric.WithDescription("Latency of batch uploads"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if in.batchBytes, err = meter.Int64Histogram("pulse_batch_bytes",
		metric.WithDescription("Uncompressed size of uploaded batches"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Instruments) base(attrs []attribute.KeyValue) metric.MeasurementOption {
	if in.storage != "" {
		attrs = append(attrs, AttrStorage.String(in.storage))
	}
	return metric.WithAttributes(attrs...)
}

// EventWritten counts an event appended to the store.
func (in *Instruments) EventWritten(ctx context.Context, eventType string) {
	if in == nil {
		return
	}
	in.written.Add(ctx, 1, in.base(EventAttributes(Environment(), eventType)))
}

// EventDropped counts an event discarded before storage.
func (in *Instruments) EventDropped(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	in.dropped.Add(ctx, 1, in.base(DropAttributes(Environment(), reason)))
}

// BatchUploaded records one upload attempt.
func (in *Instruments) BatchUploaded(ctx context.Context, result string, status, bytes int, took time.Duration) {
	if in == nil {
		return
	}
	opt := in.base(UploadAttributes(Environment(), result, status))
	in.uploads.Add(ctx, 1, opt)
	if took > 0 {
		in.duration.Record(ctx, took.Seconds(), opt)
	}
	if bytes > 0 {
		in.batchBytes.Record(ctx, int64(bytes), opt)
	}
}

// BatchDiscarded counts closed batches dropped without upload.
func (in *Instruments) BatchDiscarded(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	attrs := UploadAttributes(Environment(), ResultDiscarded, 0)
	attrs = append(attrs, AttrReason.String(reason))
	in.uploads.Add(ctx, 1, in.base(attrs))
}

package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, sr, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "constbus", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	_, done := p.TrackOperation(context.Background(), "bus.send")
	done(errors.New("ignored"))
	p.RecordRoute(context.Background(), "fast", "low")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "bus.send")
	require.NotNil(t, ctx)
	done(nil)
	p.RecordAudit(context.Background(), "message", "delivered")
}

func TestTrackOperation_RED(t *testing.T) {
	p, sr, reader := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "bus.send", AttrTenantID.String("t1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "bus.send", AttrTenantID.String("t1"))
	done(errorir.Validation("constitutional_hash", "mismatch"))

	assert.Equal(t, int64(2), counterTotal(t, reader, "constbus.operations.total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "constbus.errors.total"))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "bus.send", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("constbus.operation", "bus.send"))
}

func TestRecordRouteAndAudit(t *testing.T) {
	p, _, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordRoute(ctx, "fast", "low")
	p.RecordRoute(ctx, "deliberation", "critical")
	p.RecordAudit(ctx, "message", "delivered")

	assert.Equal(t, int64(2), counterTotal(t, reader, "constbus.messages.routed"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "constbus.audit.entries"))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, string(errorir.KindIntegrity), errorKind(errorir.Integrity(errorir.CodeBatchLost, "gone")))
	assert.Equal(t, "*errors.errorString", errorKind(errors.New("plain")))
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel provider
// and restores it via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp, "TracerProvider should be nil when disabled")
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "qaforge-test",
		SampleRate:   0.5,
	}
	p, err := Init(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK, "global TracerProvider should be *sdktrace.TracerProvider")

	// 没有 collector，Shutdown 可能返回连接错误，只要求不 panic
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_TracerRecordsSpans(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	rec := tracetest.NewSpanRecorder()
	p := NewProviders(sdktrace.WithSpanProcessor(rec))

	_, span := p.Tracer().Start(context.Background(), "qaforge.dispatch.attempt")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "qaforge.dispatch.attempt", ended[0].Name())
	assert.Equal(t, InstrumentationName, ended[0].InstrumentationScope().Name)
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}

package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return recorder
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing service", &Config{Endpoint: "x:4317"}, true},
		{"missing endpoint", &Config{ServiceName: "r"}, true},
		{"bad sampler", &Config{ServiceName: "r", Endpoint: "x:4317", Sampler: 2}, true},
		{"bad batcher", &Config{ServiceName: "r", Endpoint: "x:4317", Batcher: "async"}, true},
		{"ok", DefaultConfig("registrar"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestInitDisabledInstallsLocalProvider(t *testing.T) {
	shutdown, err := Init(&Config{Enabled: false, ServiceName: "registrar"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := otel.Tracer("t").Start(context.Background(), "op")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
}

func TestSendReceiveSpansAreLinked(t *testing.T) {
	recorder := setupRecorder(t)

	meta := MessageMeta{System: SystemNATS, Destination: "registrar.s.interest", ChannelKind: "interest", MessageKind: "interest"}
	sendCtx, sendSpan, headers := StartSendSpan(context.Background(), meta)
	require.NotEmpty(t, headers["traceparent"])
	sendSpan.End()

	_, recvSpan := StartReceiveSpan(context.Background(), headers, meta)
	MarkSpanError(recvSpan, errors.New("decode failed"))
	recvSpan.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "channel.send interest", spans[0].Name())
	assert.Equal(t, oteltrace.SpanKindProducer, spans[0].SpanKind())

	recv := spans[1]
	assert.Equal(t, "channel.receive interest", recv.Name())
	require.Len(t, recv.Links(), 1)
	assert.Equal(t, oteltrace.SpanContextFromContext(sendCtx).TraceID(), recv.Links()[0].SpanContext.TraceID())
	assert.Equal(t, codes.Error, recv.Status().Code)
}

func TestReceiveWithoutHeaders(t *testing.T) {
	recorder := setupRecorder(t)
	_, span := StartReceiveSpan(context.Background(), nil, MessageMeta{})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "channel.receive", spans[0].Name())
	assert.Empty(t, spans[0].Links())
}

package common

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSetupLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Service: "directoryd", Version: "test", Output: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	log.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "directoryd", entry["service"])
	assert.Equal(t, "test", entry["version"])
	assert.Equal(t, traceID.String(), entry["trace"])
	assert.Equal(t, spanID.String(), entry["spanId"])
	assert.Equal(t, true, entry["traceSampled"])
}

func TestSetupLoggerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Output: &buf})

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Info("shown")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "trace")
}

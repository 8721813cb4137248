package tracer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"estate-ai/internal/infra/config"
)

func resetProvider(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
}

func TestSetupNoop(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true},
		{Enabled: true, Exporter: "noop"},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))

		_, ok := otel.GetTracerProvider().(noop.TracerProvider)
		assert.True(t, ok, "%+v gave %T", cfg, otel.GetTracerProvider())
	}
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	assert.ErrorContains(t, err, "unsupported exporter")

	_, err = Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "file"})
	assert.ErrorContains(t, err, "tracer.endpoint")
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	resetProvider(t)
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"}, &buf, nil)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "agent.turn")
	span.SetAttributes(StringAttr("conversation.id", "wa-1"), IntAttr("iterations", 2))
	RecordError(span, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "agent.turn")
	assert.Contains(t, out, "wa-1")
	assert.Contains(t, out, "estate-ai")
}

func TestFileExporterAppends(t *testing.T) {
	resetProvider(t)
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "file", Endpoint: path, SampleRatio: 1})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "gateway.search")
	SetOK(span)
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gateway.search")
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop")
	RecordError(span, nil)
	span.End()
}

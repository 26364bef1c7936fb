package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,x-tenant=nagare,,broken,=nokey")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "nagare",
	}, headers)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("NAGARE_OTEL_DISABLED", "")

	cfg := ConfigFromEnv("prover", "test")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{"k": "v"}, cfg.Headers)
	require.True(t, cfg.Traces)
	require.Equal(t, 1.0, cfg.SampleRatio)

	t.Setenv("NAGARE_TRACE_SAMPLE_RATIO", "0.25")
	require.Equal(t, 0.25, ConfigFromEnv("prover", "test").SampleRatio)

	t.Setenv("NAGARE_OTEL_DISABLED", "true")
	cfg = ConfigFromEnv("prover", "test")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSamplerRatioBounds(t *testing.T) {
	require.Equal(t, "AlwaysOnSampler", sampler(0).Description())
	require.Equal(t, "AlwaysOnSampler", sampler(1.5).Description())
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}

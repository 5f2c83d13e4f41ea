package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.Registry)
	assert.Empty(t, tel.Addr)
	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestMetricsEndpointServesCounters(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "test", PrometheusAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	c, err := tel.Meter.Int64Counter("gojostore.test.calls_total", metric.WithUnit("1"))
	require.NoError(t, err)
	c.Add(context.Background(), 3)

	resp, err := http.Get("http://" + tel.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gojostore_test_calls")
}

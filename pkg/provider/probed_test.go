package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeops/helmsman/pkg/types"
)

func TestProbedMetricsEndpointHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	inner := NewFakeMetricsProvider()
	probed := NewProbedMetrics(inner)

	up, err := probed.EndpointHealth(context.Background(), server.URL+"/health")
	require.NoError(t, err)
	assert.True(t, up)

	up, err = probed.EndpointHealth(context.Background(), server.URL+"/broken")
	require.NoError(t, err)
	assert.False(t, up)

	// The fake says this endpoint is up, but the live probe wins
	inner.SetEndpointHealth(server.URL+"/broken", true)
	up, err = probed.EndpointHealth(context.Background(), server.URL+"/broken")
	require.NoError(t, err)
	assert.False(t, up)
}

func TestProbedMetricsTCPEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	addr := strings.TrimPrefix(server.URL, "http://")

	probed := NewProbedMetrics(NewFakeMetricsProvider())

	up, err := probed.EndpointHealth(context.Background(), "tcp://"+addr)
	require.NoError(t, err)
	assert.True(t, up)

	server.Close()
	up, err = probed.EndpointHealth(context.Background(), "tcp://"+addr)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestProbedMetricsDelegatesMetrics(t *testing.T) {
	inner := NewFakeMetricsProvider()
	inner.SetMetric("dep-1", "errorRate", 0.03)
	inner.SetEnvironmentErrorRate(types.EnvironmentGreen, 0.02)

	probed := NewProbedMetrics(inner)

	snap, err := probed.DeploymentMetrics(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, 0.03, snap.Values["errorRate"])

	rate, err := probed.EnvironmentErrorRate(context.Background(), types.EnvironmentGreen)
	require.NoError(t, err)
	assert.Equal(t, 0.02, rate)
}

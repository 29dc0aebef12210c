package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestStatusHysteresis verifies the consecutive-threshold state machine
func TestStatusHysteresis(t *testing.T) {
	config := DefaultConfig()

	tests := []struct {
		name    string
		results []bool
		healthy bool
	}{
		{"fresh status starts healthy", nil, true},
		{"one failure holds healthy", []bool{false}, true},
		{"two failures hold healthy", []bool{false, false}, true},
		{"three failures flip unhealthy", []bool{false, false, false}, false},
		{"success resets the failure streak", []bool{false, false, true, false, false}, true},
		{"one success does not recover", []bool{false, false, false, true}, false},
		{"two successes do not recover", []bool{false, false, false, true, true}, false},
		{"three successes recover", []bool{false, false, false, true, true, true}, true},
		{"failure resets the success streak", []bool{false, false, false, true, true, false, true, true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewStatus()
			for _, healthy := range tt.results {
				status.Update(Result{Healthy: healthy, CheckedAt: time.Now()}, config)
			}
			assert.Equal(t, tt.healthy, status.Healthy)
		})
	}
}

func TestStatusCounters(t *testing.T) {
	config := DefaultConfig()
	status := NewStatus()

	status.Update(Result{Healthy: false}, config)
	status.Update(Result{Healthy: false}, config)
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Zero(t, status.ConsecutiveSuccesses)

	status.Update(Result{Healthy: true}, config)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Equal(t, 1, status.ConsecutiveSuccesses)
}

func TestHTTPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	t.Run("healthy endpoint", func(t *testing.T) {
		checker := NewHTTPChecker(server.URL + "/health")
		result := checker.Check(context.Background())
		assert.True(t, result.Healthy)
		assert.Contains(t, result.Message, "200")
	})

	t.Run("server error", func(t *testing.T) {
		checker := NewHTTPChecker(server.URL + "/broken")
		result := checker.Check(context.Background())
		assert.False(t, result.Healthy)
	})

	t.Run("custom status range", func(t *testing.T) {
		checker := NewHTTPChecker(server.URL + "/broken").WithStatusRange(500, 599)
		result := checker.Check(context.Background())
		assert.True(t, result.Healthy)
	})

	t.Run("unreachable", func(t *testing.T) {
		checker := NewHTTPChecker("http://127.0.0.1:1/health").WithTimeout(100 * time.Millisecond)
		result := checker.Check(context.Background())
		assert.False(t, result.Healthy)
	})
}

func TestTCPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	t.Run("open port", func(t *testing.T) {
		checker := NewTCPChecker(server.Listener.Addr().String())
		result := checker.Check(context.Background())
		assert.True(t, result.Healthy)
	})

	t.Run("closed port", func(t *testing.T) {
		checker := NewTCPChecker("127.0.0.1:1")
		result := checker.Check(context.Background())
		assert.False(t, result.Healthy)
	})
}

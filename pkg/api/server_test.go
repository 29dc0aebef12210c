package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeops/helmsman/pkg/approval"
	"github.com/tradeops/helmsman/pkg/bluegreen"
	"github.com/tradeops/helmsman/pkg/canary"
	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/rollback"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

type apiFixture struct {
	server *Server
	state  *provider.FakeStateProvider
	gate   *approval.Gate
	engine *rollback.Engine
}

func newTestServer(t *testing.T) *apiFixture {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store := storage.NewMemoryStore()
	metricsProvider := provider.NewFakeMetricsProvider()
	stateProvider := provider.NewFakeStateProvider()
	tradingControl := provider.NewFakeTradingControl()
	loadBalancer := provider.NewFakeLoadBalancer()
	instanceRuntime := provider.NewFakeInstanceRuntime()

	canaries := canary.NewController(store, metricsProvider, broker).
		WithMonitorInterval(time.Hour)
	t.Cleanup(canaries.Stop)

	promoter := bluegreen.NewPromoter(store, loadBalancer, instanceRuntime, metricsProvider, broker, "1.0.0", bluegreen.Config{
		DeployTimeout:   2 * time.Second,
		HealthInterval:  time.Millisecond,
		CutoverDuration: 10 * time.Millisecond,
		DrainTimeout:    time.Millisecond,
	})

	gate := approval.NewGate(broker)
	engine := rollback.NewEngine(store, stateProvider, tradingControl, gate, broker, rollback.Config{})
	t.Cleanup(engine.Stop)

	stateProvider.SetState("momentum-v2", &types.StatePayload{
		Positions: []*types.Position{{Symbol: "AAPL", Quantity: 100, EntryPrice: 187.5}},
		Balances:  map[string]float64{"USD": 250000},
	})

	return &apiFixture{
		server: NewServer(canaries, promoter, engine, gate, store),
		state:  stateProvider,
		gate:   gate,
		engine: engine,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestLaunchAndGetCanary(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/canaries", map[string]interface{}{
		"strategy_id":     "momentum-v2",
		"version":         "2.1.0",
		"initial_traffic": 5,
		"target_traffic":  50,
		"ramp_duration":   "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created types.CanaryDeployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.CanaryStatusActive, created.Status)
	assert.Equal(t, 5, created.TrafficAllocation)

	rec = f.do(t, http.MethodGet, "/api/v1/canaries/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/canaries", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLaunchCanaryValidation(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/canaries", map[string]interface{}{
		"version": "2.1.0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/canaries", map[string]interface{}{
		"strategy_id":     "momentum-v2",
		"version":         "2.1.0",
		"initial_traffic": 60,
		"target_traffic":  50,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCanaryNotFound(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/api/v1/canaries/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackCanaryConflictWhenTerminal(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/canaries", map[string]interface{}{
		"strategy_id":     "momentum-v2",
		"version":         "2.1.0",
		"initial_traffic": 5,
		"target_traffic":  50,
		"ramp_duration":   "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.CanaryDeployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/canaries/%s/promote", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/canaries/%s/rollback", created.ID), map[string]string{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProductionStatusAndPromotion(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/production", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BLUE")

	rec = f.do(t, http.MethodPost, "/api/v1/production/promote", map[string]interface{}{
		"strategy_id": "momentum-v2",
		"version":     "2.0.0",
		"approvals":   []string{"alice", "bob"},
		"report": map[string]interface{}{
			"baseline":      map[string]interface{}{"error_rate": 0.002, "throughput": 400},
			"security_scan": map[string]interface{}{"passed": true},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var record types.PromotionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, types.PromotionCompleted, record.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/production/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPromotionRejectedWithoutApprovals(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/production/promote", map[string]interface{}{
		"strategy_id": "momentum-v2",
		"version":     "2.0.0",
		"approvals":   []string{"alice"},
		"report": map[string]interface{}{
			"baseline":      map[string]interface{}{"error_rate": 0.002},
			"security_scan": map[string]interface{}{"passed": true},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "approvals")
}

func TestProductionRollbackWithoutStandbyVersion(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/production/rollback", map[string]string{"version": "0.9.0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotLifecycle(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/snapshots", map[string]string{
		"deployment_id": "dep-1",
		"strategy_id":   "momentum-v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/dep-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSimulateRollback(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rollbacks/simulate", map[string]interface{}{
		"deployment_id":  "dep-1",
		"strategy_id":    "momentum-v2",
		"target_version": "2.0.0",
		"environment":    "production",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "risk level: high")
}

func TestExecuteRollbackRequiresSnapshot(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rollbacks/execute", map[string]interface{}{
		"deployment_id":  "dep-1",
		"strategy_id":    "momentum-v2",
		"target_version": "2.0.0",
		"environment":    "canary",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteRollbackAccepted(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/snapshots", map[string]string{
		"deployment_id": "dep-1",
		"strategy_id":   "momentum-v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/rollbacks/execute", map[string]interface{}{
		"deployment_id":  "dep-1",
		"strategy_id":    "momentum-v2",
		"target_version": "2.0.0",
		"environment":    "canary",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "medium")

	// Low-risk rollbacks need no approval; history eventually records it
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = f.do(t, http.MethodGet, "/api/v1/rollbacks/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var results []types.RollbackResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
		if len(results) == 1 {
			assert.Equal(t, types.RollbackSuccess, results[0].Status)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rollback never completed")
}

func TestApprovalQueue(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())

	f.gate.Submit("req-1", "rollback of dep-1", types.RiskHigh, time.Minute)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "req-1")

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/req-1/approve", map[string]string{"actor": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/req-1/approve", map[string]string{"actor": "bob"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionEndpoints(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"kind":        "order",
		"reversible":  true,
		"description": "manual fill adjustment",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "manual fill adjustment")
}

func TestHealthEndpoints(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

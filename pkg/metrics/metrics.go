package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Canary metrics
	CanariesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_canaries_total",
			Help: "Number of canary deployments by status",
		},
		[]string{"status"},
	)

	CanaryTrafficAllocation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_canary_traffic_allocation",
			Help: "Current traffic percentage routed to a canary deployment",
		},
		[]string{"deployment_id"},
	)

	TriggerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_trigger_trips_total",
			Help: "Rollback trigger trips by metric and severity",
		},
		[]string{"metric", "severity"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_healthcheck_failures_total",
			Help: "Canary health check failures by check name",
		},
		[]string{"check"},
	)

	// Blue-green metrics
	EnvironmentWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_environment_weight",
			Help: "Load balancer weight per production slot",
		},
		[]string{"environment"},
	)

	EnvironmentHealthyInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_environment_healthy_instances",
			Help: "Healthy instance count per production slot",
		},
		[]string{"environment"},
	)

	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_promotions_total",
			Help: "Completed promotions by outcome",
		},
		[]string{"status"},
	)

	CutoverStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helmsman_cutover_step_duration_seconds",
			Help:    "Duration of a single cutover traffic step including its watch window",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rollback metrics
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_rollbacks_total",
			Help: "Executed rollbacks by outcome",
		},
		[]string{"status"},
	)

	RollbackStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_rollback_steps_total",
			Help: "Rollback step executions by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_snapshots_total",
			Help: "State snapshots captured",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(CanariesTotal)
	prometheus.MustRegister(CanaryTrafficAllocation)
	prometheus.MustRegister(TriggerTripsTotal)
	prometheus.MustRegister(HealthCheckFailuresTotal)
	prometheus.MustRegister(EnvironmentWeight)
	prometheus.MustRegister(EnvironmentHealthyInstances)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(CutoverStepDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RollbackStepsTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

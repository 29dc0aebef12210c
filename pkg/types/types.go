package types

import (
	"time"

	"github.com/tradeops/helmsman/pkg/probe"
)

// CanaryStatus represents the lifecycle state of a canary deployment
type CanaryStatus string

const (
	CanaryStatusActive     CanaryStatus = "active"
	CanaryStatusCompleted  CanaryStatus = "completed"
	CanaryStatusFailed     CanaryStatus = "failed"
	CanaryStatusRolledBack CanaryStatus = "rolled-back"
)

// Terminal reports whether the status is a terminal state.
// Transitions out of a terminal state are never allowed.
func (s CanaryStatus) Terminal() bool {
	return s == CanaryStatusCompleted || s == CanaryStatusFailed || s == CanaryStatusRolledBack
}

// CanaryDeployment represents one small-traffic deployment being validated
// before full rollout
type CanaryDeployment struct {
	ID                string
	StrategyID        string
	Version           string
	Status            CanaryStatus
	TrafficAllocation int // Percent of traffic currently routed to the canary (0-100)
	TargetTraffic     int // Percent the ramp is heading toward
	Metrics           *MetricsSnapshot
	HealthChecks      []*HealthCheck
	FeatureFlags      map[string]bool
	ConfigFingerprint string
	Significance      float64 // A/B significance, approaches 1.0 with sample count
	SampleCount       int
	Reason            string // Populated on rollback
	StartedAt         time.Time
	EndedAt           time.Time
}

// CanaryParams describes a canary launch request
type CanaryParams struct {
	StrategyID        string
	Version           string
	InitialTraffic    int
	TargetTraffic     int
	RampDuration      time.Duration
	Triggers          []*RollbackTrigger
	HealthChecks      []*HealthCheck
	FeatureFlags      map[string]bool
	ConfigFingerprint string
}

// HealthState represents the health of a check, instance or environment
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// HealthCheck defines a polled endpoint check attached to a canary
type HealthCheck struct {
	Name                string
	Endpoint            string
	Interval            time.Duration
	Timeout             time.Duration
	Status              HealthState
	ConsecutiveFailures int
}

// MetricsSnapshot is a point-in-time view of a deployment's metrics.
// Values are keyed by metric name (see Metric* constants); a missing key
// means the provider had no sample for that metric.
type MetricsSnapshot struct {
	Values      map[string]float64
	CollectedAt time.Time
}

// Well-known metric names reported by providers and referenced by triggers
const (
	MetricErrorRate   = "errorRate"
	MetricLatencyP50  = "latencyP50"
	MetricLatencyP99  = "latencyP99"
	MetricThroughput  = "throughput"
	MetricSuccessRate = "successRate"
	MetricPnL         = "pnl"
	MetricSharpe      = "sharpeRatio"
	MetricDrawdown    = "maxDrawdown"
	MetricCPUUsage    = "cpuUsage"
	MetricMemUsage    = "memoryUsage"
)

// TriggerSeverity classifies how a firing trigger is handled
type TriggerSeverity string

const (
	SeverityWarning  TriggerSeverity = "warning"
	SeverityCritical TriggerSeverity = "critical"
)

// TriggerOperator is the comparison applied between a sample and threshold
type TriggerOperator string

const (
	OperatorGreaterThan TriggerOperator = "gt"
	OperatorLessThan    TriggerOperator = "lt"
	OperatorGreaterOrEq TriggerOperator = "gte"
	OperatorLessOrEq    TriggerOperator = "lte"
)

// RollbackTrigger fires an automatic canary rollback when a tracked metric
// breaches its threshold. Sustained is the number of consecutive breaching
// monitor samples required before the trigger fires; zero or one trips on a
// single sample.
type RollbackTrigger struct {
	Metric    string
	Operator  TriggerOperator
	Threshold float64
	Sustained int
	Severity  TriggerSeverity
}

// Breached reports whether the given sample value crosses the threshold
func (t *RollbackTrigger) Breached(value float64) bool {
	switch t.Operator {
	case OperatorGreaterThan:
		return value > t.Threshold
	case OperatorLessThan:
		return value < t.Threshold
	case OperatorGreaterOrEq:
		return value >= t.Threshold
	case OperatorLessOrEq:
		return value <= t.Threshold
	}
	return false
}

// TrafficRuleType distinguishes how a traffic rule selects requests
type TrafficRuleType string

const (
	TrafficRulePercentage  TrafficRuleType = "percentage"
	TrafficRuleRiskSegment TrafficRuleType = "risk-segment"
)

// TrafficRule routes a slice of traffic to a canary deployment
type TrafficRule struct {
	ID           string
	DeploymentID string
	Type         TrafficRuleType
	Percentage   int
	Segment      string // For risk-segment rules, e.g. "low-notional"
	UpdatedAt    time.Time
}

// EnvironmentName identifies one of the two fixed production slots
type EnvironmentName string

const (
	EnvironmentBlue  EnvironmentName = "BLUE"
	EnvironmentGreen EnvironmentName = "GREEN"
)

// EnvironmentState represents a production slot's lifecycle state.
// Deploying and Draining occur only during an in-flight promotion.
type EnvironmentState string

const (
	EnvStateActive    EnvironmentState = "active"
	EnvStateStandby   EnvironmentState = "standby"
	EnvStateDeploying EnvironmentState = "deploying"
	EnvStateDraining  EnvironmentState = "draining"
)

// ProductionEnvironment is one of the two production slots. Exactly two
// exist system-wide and their load balancer weights always sum to 100.
type ProductionEnvironment struct {
	Name               EnvironmentName
	State              EnvironmentState
	Version            string
	Instances          []*Instance
	LoadBalancerWeight int // 0-100
	HealthStatus       HealthState
}

// InstanceStatus represents the run state of a single instance
type InstanceStatus string

const (
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusStopping InstanceStatus = "stopping"
	InstanceStatusStopped  InstanceStatus = "stopped"
)

// Instance is a single running copy of the strategy in a production slot.
// Health carries the probe hysteresis state: flipping Healthy requires 3
// consecutive successes or 3 consecutive failures.
type Instance struct {
	ID      string
	Host    string
	Port    int
	Status  InstanceStatus
	Health  *probe.Status
	Metrics *InstanceMetrics
}

// InstanceMetrics tracks per-instance resource and traffic counters
type InstanceMetrics struct {
	CPUPercent        float64
	MemoryMB          float64
	ActiveConnections int
	RequestsPerSec    float64
}

// EnvironmentKind classifies the environment a rollback targets,
// used for risk assessment
type EnvironmentKind string

const (
	EnvKindProduction  EnvironmentKind = "production"
	EnvKindCanary      EnvironmentKind = "canary"
	EnvKindStaging     EnvironmentKind = "staging"
	EnvKindDevelopment EnvironmentKind = "development"
)

// DependencyType classifies a deployment dependency
type DependencyType string

const (
	DependencyModel   DependencyType = "model"
	DependencyService DependencyType = "service"
	DependencyLibrary DependencyType = "library"
	DependencyData    DependencyType = "data"
)

// Dependency is something the deployed version depends on. Dependencies
// flagged RollbackRequired are reverted as part of a rollback plan.
type Dependency struct {
	Name             string
	Type             DependencyType
	CurrentVersion   string
	TargetVersion    string
	RollbackRequired bool
	Verified         bool
}

// RollbackTarget describes what a rollback should restore
type RollbackTarget struct {
	DeploymentID   string
	StrategyID     string
	CurrentVersion string
	TargetVersion  string
	Environment    EnvironmentKind
	Dependencies   []*Dependency
	Snapshot       *StateSnapshot
}

// StatePayload is the structured state captured in a snapshot
type StatePayload struct {
	Positions     []*Position       `json:"positions"`
	OpenOrders    []*Order          `json:"open_orders"`
	Balances      map[string]float64 `json:"balances"`
	Configuration map[string]string  `json:"configuration"`
	ModelWeights  map[string]float64 `json:"model_weights,omitempty"`
}

// Position is an open position held by the strategy
type Position struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
}

// Order is a pending order captured in a snapshot
type Order struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // "buy" or "sell"
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// StateSnapshot is an immutable capture of strategy state with an
// integrity checksum computed over the payload at capture time
type StateSnapshot struct {
	ID           string
	DeploymentID string
	Timestamp    time.Time
	Payload      *StatePayload
	Checksum     string
}

// RiskLevel is a coarse classification of rollback danger
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PlanStatus tracks a rollback plan through its state machine
type PlanStatus string

const (
	PlanStatusPlanned          PlanStatus = "planned"
	PlanStatusAwaitingApproval PlanStatus = "awaiting-approval"
	PlanStatusExecuting        PlanStatus = "executing"
	PlanStatusSucceeded        PlanStatus = "succeeded"
	PlanStatusFailed           PlanStatus = "failed"
)

// RollbackStep describes one ordered step of a rollback plan. The
// executable actions live in the engine; this carries what is persisted
// and reported.
type RollbackStep struct {
	Name     string
	Critical bool
	Timeout  time.Duration
}

// RollbackPlan is a derived, ordered recovery procedure
type RollbackPlan struct {
	ID                string
	Target            *RollbackTarget
	Steps             []*RollbackStep
	EstimatedDuration time.Duration // Sum of step timeouts
	RiskLevel         RiskLevel
	ApprovalRequired  bool // True iff RiskLevel is High or Critical
	Status            PlanStatus
	CreatedAt         time.Time
}

// RollbackStatus is the outcome classification of an executed rollback
type RollbackStatus string

const (
	RollbackSuccess RollbackStatus = "success"
	RollbackPartial RollbackStatus = "partial"
	RollbackFailed  RollbackStatus = "failed"
)

// RollbackResult records the outcome of one rollback execution.
// Appended to an append-only rollback history.
type RollbackResult struct {
	PlanID         string
	DeploymentID   string
	Status         RollbackStatus
	StartedAt      time.Time
	CompletedAt    time.Time
	StepsCompleted int
	StepsTotal     int
	Errors         []string
	StateVerified  bool
}

// TransactionRecord is one entry in the bounded transaction ledger.
// Reversible records newer than a snapshot are unwound during rollback.
type TransactionRecord struct {
	ID          string
	Timestamp   time.Time
	Kind        string // e.g. "order", "transfer", "config-change"
	Reversible  bool
	Description string
	Metadata    map[string]string
	Reversed    bool
}

// PerformanceBaseline summarizes measured performance from CI validation
type PerformanceBaseline struct {
	LatencyP50Ms float64
	LatencyP99Ms float64
	ErrorRate    float64
	Throughput   float64
}

// SecurityScan is the CI security scan outcome
type SecurityScan struct {
	Passed          bool
	Vulnerabilities int
}

// ValidationReport is the CI validation output gating a promotion
type ValidationReport struct {
	Baseline     *PerformanceBaseline
	CPUCores     float64
	MemoryMB     int64
	Dependencies []*Dependency
	SecurityScan *SecurityScan
}

// PromotionRequest asks the promoter to move a validated build into the
// inactive production slot and cut traffic over to it
type PromotionRequest struct {
	StrategyID      string
	Version         string
	Approvals       []string
	Report          *ValidationReport
	CutoverDuration time.Duration
}

// PromotionStatus is the terminal outcome of a promotion
type PromotionStatus string

const (
	PromotionCompleted PromotionStatus = "completed"
	PromotionFailed    PromotionStatus = "failed"
)

// PromotionRecord is one entry in the append-only promotion history
type PromotionRecord struct {
	ID           string
	StrategyID   string
	Version      string
	SourceEnv    EnvironmentName
	TargetEnv    EnvironmentName
	Status       PromotionStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	SourceWeight int // Final weights, informative on an aborted cutover
	TargetWeight int
	Error        string
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tradeops/helmsman/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client wraps the Helmsman HTTP API for easy CLI usage
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the orchestrator at the given address
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// apiError is the error envelope every handler returns on failure
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if in != nil {
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// LaunchCanaryRequest carries the parameters for a new canary deployment.
// Durations are Go duration strings, e.g. "1h".
type LaunchCanaryRequest struct {
	StrategyID     string          `json:"strategy_id"`
	Version        string          `json:"version"`
	InitialTraffic int             `json:"initial_traffic"`
	TargetTraffic  int             `json:"target_traffic"`
	RampDuration   string          `json:"ramp_duration,omitempty"`
	FeatureFlags   map[string]bool `json:"feature_flags,omitempty"`
}

// LaunchCanary starts a new canary deployment
func (c *Client) LaunchCanary(req *LaunchCanaryRequest) (*types.CanaryDeployment, error) {
	var dep types.CanaryDeployment
	if err := c.do(http.MethodPost, "/api/v1/canaries", req, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// ListCanaries lists all canary deployments
func (c *Client) ListCanaries() ([]*types.CanaryDeployment, error) {
	var deps []*types.CanaryDeployment
	if err := c.do(http.MethodGet, "/api/v1/canaries", nil, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// GetCanary fetches a canary deployment by id
func (c *Client) GetCanary(id string) (*types.CanaryDeployment, error) {
	var dep types.CanaryDeployment
	if err := c.do(http.MethodGet, "/api/v1/canaries/"+id, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// PromoteCanary promotes an active canary to completion
func (c *Client) PromoteCanary(id string) (*types.CanaryDeployment, error) {
	var dep types.CanaryDeployment
	if err := c.do(http.MethodPost, "/api/v1/canaries/"+id+"/promote", nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// RollbackCanary rolls back an active canary with the given reason
func (c *Client) RollbackCanary(id, reason string) (*types.CanaryDeployment, error) {
	var dep types.CanaryDeployment
	body := map[string]string{"reason": reason}
	if err := c.do(http.MethodPost, "/api/v1/canaries/"+id+"/rollback", body, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// ProductionStatus holds both production slots
type ProductionStatus struct {
	Blue  *types.ProductionEnvironment `json:"blue"`
	Green *types.ProductionEnvironment `json:"green"`
}

// Production returns the current state of both production slots
func (c *Client) Production() (*ProductionStatus, error) {
	var status ProductionStatus
	if err := c.do(http.MethodGet, "/api/v1/production", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RollbackProduction switches production traffic back to the standby
// environment carrying the given version
func (c *Client) RollbackProduction(version string) (*types.PromotionRecord, error) {
	var record types.PromotionRecord
	body := map[string]string{"version": version}
	if err := c.do(http.MethodPost, "/api/v1/production/rollback", body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// PromotionHistory lists past promotion attempts, oldest first
func (c *Client) PromotionHistory() ([]*types.PromotionRecord, error) {
	var records []*types.PromotionRecord
	if err := c.do(http.MethodGet, "/api/v1/production/history", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RollbackHistory lists past rollback executions, oldest first
func (c *Client) RollbackHistory() ([]*types.RollbackResult, error) {
	var results []*types.RollbackResult
	if err := c.do(http.MethodGet, "/api/v1/rollbacks/history", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// CreateSnapshot captures the live strategy state for later restore
func (c *Client) CreateSnapshot(deploymentID, strategyID string) (*types.StateSnapshot, error) {
	var snapshot types.StateSnapshot
	body := map[string]string{"deployment_id": deploymentID, "strategy_id": strategyID}
	if err := c.do(http.MethodPost, "/api/v1/snapshots", body, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetSnapshot fetches the stored snapshot for a deployment
func (c *Client) GetSnapshot(deploymentID string) (*types.StateSnapshot, error) {
	var snapshot types.StateSnapshot
	if err := c.do(http.MethodGet, "/api/v1/snapshots/"+deploymentID, nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RollbackTargetRequest identifies what a rollback should restore
type RollbackTargetRequest struct {
	DeploymentID   string `json:"deployment_id"`
	StrategyID     string `json:"strategy_id"`
	CurrentVersion string `json:"current_version,omitempty"`
	TargetVersion  string `json:"target_version"`
	Environment    string `json:"environment"`
}

// Simulation is a dry-run rollback plan with a human-readable narrative
type Simulation struct {
	Plan      *types.RollbackPlan `json:"plan"`
	Narrative []string            `json:"narrative"`
}

// SimulateRollback builds the rollback plan without executing anything
func (c *Client) SimulateRollback(target *RollbackTargetRequest) (*Simulation, error) {
	var sim Simulation
	if err := c.do(http.MethodPost, "/api/v1/rollbacks/simulate", target, &sim); err != nil {
		return nil, err
	}
	return &sim, nil
}

// ExecuteResponse acknowledges an accepted rollback execution
type ExecuteResponse struct {
	DeploymentID string `json:"deployment_id"`
	RiskLevel    string `json:"risk_level"`
}

// ExecuteRollback starts a rollback. Execution is asynchronous; poll
// ListApprovals and RollbackHistory for progress.
func (c *Client) ExecuteRollback(target *RollbackTargetRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(http.MethodPost, "/api/v1/rollbacks/execute", target, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approval is one pending operator decision
type Approval struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at"`
	Deadline  string `json:"deadline"`
}

// ListApprovals lists pending approval requests, oldest first
func (c *Client) ListApprovals() ([]*Approval, error) {
	var approvals []*Approval
	if err := c.do(http.MethodGet, "/api/v1/approvals", nil, &approvals); err != nil {
		return nil, err
	}
	return approvals, nil
}

// Approve resolves a pending approval request positively
func (c *Client) Approve(id, actor string) error {
	body := map[string]string{"actor": actor}
	return c.do(http.MethodPost, "/api/v1/approvals/"+id+"/approve", body, nil)
}

// Reject resolves a pending approval request negatively
func (c *Client) Reject(id, actor, reason string) error {
	body := map[string]string{"actor": actor, "reason": reason}
	return c.do(http.MethodPost, "/api/v1/approvals/"+id+"/reject", body, nil)
}

// Health fetches the orchestrator health document
func (c *Client) Health() (map[string]interface{}, error) {
	var health map[string]interface{}
	if err := c.do(http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return health, nil
}

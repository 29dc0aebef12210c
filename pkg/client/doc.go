/*
Package client provides a Go client library for the Helmsman HTTP API.

The client wraps the orchestrator's REST endpoints with a convenient,
idiomatic Go interface: typed methods for every operation, JSON
encoding, per-request timeouts, and error envelopes unwrapped into
plain Go errors.

# Usage

	c := client.NewClient("localhost:8080")

	dep, err := c.LaunchCanary(&client.LaunchCanaryRequest{
		StrategyID:     "momentum-v2",
		Version:        "2.1.0",
		InitialTraffic: 5,
		TargetTraffic:  50,
		RampDuration:   "1h",
	})

	status, err := c.Production()

	resp, err := c.ExecuteRollback(&client.RollbackTargetRequest{
		DeploymentID:  dep.ID,
		StrategyID:    dep.StrategyID,
		TargetVersion: "2.0.0",
		Environment:   "canary",
	})

# Operations

Canary lifecycle:
  - LaunchCanary, ListCanaries, GetCanary
  - PromoteCanary, RollbackCanary

Blue-green production:
  - Production, RollbackProduction, PromotionHistory

Rollback engine:
  - CreateSnapshot, GetSnapshot
  - SimulateRollback, ExecuteRollback, RollbackHistory

Approval queue:
  - ListApprovals, Approve, Reject

# Asynchronous rollbacks

ExecuteRollback returns as soon as the orchestrator accepts the
request. High-risk rollbacks wait on operator approval, so callers
poll ListApprovals for pending decisions and RollbackHistory for the
final result.

Every request carries a 10 second timeout. Server-side errors are
returned as errors wrapping the API's error message.
*/
package client

/*
Package types defines the shared data model for the helmsman orchestrator.

The model covers the three delivery mechanisms: canary deployments ramping
toward a traffic target, the two fixed blue/green production slots with
complementary load balancer weights, and rollback plans built from ordered,
compensable steps with risk classification.

All state-bearing structs here are plain data. Mutation rules are owned by
the packages that manage each entity: pkg/canary owns CanaryDeployment,
pkg/bluegreen owns ProductionEnvironment and Instance, pkg/rollback owns
RollbackPlan, StateSnapshot and the transaction ledger. StateSnapshot is
immutable once created.
*/
package types

/*
Package canary runs progressive canary deployments for trading
strategies: a new strategy version starts on a small slice of traffic
and ramps toward its target in five equal steps while a monitor loop
watches live metrics against rollback triggers.

# Lifecycle

	Launch ──► active ──► (ramp ticks) ──► target traffic
	              │
	              ├─ Promote ──► completed
	              ├─ trigger breach / Rollback ──► rolled_back
	              └─ Fail ──► failed

Launch validates the request (traffic bounds, ramp duration, trigger
operators), allocates the initial traffic slice, installs a traffic
rule, and persists the deployment. Terminal states are permanent:
promote, rollback and fail are no-ops once a deployment has left the
active state.

# Monitoring

The controller samples metrics on a fixed interval. Each critical
trigger breach rolls the canary back immediately; sustained triggers
must breach on N consecutive samples; warning triggers only log.
Health check failures flip an endpoint unhealthy after three
consecutive failures and require three consecutive successes to
recover. Statistical significance of the collected sample grows with
sample count and is reported with the deployment.

Rollback reassigns the canary's traffic back to the stable version
and removes its traffic rule, keeping total allocation at 100%.
*/
package canary

/*
Package bluegreen manages the two fixed production slots, BLUE and
GREEN, and promotes validated strategy builds between them.

Exactly one slot is active at any time. A promotion deploys the new
version to the standby slot, verifies it with a smoke test battery and
a performance check, then cuts traffic over in ten monitored steps of
10% each. Between steps the promoter watches instance health and the
environment error rate; any failure aborts the cutover and leaves the
weights where they are, so an operator can inspect before the split
moves again.

After a completed cutover the old active slot drains its connections
and becomes standby, still carrying its version for a fast rollback:
RollbackProduction reuses the same monitored cutover in the opposite
direction, provided the standby slot carries the requested version.

Promotions are validated before anything deploys: minimum approvals,
a CI validation report with baseline metrics, a passed security scan,
and verified dependencies. A single promotion runs at a time.
*/
package bluegreen

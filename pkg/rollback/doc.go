/*
Package rollback restores a strategy deployment to a known-good state
through an ordered, compensable recovery procedure.

# Steps

Every rollback runs the same eight steps:

 1. pause-trading            (critical)
 2. capture-safety-snapshot
 3. cancel-pending-orders    (critical)
 4. rollback-dependencies    (critical, compensable)
 5. rollback-strategy-version (critical)
 6. restore-state            (critical)
 7. reverse-transactions
 8. resume-trading           (critical)

A critical step failure aborts the rollback after running the step's
compensation, if it has one. Non-critical failures are recorded and
the procedure continues. Each step runs under its own timeout.

# Snapshots and the ledger

Restore sources are state snapshots: positions, open orders, balances,
configuration and model weights, integrity-checked with a SHA-256
checksum over the serialized payload. A rollback refuses to start
without one. Reversible ledger transactions newer than the snapshot
are unwound newest-first during step 7; the ledger is pruned hourly
past its retention window.

# Risk and approval

Risk is assessed from the target: production rollbacks are high risk,
or critical when a model dependency must also be rolled back. High and
critical rollbacks wait on an operator decision from the approval
gate; a rejection or a timed-out request fails the rollback before
step 1 runs. SimulateRollback produces the full plan and a narrative
without executing anything.
*/
package rollback

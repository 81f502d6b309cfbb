/*
Package queue implements the persistent task queue at the heart of the
control plane: the task state machine, the dependency graph, the
file-ownership registry, and the append-only task event log.

# Atomicity

Every mutating operation is exactly one database transaction with IMMEDIATE
semantics. Two primitives make claims exclusive under concurrency:

  - a conditional UPDATE guarded on (status, locked_by IS NULL) when moving a
    ready task to claimed; zero affected rows means the caller lost the race
  - the unique primary key on the file-ownership table; inserting a row for a
    path another active task owns fails and reverts the claim

Every successful transition appends exactly one event row in the same
transaction, so observers can never see a transition without its event.

# Claim tokens

A fresh token is minted on every claim (google/uuid). All subsequent
mutations of the task are guarded on (worker_id, claim_token); a stale token
surfaces as ErrNotApplied, never as corruption.
*/
package queue

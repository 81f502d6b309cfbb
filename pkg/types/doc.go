/*
Package types defines the core data structures used throughout the control
plane.

This package contains the domain model shared by all other packages: tasks
and their lifecycle states, gateways, workers, task events, and the
file-ownership registry rows.

# Task lifecycle

A task is created queued, may move to claimed, then running, then one of the
terminal states (succeeded, failed, failed_timeout). A claimed or running
task may also release back to released, which makes it eligible for claiming
again. Tasks are never deleted by the control plane.

Ready states:    queued, released
Active states:   claimed, running
Terminal states: succeeded, failed, failed_timeout

Legacy callers use "pending" and "completed" for "queued" and "succeeded";
CanonicalStatus folds those aliases onto the canonical names on input, and
the canonical names are the only ones ever emitted.

# Claim tokens

While a task is active its row carries locked_by, locked_at, and a claim
token minted fresh on every claim. The token is the capability required for
every subsequent mutation of the task.
*/
package types

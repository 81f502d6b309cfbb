/*
Package scheduler implements the loop that drives ready tasks toward
completion.

Each cycle claims one ready task, asks the registry for a gateway
(preferring the task's own), dispatches the action over HTTP with the claim
token as idempotency key, and finalizes the task from the response. Transport
failures release the claim back to the ready pool and mark the gateway
degraded; classification failures fail the task with the gateway's error.

The loop honors a stop signal and finishes its in-flight step before
returning.
*/
package scheduler

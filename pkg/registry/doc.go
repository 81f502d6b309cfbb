/*
Package registry keeps the in-memory directory of gateways and workers.

The registry is advisory: the authoritative lock on a task is the task row's
locked_by column, not a registry entry. Gateway selection prefers the task's
preferred gateway when it is selectable and otherwise falls back to the most
recently heartbeated online or healthy gateway.
*/
package registry

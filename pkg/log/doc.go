/*
Package log provides structured logging for the control plane, built on
zerolog.

Call Init once at startup, then use the package-level helpers or derive
child loggers with WithComponent, WithTaskID, WithWorkerID, or WithGatewayID
so every line carries the identifiers needed to trace a task through the
queue, scheduler, and reaper.
*/
package log

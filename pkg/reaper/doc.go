/*
Package reaper prevents indefinite lock ownership by dead workers or crashed
scheduler processes.

Every poll interval the reaper scans for active tasks whose lock has aged
past the TTL. A stale lock whose worker and gateway both look healthy is
released back to the ready pool; any other combination fails the task with a
timeout. All actions are guarded by the task's current claim token, so the
reaper can never clobber a task it does not demonstrably own.
*/
package reaper

/*
Package storage owns the embedded SQLite database holding all persistent
control-plane state: the task table, the append-only task event log, the
file-ownership registry, and the optional worker mirror.

The database is opened with a single connection and IMMEDIATE transaction
locking, so every writer takes the write lock before reading. Conflicts
between concurrent mutating operations therefore surface as zero-affected-row
conditional updates rather than SQLITE_BUSY upgrades.

Schema creation is idempotent; Open migrates on every start.
*/
package storage

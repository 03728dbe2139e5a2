// Package storage persists reservations, their scheduled jobs and the
// outbound intent queue.
//
// Three drivers share one contract:
//   - memory: copy-on-write state behind a mutex
//   - sqlite: modernc.org/sqlite, single connection, WAL
//   - postgres: pgx, serializable transactions with per-resource advisory locks
//
// Times are stored as unix milliseconds and read back in UTC.
package storage

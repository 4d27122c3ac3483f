// Package ledger is the idempotency ledger: one entry per dedup key recording
// the delivery state of that logical notification.
//
// Backends:
//   - SQLite (default, modernc.org/sqlite)
//   - Redis (go-redis, Lua scripts)
//   - Memory
//
// Status flow:
//
//	(absent) -Reserve-> PENDING -Commit-> SENT | FAILED_RETRYABLE | FAILED_PERMANENT
//	FAILED_RETRYABLE -Commit-> SENT | FAILED_RETRYABLE | FAILED_PERMANENT
//
// SENT and FAILED_PERMANENT are terminal.
package ledger

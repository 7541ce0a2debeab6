// Package store provides SQLite-backed durable state for an hcsagent.
//
// The store keeps four tables:
//   - connections: established peer links, unique by peer topic id
//   - pending_proposals: proposals awaiting approval
//   - executed_proposals: immutable rebalance records, unique by proposal id
//   - cursors: last processed sequence number per inbound topic
//
// All writes are idempotent (ON CONFLICT DO NOTHING, or MAX for cursors) so
// a replayed cycle never produces duplicate rows. Reads return rows in
// insertion order (ORDER BY rowid).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

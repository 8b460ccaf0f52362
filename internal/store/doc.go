// Package store keeps the history of scenario runs in SQLite.
//
// The store is append-only:
//   - runs: one row per scenario run with its outcome and trace digest
//   - steps: the run's trace, invocation and completion events
//   - harvests: the Harvested report of every harvest step
//
// # Ordering
//
// Runs and steps are ordered by their seq column, never by timestamps.
// Listing the same database twice yields the same order.
//
// Arguments, events, errors and variables are stored as canonical JSON so
// that identical runs store identical bytes.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: steps and harvests cascade with their run
package store

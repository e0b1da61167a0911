// Package storage persists scheduled announcement entries.
//
// Drivers:
//   - "memory":   process-local maps (tests, ephemeral runs)
//   - "file":     JSON snapshot + append-only JSON Lines journal
//   - "sqlite":   SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx
//
// Every driver also persists the identifier sequence used by internal/ident.
package storage

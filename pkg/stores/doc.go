// Package stores provides the persistent configuration stores commands are
// applied to. The SQLite store keeps configurations and an audit trail of
// every mutation in a WAL-mode database migrated with golang-migrate; the
// memory store offers the same contract for tests and dry runs.
package stores

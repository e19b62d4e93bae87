// Package storage defines the persistence interface behind the SQL-backed
// quota ledger and audit mirror.
// Two backends are provided: SQLite (single node, zero-config) and PostgreSQL
// (ledger shared between replicas).
package storage

import (
	"context"

	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/security"
)

// Store is the unified persistence interface. Both the SQLite and the
// PostgreSQL backends implement it.
type Store interface {
	// Quota returns the durable per-credential usage ledger.
	Quota() quota.Ledger
	// Audit returns the queryable mirror of the signed audit log.
	Audit() AuditStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AuditStore is an append-only audit mirror that can also be searched.
type AuditStore interface {
	security.AuditStore
	Query(ctx context.Context, tokenID string, limit int) ([]security.AuditRecord, error)
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

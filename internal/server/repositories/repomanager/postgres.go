// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/server/migrations"
	"github.com/proveniq/inspectvault/internal/server/repositories/audit"
	"github.com/proveniq/inspectvault/internal/server/repositories/evidence"
	"github.com/proveniq/inspectvault/internal/server/repositories/inspections"
	"github.com/proveniq/inspectvault/internal/server/repositories/items"
	"github.com/proveniq/inspectvault/internal/server/repositories/leases"
	"github.com/proveniq/inspectvault/internal/server/repositories/signatures"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

func (m *PostgresRepositoryManager) Inspections(db dbx.DBTX) inspections.Repository {
	return inspections.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Items(db dbx.DBTX) items.Repository {
	return items.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Evidence(db dbx.DBTX) evidence.Repository {
	return evidence.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Signatures(db dbx.DBTX) signatures.Repository {
	return signatures.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Audit(db dbx.DBTX) audit.Repository {
	return audit.NewPostgresRepository(db)
}

// Leases returns the read-only lease registry view.
func (m *PostgresRepositoryManager) Leases(db dbx.DBTX) leases.Repository {
	return leases.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}

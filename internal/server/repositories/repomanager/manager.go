package repomanager

import (
	"context"
	"database/sql"

	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/server/repositories/audit"
	"github.com/proveniq/inspectvault/internal/server/repositories/evidence"
	"github.com/proveniq/inspectvault/internal/server/repositories/inspections"
	"github.com/proveniq/inspectvault/internal/server/repositories/items"
	"github.com/proveniq/inspectvault/internal/server/repositories/leases"
	"github.com/proveniq/inspectvault/internal/server/repositories/signatures"
)

// RepositoryManager vends repositories bound to a handle, either the pool
// or an open transaction, so services choose the transactional scope.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Inspections(db dbx.DBTX) inspections.Repository
	Items(db dbx.DBTX) items.Repository
	Evidence(db dbx.DBTX) evidence.Repository
	Signatures(db dbx.DBTX) signatures.Repository
	Audit(db dbx.DBTX) audit.Repository
	Leases(db dbx.DBTX) leases.Repository
}

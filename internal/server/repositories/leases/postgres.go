package leases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, leaseID string) (*models.Lease, error) {
	query := `SELECT id, org_id, deposit_amount_cents FROM leases WHERE id = $1`

	var l models.Lease
	if err := r.db.QueryRowContext(ctx, query, leaseID).Scan(&l.ID, &l.OrgID, &l.DepositAmountCents); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &l, nil
}

package signatures

import (
	"context"
	"fmt"

	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Add(ctx context.Context, sig *models.Signature) (bool, error) {
	query :=
		`INSERT INTO inspection_signatures (inspection_id, role, signed_by, signed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (inspection_id, role) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query, sig.InspectionID, sig.Role, sig.SignedBy, sig.SignedAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Applied(res)
}

func (r *PostgresRepository) List(ctx context.Context, inspectionID string) ([]models.Signature, error) {
	query :=
		`SELECT inspection_id, role, signed_by, signed_at FROM inspection_signatures
		 WHERE inspection_id = $1
		 ORDER BY signed_at, role
		 `

	rows, err := r.db.QueryContext(ctx, query, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select signatures: %w", err)
	}
	defer rows.Close()

	var result []models.Signature
	for rows.Next() {
		var s models.Signature
		if err := rows.Scan(&s.InspectionID, &s.Role, &s.SignedBy, &s.SignedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

package inspections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

const selectColumns = `id, lease_id, inspection_type, status, supplemental_to, inspection_date,
		content_hash, canonical_payload, schema_version, submitted_at, signed_at,
		created_by, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInspection(row rowScanner) (*models.Inspection, error) {
	var (
		insp           models.Inspection
		supplementalTo sql.NullString
		contentHash    sql.NullString
		submittedAt    sql.NullTime
		signedAt       sql.NullTime
	)
	err := row.Scan(&insp.ID, &insp.LeaseID, &insp.Type, &insp.Status, &supplementalTo, &insp.InspectionDate,
		&contentHash, &insp.CanonicalPayload, &insp.SchemaVersion, &submittedAt, &signedAt,
		&insp.CreatedBy, &insp.Version, &insp.CreatedAt, &insp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	insp.SupplementalTo = supplementalTo.String
	insp.ContentHash = contentHash.String
	if submittedAt.Valid {
		insp.SubmittedAt = &submittedAt.Time
	}
	if signedAt.Valid {
		insp.SignedAt = &signedAt.Time
	}
	return &insp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Create(ctx context.Context, insp *models.Inspection) error {
	query :=
		`INSERT INTO inspections (id, lease_id, inspection_type, status, supplemental_to, inspection_date,
			schema_version, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING version, created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		insp.ID, insp.LeaseID, insp.Type, insp.Status, nullString(insp.SupplementalTo), insp.InspectionDate,
		insp.SchemaVersion, insp.CreatedBy).Scan(&insp.Version, &insp.CreatedAt, &insp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) get(ctx context.Context, id string, lock bool) (*models.Inspection, error) {
	query := `SELECT ` + selectColumns + ` FROM inspections WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	insp, err := scanInspection(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return insp, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Inspection, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate locks the row until the surrounding transaction ends, so
// concurrent transitions on the same inspection serialize.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.Inspection, error) {
	return r.get(ctx, id, true)
}

func (r *PostgresRepository) LatestSigned(ctx context.Context, leaseID string, typ models.InspectionType) (*models.Inspection, error) {
	query := `SELECT ` + selectColumns + ` FROM inspections
		 WHERE lease_id = $1 AND inspection_type = $2
		   AND status = 'SIGNED' AND supplemental_to IS NULL
		 ORDER BY inspection_date DESC, created_at DESC
		 LIMIT 1`

	insp, err := scanInspection(r.db.QueryRowContext(ctx, query, leaseID, typ))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return insp, nil
}

func (r *PostgresRepository) ListSupplementals(ctx context.Context, id string) ([]*models.Inspection, error) {
	query := `SELECT ` + selectColumns + ` FROM inspections
		 WHERE supplemental_to = $1
		 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to select supplementals: %w", err)
	}
	defer rows.Close()

	var result []*models.Inspection
	for rows.Next() {
		insp, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, insp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) MarkInProgress(ctx context.Context, id string, at time.Time) (bool, error) {
	query :=
		`UPDATE inspections SET status = 'IN_PROGRESS', version = version + 1, updated_at = $2
		 WHERE id = $1 AND status = 'DRAFT'`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Applied(res)
}

// MarkSubmitted freezes the inspection with its content hash and canonical
// payload. Only an editable row matches, so at most one caller wins.
func (r *PostgresRepository) MarkSubmitted(ctx context.Context, id string, hash string, payload []byte, at time.Time) (bool, error) {
	query :=
		`UPDATE inspections
		 SET status = 'SUBMITTED', content_hash = $2, canonical_payload = $3, submitted_at = $4,
		     version = version + 1, updated_at = $4
		 WHERE id = $1 AND status IN ('DRAFT', 'IN_PROGRESS')`

	res, err := r.db.ExecContext(ctx, query, id, hash, payload, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Applied(res)
}

func (r *PostgresRepository) MarkSigned(ctx context.Context, id string, at time.Time) (bool, error) {
	query :=
		`UPDATE inspections SET status = 'SIGNED', signed_at = $2, version = version + 1, updated_at = $2
		 WHERE id = $1 AND status = 'SUBMITTED'`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Applied(res)
}

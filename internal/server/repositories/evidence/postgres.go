package evidence

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

const selectColumns = `id, inspection_id, item_id, object_path, file_name, mime_type, size_bytes,
		client_hash, storage_etag, status, expires_at, confirmed_at, confirm_seq, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (*models.Evidence, error) {
	var (
		ev          models.Evidence
		clientHash  sql.NullString
		etag        sql.NullString
		confirmedAt sql.NullTime
		seq         sql.NullInt64
	)
	if err := row.Scan(&ev.ID, &ev.InspectionID, &ev.ItemID, &ev.ObjectPath, &ev.FileName, &ev.MimeType, &ev.SizeBytes,
		&clientHash, &etag, &ev.Status, &ev.ExpiresAt, &confirmedAt, &seq, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.ClientHash = clientHash.String
	ev.StorageETag = etag.String
	if confirmedAt.Valid {
		ev.ConfirmedAt = &confirmedAt.Time
	}
	ev.ConfirmSeq = seq.Int64
	return &ev, nil
}

func (r *PostgresRepository) CreatePending(ctx context.Context, ev *models.Evidence) error {
	query :=
		`INSERT INTO inspection_evidence (id, inspection_id, item_id, object_path, file_name, mime_type, size_bytes,
			status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $9)
		 `

	res, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.InspectionID, ev.ItemID, ev.ObjectPath, ev.FileName, ev.MimeType, ev.SizeBytes, ev.ExpiresAt, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ok, err := dbx.Applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("evidence %s not inserted", ev.ID)
	}
	ev.Status = models.EvidencePending
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.Evidence, error) {
	ev, err := scanEvidence(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) Get(ctx context.Context, inspectionID, evidenceID string) (*models.Evidence, error) {
	return r.getOne(ctx,
		`SELECT `+selectColumns+` FROM inspection_evidence WHERE inspection_id = $1 AND id = $2`,
		inspectionID, evidenceID)
}

func (r *PostgresRepository) GetByObjectPath(ctx context.Context, itemID, objectPath string) (*models.Evidence, error) {
	return r.getOne(ctx,
		`SELECT `+selectColumns+` FROM inspection_evidence WHERE item_id = $1 AND object_path = $2`,
		itemID, objectPath)
}

func (r *PostgresRepository) MarkConfirmed(ctx context.Context, ev *models.Evidence, at time.Time) (bool, error) {
	query :=
		`UPDATE inspection_evidence
		 SET status = 'CONFIRMED', client_hash = $2, storage_etag = $3, size_bytes = $4,
		     confirmed_at = $5, confirm_seq = nextval('evidence_confirm_seq')
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING confirm_seq
		 `

	err := r.db.QueryRowContext(ctx, query, ev.ID, ev.ClientHash, ev.StorageETag, ev.SizeBytes, at).Scan(&ev.ConfirmSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	ev.Status = models.EvidenceConfirmed
	ev.ConfirmedAt = &at
	return true, nil
}

func (r *PostgresRepository) ListByInspection(ctx context.Context, inspectionID string) ([]*models.Evidence, error) {
	query := `SELECT ` + selectColumns + ` FROM inspection_evidence
		 WHERE inspection_id = $1
		 ORDER BY confirm_seq NULLS LAST, created_at, object_path`

	rows, err := r.db.QueryContext(ctx, query, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select evidence: %w", err)
	}
	defer rows.Close()

	var result []*models.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

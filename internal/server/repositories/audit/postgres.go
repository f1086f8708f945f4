package audit

import (
	"context"
	"encoding/json"
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

func (r *PostgresRepository) Append(ctx context.Context, ev *models.AuditEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	query :=
		`INSERT INTO audit_events (id, inspection_id, action, actor_id, org_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	if _, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.InspectionID, ev.Action, ev.ActorID, ev.OrgID, raw, ev.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByInspection(ctx context.Context, inspectionID string) ([]*models.AuditEvent, error) {
	query :=
		`SELECT id, inspection_id, action, actor_id, org_id, details, created_at FROM audit_events
		 WHERE inspection_id = $1
		 ORDER BY created_at, id
		 `

	rows, err := r.db.QueryContext(ctx, query, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit events: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditEvent
	for rows.Next() {
		var (
			ev  models.AuditEvent
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.InspectionID, &ev.Action, &ev.ActorID, &ev.OrgID, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		result = append(result, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

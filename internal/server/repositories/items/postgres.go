package items

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

func (r *PostgresRepository) Upsert(ctx context.Context, item *models.Item) error {
	query :=
		`INSERT INTO inspection_items (id, inspection_id, room_key, item_key, rating, damaged, description, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (inspection_id, room_key, item_key)
		 DO UPDATE SET
			rating = EXCLUDED.rating,
			damaged = EXCLUDED.damaged,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		item.ID, item.InspectionID, item.RoomKey, item.ItemKey, item.Rating, item.Damaged, item.Description, item.UpdatedAt,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, inspectionID, itemID string) (*models.Item, error) {
	query :=
		`SELECT id, inspection_id, room_key, item_key, rating, damaged, description, created_at, updated_at
		 FROM inspection_items
		 WHERE inspection_id = $1 AND id = $2
		 `

	var it models.Item
	err := r.db.QueryRowContext(ctx, query, inspectionID, itemID).Scan(
		&it.ID, &it.InspectionID, &it.RoomKey, &it.ItemKey, &it.Rating, &it.Damaged, &it.Description, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &it, nil
}

func (r *PostgresRepository) ListByInspection(ctx context.Context, inspectionID string) ([]*models.Item, error) {
	query :=
		`SELECT id, inspection_id, room_key, item_key, rating, damaged, description, created_at, updated_at
		 FROM inspection_items
		 WHERE inspection_id = $1
		 ORDER BY room_key, item_key
		 `

	rows, err := r.db.QueryContext(ctx, query, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()

	var result []*models.Item
	for rows.Next() {
		var it models.Item
		if err := rows.Scan(&it.ID, &it.InspectionID, &it.RoomKey, &it.ItemKey, &it.Rating, &it.Damaged,
			&it.Description, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

package items

import (
	"context"

	"github.com/proveniq/inspectvault/internal/server/models"
)

type Repository interface {
	// Upsert inserts or replaces the item addressed by (inspection, room, item)
	// and fills in its ID and timestamps.
	Upsert(ctx context.Context, item *models.Item) error
	Get(ctx context.Context, inspectionID, itemID string) (*models.Item, error)
	ListByInspection(ctx context.Context, inspectionID string) ([]*models.Item, error)
}

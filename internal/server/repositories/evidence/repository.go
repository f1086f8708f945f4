package evidence

import (
	"context"
	"time"

	"github.com/proveniq/inspectvault/internal/server/models"
)

type Repository interface {
	CreatePending(ctx context.Context, ev *models.Evidence) error
	Get(ctx context.Context, inspectionID, evidenceID string) (*models.Evidence, error)
	GetByObjectPath(ctx context.Context, itemID, objectPath string) (*models.Evidence, error)
	// MarkConfirmed flips a PENDING record to CONFIRMED and assigns the next
	// confirmation sequence number. It reports false if the row was not PENDING.
	MarkConfirmed(ctx context.Context, ev *models.Evidence, at time.Time) (bool, error)
	// ListByInspection returns every record, confirmed first in confirmation
	// order, then pending by creation time.
	ListByInspection(ctx context.Context, inspectionID string) ([]*models.Evidence, error)
}

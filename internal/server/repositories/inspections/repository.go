package inspections

import (
	"context"
	"time"

	"github.com/proveniq/inspectvault/internal/server/models"
)

// Repository persists inspection headers. Every state transition is a
// conditional update; a false result means the guard did not match.
type Repository interface {
	Create(ctx context.Context, insp *models.Inspection) error
	Get(ctx context.Context, id string) (*models.Inspection, error)
	GetForUpdate(ctx context.Context, id string) (*models.Inspection, error)
	// LatestSigned returns the most recent original (non-supplemental)
	// SIGNED inspection of the given type for a lease.
	LatestSigned(ctx context.Context, leaseID string, typ models.InspectionType) (*models.Inspection, error)
	ListSupplementals(ctx context.Context, id string) ([]*models.Inspection, error)
	MarkInProgress(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSubmitted(ctx context.Context, id string, hash string, payload []byte, at time.Time) (bool, error)
	MarkSigned(ctx context.Context, id string, at time.Time) (bool, error)
}

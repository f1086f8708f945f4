package leases

import (
	"context"

	"github.com/proveniq/inspectvault/internal/server/models"
)

// Repository is a read-only view of the lease registry owned by another
// service; this engine never writes leases.
type Repository interface {
	Get(ctx context.Context, leaseID string) (*models.Lease, error)
}

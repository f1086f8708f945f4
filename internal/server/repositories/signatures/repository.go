package signatures

import (
	"context"

	"github.com/proveniq/inspectvault/internal/server/models"
)

type Repository interface {
	// Add records a role's signature; it reports false when that role has
	// already signed.
	Add(ctx context.Context, sig *models.Signature) (bool, error)
	List(ctx context.Context, inspectionID string) ([]models.Signature, error)
}

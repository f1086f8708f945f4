package audit

import (
	"context"

	"github.com/proveniq/inspectvault/internal/server/models"
)

// Repository is append-only.
type Repository interface {
	Append(ctx context.Context, ev *models.AuditEvent) error
	ListByInspection(ctx context.Context, inspectionID string) ([]*models.AuditEvent, error)
}

// Package services holds the inspection engine's operations: the inspection
// state machine, evidence upload coordination, the condition diff and claim
// packet assembly. Each service runs its writes through a dbx.Runner so the
// status guard and the write it protects commit together.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	sc "github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
)

// base carries the dependencies every service shares.
type base struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	logger      logging.Logger
	runTx       dbx.Runner
	now         func() time.Time
	newID       func() string
}

func newBase(db *sql.DB, rm repomanager.RepositoryManager, config *sc.Config, logger logging.Logger) base {
	if logger == nil {
		logger = logging.Nop{}
	}
	return base{
		db:          db,
		repomanager: rm,
		config:      config,
		logger:      logger,
		runTx:       dbx.NewRunner(db, nil),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}
}

// authorizeLease fails with ErrAuthorization when the lease belongs to
// another organization. Callers surface it exactly like ErrNotFound.
func (s *base) authorizeLease(ctx context.Context, db dbx.DBTX, actor auth.Principal, leaseID string) (*models.Lease, error) {
	lease, err := s.repomanager.Leases(db).Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.OrgID != actor.OrgID {
		s.logger.Warn(ctx, "cross-organization access denied",
			"lease_id", leaseID, "user_id", actor.UserID, "org_id", actor.OrgID)
		return nil, common.ErrAuthorization
	}
	return lease, nil
}

// loadInspection reads an inspection and checks the actor may see it.
func (s *base) loadInspection(ctx context.Context, db dbx.DBTX, actor auth.Principal, id string) (*models.Inspection, error) {
	insp, err := s.repomanager.Inspections(db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeLease(ctx, db, actor, insp.LeaseID); err != nil {
		return nil, err
	}
	return insp, nil
}

// lockInspection is loadInspection with a row lock, for use inside runTx.
func (s *base) lockInspection(ctx context.Context, tx dbx.DBTX, actor auth.Principal, id string) (*models.Inspection, error) {
	insp, err := s.repomanager.Inspections(tx).GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeLease(ctx, tx, actor, insp.LeaseID); err != nil {
		return nil, err
	}
	return insp, nil
}

func (s *base) audit(ctx context.Context, tx dbx.DBTX, actor auth.Principal, inspectionID string, action models.AuditAction, details map[string]any) error {
	ev := &models.AuditEvent{
		ID:           s.newID(),
		InspectionID: inspectionID,
		Action:       action,
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Details:      details,
		CreatedAt:    s.now(),
	}
	if err := s.repomanager.Audit(tx).Append(ctx, ev); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

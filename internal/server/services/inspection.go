package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	"github.com/proveniq/inspectvault/internal/server/canonical"
	sc "github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
)

const (
	maxKeyLength         = 100
	maxDescriptionLength = 4000
)

type InspectionService struct {
	base
}

func NewInspectionService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config, logger logging.Logger) *InspectionService {
	s := &InspectionService{base: newBase(db, repomanager, config, logger)}
	s.logger = s.logger.With("module", "inspections")
	return s
}

type CreateInspectionRequest struct {
	LeaseID        string
	Type           string
	InspectionDate time.Time
}

// Create opens a DRAFT inspection for a lease in the actor's organization.
func (s *InspectionService) Create(ctx context.Context, actor auth.Principal, req CreateInspectionRequest) (*models.Inspection, error) {
	typ, ok := models.ParseInspectionType(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown inspection type %q", common.ErrValidation, req.Type)
	}
	if strings.TrimSpace(req.LeaseID) == "" {
		return nil, fmt.Errorf("%w: lease_id is required", common.ErrValidation)
	}

	date := req.InspectionDate
	if date.IsZero() {
		date = s.now()
	}

	insp := &models.Inspection{
		ID:             s.newID(),
		LeaseID:        req.LeaseID,
		Type:           typ,
		Status:         models.StatusDraft,
		InspectionDate: date.UTC(),
		SchemaVersion:  canonical.SchemaVersion,
		CreatedBy:      actor.UserID,
	}

	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.authorizeLease(ctx, tx, actor, req.LeaseID); err != nil {
			return err
		}
		if err := s.repomanager.Inspections(tx).Create(ctx, insp); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, insp.ID, models.AuditInspectionCreated, map[string]any{"type": string(typ)})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "inspection created", "inspection_id", insp.ID, "lease_id", insp.LeaseID, "type", typ)
	return insp, nil
}

// Get returns the inspection with its recorded signatures.
func (s *InspectionService) Get(ctx context.Context, actor auth.Principal, id string) (*models.Inspection, error) {
	insp, err := s.loadInspection(ctx, s.db, actor, id)
	if err != nil {
		return nil, err
	}
	sigs, err := s.repomanager.Signatures(s.db).List(ctx, id)
	if err != nil {
		return nil, err
	}
	insp.Signatures = sigs
	return insp, nil
}

func (s *InspectionService) ListItems(ctx context.Context, actor auth.Principal, id string) ([]*models.Item, error) {
	if _, err := s.loadInspection(ctx, s.db, actor, id); err != nil {
		return nil, err
	}
	return s.repomanager.Items(s.db).ListByInspection(ctx, id)
}

type UpsertItemRequest struct {
	Room        string
	Item        string
	Rating      int
	Damaged     bool
	Description string
}

func (r *UpsertItemRequest) validate() (models.Key, error) {
	key := models.NormalizeKey(r.Room, r.Item)
	if key.Room == "" || key.Item == "" {
		return key, fmt.Errorf("%w: room and item are required", common.ErrValidation)
	}
	if utf8.RuneCountInString(key.Room) > maxKeyLength || utf8.RuneCountInString(key.Item) > maxKeyLength {
		return key, fmt.Errorf("%w: room and item must be at most %d characters", common.ErrValidation, maxKeyLength)
	}
	if r.Rating < models.MinRating || r.Rating > models.MaxRating {
		return key, fmt.Errorf("%w: rating must be between %d and %d", common.ErrValidation, models.MinRating, models.MaxRating)
	}
	if utf8.RuneCountInString(r.Description) > maxDescriptionLength {
		return key, fmt.Errorf("%w: description must be at most %d characters", common.ErrValidation, maxDescriptionLength)
	}
	return key, nil
}

// UpsertItem writes the item for its (room, item) key, last write wins.
// The first write moves a DRAFT inspection to IN_PROGRESS.
func (s *InspectionService) UpsertItem(ctx context.Context, actor auth.Principal, inspectionID string, req UpsertItemRequest) (*models.Item, error) {
	key, err := req.validate()
	if err != nil {
		return nil, err
	}

	item := &models.Item{
		ID:           s.newID(),
		InspectionID: inspectionID,
		RoomKey:      key.Room,
		ItemKey:      key.Item,
		Rating:       req.Rating,
		Damaged:      req.Damaged,
		Description:  req.Description,
	}

	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		insp, err := s.lockInspection(ctx, tx, actor, inspectionID)
		if err != nil {
			return err
		}
		if !insp.Status.Editable() {
			return fmt.Errorf("%w: inspection is %s", common.ErrImmutableRecord, insp.Status)
		}

		now := s.now()
		item.UpdatedAt = now
		if err := s.repomanager.Items(tx).Upsert(ctx, item); err != nil {
			return err
		}
		if insp.Status == models.StatusDraft {
			if _, err := s.repomanager.Inspections(tx).MarkInProgress(ctx, inspectionID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Submit freezes the inspection: it computes the canonical payload over the
// items and their CONFIRMED evidence, stores it with its digest and moves the
// inspection to SUBMITTED. Concurrent callers serialize on the row lock and
// the status guard in MarkSubmitted; exactly one of them performs the
// transition and the others receive ErrInvalidState together with the
// inspection as stored.
func (s *InspectionService) Submit(ctx context.Context, actor auth.Principal, inspectionID string) (*models.Inspection, error) {
	var (
		result *models.Inspection
		stale  int
	)

	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Inspections(tx)

		insp, err := s.lockInspection(ctx, tx, actor, inspectionID)
		if err != nil {
			return err
		}
		if !insp.Status.Editable() {
			result = insp
			return fmt.Errorf("%w: inspection already %s", common.ErrInvalidState, insp.Status)
		}

		items, err := s.repomanager.Items(tx).ListByInspection(ctx, inspectionID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return common.ErrEmptyInspection
		}

		evidence, err := s.repomanager.Evidence(tx).ListByInspection(ctx, inspectionID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, ev := range evidence {
			if !ev.Confirmed() {
				stale++
			}
		}

		hash, payload, err := canonical.Hash(insp, items, evidence)
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}

		ok, err := repo.MarkSubmitted(ctx, inspectionID, hash, payload, now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := repo.Get(ctx, inspectionID)
			if err != nil {
				return err
			}
			result = current
			submissionsTotal.WithLabelValues("lost_race").Inc()
			s.logger.Warn(ctx, "submit lost race", "inspection_id", inspectionID, "status", current.Status)
			return fmt.Errorf("%w: inspection already %s", common.ErrInvalidState, current.Status)
		}

		insp.Status = models.StatusSubmitted
		insp.ContentHash = hash
		insp.CanonicalPayload = payload
		insp.SubmittedAt = &now
		insp.UpdatedAt = now
		result = insp

		return s.audit(ctx, tx, actor, inspectionID, models.AuditInspectionSubmitted, map[string]any{
			"content_hash":      hash,
			"items":             len(items),
			"excluded_evidence": stale,
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrInvalidState) {
			return result, err
		}
		return nil, err
	}

	submissionsTotal.WithLabelValues("submitted").Inc()
	s.logger.Info(ctx, "inspection submitted",
		"inspection_id", inspectionID, "content_hash", result.ContentHash, "excluded_evidence", stale)
	return result, nil
}

type SignRequest struct {
	Role string
	// RequiredRoles overrides the configured policy for the inspection type.
	RequiredRoles []string
}

func (s *InspectionService) requiredRoles(insp *models.Inspection, override []string) ([]models.SignatoryRole, error) {
	if len(override) == 0 {
		return s.config.RequiredRoles(insp.Type), nil
	}
	seen := make(map[models.SignatoryRole]bool, len(override))
	roles := make([]models.SignatoryRole, 0, len(override))
	for _, name := range override {
		r, ok := models.ParseSignatoryRole(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown signatory role %q", common.ErrValidation, name)
		}
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// Sign records a signature on a SUBMITTED inspection and moves it to SIGNED
// once every required role has signed. Signing again with a role that is
// already recorded returns the inspection unchanged.
func (s *InspectionService) Sign(ctx context.Context, actor auth.Principal, inspectionID string, req SignRequest) (*models.Inspection, error) {
	role, ok := models.ParseSignatoryRole(req.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown signatory role %q", common.ErrValidation, req.Role)
	}

	var result *models.Inspection
	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		sigRepo := s.repomanager.Signatures(tx)

		insp, err := s.lockInspection(ctx, tx, actor, inspectionID)
		if err != nil {
			return err
		}
		required, err := s.requiredRoles(insp, req.RequiredRoles)
		if err != nil {
			return err
		}
		if len(required) == 0 {
			return fmt.Errorf("%w: no signatory roles required for %s inspections", common.ErrValidation, insp.Type)
		}

		sigs, err := sigRepo.List(ctx, inspectionID)
		if err != nil {
			return err
		}

		switch insp.Status {
		case models.StatusSigned:
			if hasRole(sigs, role) {
				insp.Signatures = sigs
				result = insp
				return nil
			}
			return fmt.Errorf("%w: inspection already signed", common.ErrInvalidState)
		case models.StatusSubmitted:
		default:
			return fmt.Errorf("%w: inspection must be submitted before signing, status is %s", common.ErrInvalidState, insp.Status)
		}

		now := s.now()
		added, err := sigRepo.Add(ctx, &models.Signature{
			InspectionID: inspectionID,
			Role:         role,
			SignedBy:     actor.UserID,
			SignedAt:     now,
		})
		if err != nil {
			return err
		}
		if added {
			signaturesTotal.WithLabelValues("recorded").Inc()
			if err := s.audit(ctx, tx, actor, inspectionID, models.AuditSignatureRecorded, map[string]any{"role": string(role)}); err != nil {
				return err
			}
			if sigs, err = sigRepo.List(ctx, inspectionID); err != nil {
				return err
			}
		} else {
			signaturesTotal.WithLabelValues("noop").Inc()
		}
		insp.Signatures = sigs
		result = insp

		if !coversRoles(sigs, required) {
			return nil
		}

		ok, err := s.repomanager.Inspections(tx).MarkSigned(ctx, inspectionID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: inspection changed state while signing", common.ErrInvalidState)
		}
		insp.Status = models.StatusSigned
		insp.SignedAt = &now
		insp.UpdatedAt = now

		roles := make([]string, 0, len(sigs))
		for _, sig := range sigs {
			roles = append(roles, string(sig.Role))
		}
		return s.audit(ctx, tx, actor, inspectionID, models.AuditInspectionSigned, map[string]any{"roles": roles})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "signature processed",
		"inspection_id", inspectionID, "role", role, "status", result.Status)
	return result, nil
}

func hasRole(sigs []models.Signature, role models.SignatoryRole) bool {
	for _, sig := range sigs {
		if sig.Role == role {
			return true
		}
	}
	return false
}

func coversRoles(sigs []models.Signature, required []models.SignatoryRole) bool {
	for _, r := range required {
		if !hasRole(sigs, r) {
			return false
		}
	}
	return true
}

// CreateSupplemental opens a DRAFT correction linked to a SIGNED parent. The
// parent is never reopened.
func (s *InspectionService) CreateSupplemental(ctx context.Context, actor auth.Principal, parentID string) (*models.Inspection, error) {
	var supp *models.Inspection

	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		parent, err := s.lockInspection(ctx, tx, actor, parentID)
		if err != nil {
			return err
		}
		if parent.Status != models.StatusSigned {
			return fmt.Errorf("%w: supplemental inspections require a signed parent, status is %s", common.ErrInvalidState, parent.Status)
		}

		supp = &models.Inspection{
			ID:             s.newID(),
			LeaseID:        parent.LeaseID,
			Type:           parent.Type,
			Status:         models.StatusDraft,
			SupplementalTo: parent.ID,
			InspectionDate: s.now(),
			SchemaVersion:  canonical.SchemaVersion,
			CreatedBy:      actor.UserID,
		}
		if err := s.repomanager.Inspections(tx).Create(ctx, supp); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, supp.ID, models.AuditInspectionCreated, map[string]any{
			"type":            string(supp.Type),
			"supplemental_to": parent.ID,
		}); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, parent.ID, models.AuditSupplementalCreated, map[string]any{"supplemental_id": supp.ID})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "supplemental inspection created", "inspection_id", supp.ID, "parent_id", parentID)
	return supp, nil
}

func (s *InspectionService) ListSupplementals(ctx context.Context, actor auth.Principal, id string) ([]*models.Inspection, error) {
	if _, err := s.loadInspection(ctx, s.db, actor, id); err != nil {
		return nil, err
	}
	return s.repomanager.Inspections(s.db).ListSupplementals(ctx, id)
}

// Verification is the outcome of recomputing an inspection's digest.
type Verification struct {
	InspectionID   string `json:"inspection_id"`
	StoredHash     string `json:"stored_hash"`
	RecomputedHash string `json:"recomputed_hash"`
	PayloadMatches bool   `json:"payload_matches"`
	Valid          bool   `json:"valid"`
}

// Verify recomputes the canonical digest of a SUBMITTED or SIGNED inspection
// from its current rows and compares it with the stored one.
func (s *InspectionService) Verify(ctx context.Context, actor auth.Principal, id string) (*Verification, error) {
	insp, err := s.loadInspection(ctx, s.db, actor, id)
	if err != nil {
		return nil, err
	}
	if insp.Status.Editable() {
		return nil, fmt.Errorf("%w: inspection has not been submitted", common.ErrInvalidState)
	}

	items, err := s.repomanager.Items(s.db).ListByInspection(ctx, id)
	if err != nil {
		return nil, err
	}
	evidence, err := s.repomanager.Evidence(s.db).ListByInspection(ctx, id)
	if err != nil {
		return nil, err
	}
	hash, _, err := canonical.Hash(insp, items, evidence)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	v := &Verification{
		InspectionID:   id,
		StoredHash:     insp.ContentHash,
		RecomputedHash: hash,
		PayloadMatches: canonical.Verify(insp.CanonicalPayload, insp.ContentHash),
	}
	v.Valid = v.PayloadMatches && hash == insp.ContentHash
	if !v.Valid {
		s.logger.Error(ctx, "inspection integrity check failed",
			"inspection_id", id, "stored_hash", insp.ContentHash, "recomputed_hash", hash)
	}
	return v, nil
}

func (s *InspectionService) ListAudit(ctx context.Context, actor auth.Principal, id string) ([]*models.AuditEvent, error) {
	if _, err := s.loadInspection(ctx, s.db, actor, id); err != nil {
		return nil, err
	}
	return s.repomanager.Audit(s.db).ListByInspection(ctx, id)
}

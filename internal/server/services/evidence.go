package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	sc "github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
	"github.com/proveniq/inspectvault/internal/server/storage"
)

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/heic":      "heic",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"application/pdf": "pdf",
}

// extensionFor picks the object extension from the declared MIME type and
// falls back to the client file name.
func extensionFor(mimeType, fileName string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, "/\\") {
		return "bin"
	}
	return ext
}

func normalizeMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func validSHA256(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

type EvidenceService struct {
	base
	storage storage.Provider
}

func NewEvidenceService(db *sql.DB, repomanager repomanager.RepositoryManager, store storage.Provider, config *sc.Config, logger logging.Logger) *EvidenceService {
	s := &EvidenceService{base: newBase(db, repomanager, config, logger), storage: store}
	s.logger = s.logger.With("module", "evidence")
	return s
}

type PresignRequest struct {
	ItemID    string
	FileName  string
	MimeType  string
	SizeBytes int64
}

type PresignResult struct {
	Evidence  *models.Evidence `json:"evidence"`
	UploadURL string           `json:"upload_url"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Presign reserves an object path for one upload, records it as PENDING and
// returns a time-bounded upload URL bound to the declared type and size.
func (s *EvidenceService) Presign(ctx context.Context, actor auth.Principal, inspectionID string, req PresignRequest) (*PresignResult, error) {
	mimeType := normalizeMime(req.MimeType)
	if !s.config.MimeAllowed(mimeType) {
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedMediaType, req.MimeType)
	}
	if req.SizeBytes <= 0 {
		return nil, fmt.Errorf("%w: size_bytes must be positive", common.ErrValidation)
	}
	if req.SizeBytes > s.config.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", common.ErrPayloadTooLarge, req.SizeBytes, s.config.MaxUploadBytes)
	}
	if strings.TrimSpace(req.ItemID) == "" {
		return nil, fmt.Errorf("%w: item_id is required", common.ErrValidation)
	}

	now := s.now()
	id := s.newID()
	ev := &models.Evidence{
		ID:           id,
		InspectionID: inspectionID,
		ItemID:       req.ItemID,
		FileName:     path.Base(req.FileName),
		MimeType:     mimeType,
		SizeBytes:    req.SizeBytes,
		Status:       models.EvidencePending,
		ExpiresAt:    now.Add(s.config.PresignTTL),
		CreatedAt:    now,
	}

	err := s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		insp, err := s.lockInspection(ctx, tx, actor, inspectionID)
		if err != nil {
			return err
		}
		if !insp.Status.Editable() {
			return fmt.Errorf("%w: inspection is %s", common.ErrImmutableRecord, insp.Status)
		}
		if _, err := s.repomanager.Items(tx).Get(ctx, inspectionID, req.ItemID); err != nil {
			return err
		}
		ev.ObjectPath = fmt.Sprintf("orgs/%s/inspections/%s/items/%s/%s.%s",
			actor.OrgID, inspectionID, req.ItemID, id, extensionFor(mimeType, req.FileName))
		return s.repomanager.Evidence(tx).CreatePending(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()
	url, err := s.storage.PresignUpload(sctx, ev.ObjectPath, mimeType, req.SizeBytes, s.config.PresignTTL)
	if err != nil {
		s.logger.Error(ctx, "presign upload failed", "object_path", ev.ObjectPath, "error", err)
		return nil, fmt.Errorf("%w: presign upload: %v", common.ErrUpstreamUnavailable, err)
	}

	s.logger.Info(ctx, "evidence presigned",
		"inspection_id", inspectionID, "item_id", req.ItemID, "object_path", ev.ObjectPath, "size_bytes", req.SizeBytes)
	return &PresignResult{Evidence: ev, UploadURL: url, ExpiresAt: ev.ExpiresAt}, nil
}

type ConfirmRequest struct {
	ItemID     string
	ObjectPath string
	SHA256     string
	SizeBytes  int64
	MimeType   string
}

func (r *ConfirmRequest) matches(ev *models.Evidence) bool {
	return ev.ClientHash == r.SHA256 && ev.SizeBytes == r.SizeBytes && ev.MimeType == r.MimeType
}

// Confirm checks an uploaded object against its PENDING record and the
// storage provider and marks it CONFIRMED. Repeating a successful confirm
// with identical input returns the confirmed record.
func (s *EvidenceService) Confirm(ctx context.Context, actor auth.Principal, inspectionID string, req ConfirmRequest) (*models.Evidence, error) {
	req.SHA256 = strings.ToLower(strings.TrimSpace(req.SHA256))
	req.MimeType = normalizeMime(req.MimeType)
	if !validSHA256(req.SHA256) {
		return nil, fmt.Errorf("%w: sha256 must be 64 hex characters", common.ErrValidation)
	}

	if _, err := s.loadInspection(ctx, s.db, actor, inspectionID); err != nil {
		return nil, err
	}

	ev, err := s.repomanager.Evidence(s.db).GetByObjectPath(ctx, req.ItemID, req.ObjectPath)
	if errors.Is(err, common.ErrNotFound) {
		evidenceConfirmTotal.WithLabelValues("not_pending").Inc()
		return nil, fmt.Errorf("%w: no upload was presigned for %s", common.ErrEvidenceNotPending, req.ObjectPath)
	}
	if err != nil {
		return nil, err
	}
	if ev.InspectionID != inspectionID {
		return nil, common.ErrNotFound
	}

	if ev.Confirmed() {
		if req.matches(ev) {
			evidenceConfirmTotal.WithLabelValues("noop").Inc()
			return ev, nil
		}
		evidenceConfirmTotal.WithLabelValues("not_pending").Inc()
		return nil, fmt.Errorf("%w: evidence already confirmed with different content", common.ErrEvidenceNotPending)
	}
	if ev.Abandoned(s.now()) {
		evidenceConfirmTotal.WithLabelValues("not_pending").Inc()
		return nil, fmt.Errorf("%w: upload window expired at %s", common.ErrEvidenceNotPending, ev.ExpiresAt.Format(time.RFC3339))
	}
	if req.MimeType != ev.MimeType {
		return nil, fmt.Errorf("%w: mime type %q does not match presigned %q", common.ErrValidation, req.MimeType, ev.MimeType)
	}
	if req.SizeBytes != ev.SizeBytes {
		evidenceConfirmTotal.WithLabelValues("hash_mismatch").Inc()
		return nil, fmt.Errorf("%w: size %d does not match presigned %d; re-upload the file", common.ErrHashMismatch, req.SizeBytes, ev.SizeBytes)
	}

	etag, err := s.checkStoredObject(ctx, ev, req)
	if err != nil {
		if errors.Is(err, common.ErrHashMismatch) {
			evidenceConfirmTotal.WithLabelValues("hash_mismatch").Inc()
		}
		return nil, err
	}

	ev.ClientHash = req.SHA256
	ev.StorageETag = etag

	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		insp, err := s.repomanager.Inspections(tx).GetForUpdate(ctx, inspectionID)
		if err != nil {
			return err
		}
		if !insp.Status.Editable() {
			return fmt.Errorf("%w: inspection is %s", common.ErrImmutableRecord, insp.Status)
		}

		repo := s.repomanager.Evidence(tx)
		ok, err := repo.MarkConfirmed(ctx, ev, s.now())
		if err != nil {
			return err
		}
		if !ok {
			current, err := repo.GetByObjectPath(ctx, req.ItemID, req.ObjectPath)
			if err != nil {
				return err
			}
			if current.Confirmed() && req.matches(current) {
				ev = current
				return nil
			}
			return fmt.Errorf("%w: evidence changed state during confirmation", common.ErrEvidenceNotPending)
		}
		return s.audit(ctx, tx, actor, inspectionID, models.AuditEvidenceConfirmed, map[string]any{
			"evidence_id": ev.ID,
			"item_id":     ev.ItemID,
			"object_path": ev.ObjectPath,
			"sha256":      ev.ClientHash,
		})
	})
	if err != nil {
		return nil, err
	}

	evidenceConfirmTotal.WithLabelValues("confirmed").Inc()
	s.logger.Info(ctx, "evidence confirmed",
		"inspection_id", inspectionID, "evidence_id", ev.ID, "object_path", ev.ObjectPath, "sha256", ev.ClientHash)
	return ev, nil
}

// checkStoredObject compares the stored object with the confirm request and
// returns its ETag.
func (s *EvidenceService) checkStoredObject(ctx context.Context, ev *models.Evidence, req ConfirmRequest) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	info, err := s.storage.Head(sctx, ev.ObjectPath)
	if errors.Is(err, common.ErrNotFound) {
		return "", fmt.Errorf("%w: object %s not found in storage; re-upload the file", common.ErrHashMismatch, ev.ObjectPath)
	}
	if err != nil {
		s.logger.Error(ctx, "storage head failed", "object_path", ev.ObjectPath, "error", err)
		return "", fmt.Errorf("%w: storage head: %v", common.ErrUpstreamUnavailable, err)
	}

	if info.SizeBytes != req.SizeBytes {
		return "", fmt.Errorf("%w: stored object has %d bytes, expected %d; re-upload the file", common.ErrHashMismatch, info.SizeBytes, req.SizeBytes)
	}

	switch {
	case info.SHA256 != "":
		if info.SHA256 != req.SHA256 {
			return "", fmt.Errorf("%w: stored object digest differs; re-upload the file", common.ErrHashMismatch)
		}
	case s.config.VerifyDigestOnConfirm:
		sum, err := s.digestObject(sctx, ev.ObjectPath)
		if err != nil {
			return "", err
		}
		if sum != req.SHA256 {
			return "", fmt.Errorf("%w: stored object digest differs; re-upload the file", common.ErrHashMismatch)
		}
	}
	return info.ETag, nil
}

func (s *EvidenceService) digestObject(ctx context.Context, key string) (string, error) {
	rc, err := s.storage.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: storage get: %v", common.ErrUpstreamUnavailable, err)
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("%w: storage read: %v", common.ErrUpstreamUnavailable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type DownloadResult struct {
	Evidence    *models.Evidence `json:"evidence"`
	DownloadURL string           `json:"download_url"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// DownloadURL issues a time-bounded read URL for CONFIRMED evidence.
func (s *EvidenceService) DownloadURL(ctx context.Context, actor auth.Principal, inspectionID, evidenceID string) (*DownloadResult, error) {
	if _, err := s.loadInspection(ctx, s.db, actor, inspectionID); err != nil {
		return nil, err
	}
	ev, err := s.repomanager.Evidence(s.db).Get(ctx, inspectionID, evidenceID)
	if err != nil {
		return nil, err
	}
	if !ev.Confirmed() {
		return nil, common.ErrNotFound
	}

	sctx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()
	url, err := s.storage.PresignDownload(sctx, ev.ObjectPath, s.config.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: presign download: %v", common.ErrUpstreamUnavailable, err)
	}
	return &DownloadResult{Evidence: ev, DownloadURL: url, ExpiresAt: s.now().Add(s.config.PresignTTL)}, nil
}

// List returns CONFIRMED evidence for an inspection in confirmation order.
func (s *EvidenceService) List(ctx context.Context, actor auth.Principal, inspectionID string) ([]*models.Evidence, error) {
	if _, err := s.loadInspection(ctx, s.db, actor, inspectionID); err != nil {
		return nil, err
	}
	all, err := s.repomanager.Evidence(s.db).ListByInspection(ctx, inspectionID)
	if err != nil {
		return nil, err
	}
	confirmed := make([]*models.Evidence, 0, len(all))
	for _, ev := range all {
		if ev.Confirmed() {
			confirmed = append(confirmed, ev)
		}
	}
	return confirmed, nil
}

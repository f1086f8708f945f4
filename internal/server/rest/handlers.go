package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/services"
)

// maxBodyBytes bounds JSON request bodies. Evidence bytes never pass through
// this server.
const maxBodyBytes = 1 << 20

// InspectionAPI is the inspection state machine as seen by the handlers.
type InspectionAPI interface {
	Create(ctx context.Context, actor auth.Principal, req services.CreateInspectionRequest) (*models.Inspection, error)
	Get(ctx context.Context, actor auth.Principal, id string) (*models.Inspection, error)
	ListItems(ctx context.Context, actor auth.Principal, id string) ([]*models.Item, error)
	UpsertItem(ctx context.Context, actor auth.Principal, id string, req services.UpsertItemRequest) (*models.Item, error)
	Submit(ctx context.Context, actor auth.Principal, id string) (*models.Inspection, error)
	Sign(ctx context.Context, actor auth.Principal, id string, req services.SignRequest) (*models.Inspection, error)
	CreateSupplemental(ctx context.Context, actor auth.Principal, parentID string) (*models.Inspection, error)
	ListSupplementals(ctx context.Context, actor auth.Principal, id string) ([]*models.Inspection, error)
	Verify(ctx context.Context, actor auth.Principal, id string) (*services.Verification, error)
	ListAudit(ctx context.Context, actor auth.Principal, id string) ([]*models.AuditEvent, error)
}

type EvidenceAPI interface {
	Presign(ctx context.Context, actor auth.Principal, inspectionID string, req services.PresignRequest) (*services.PresignResult, error)
	Confirm(ctx context.Context, actor auth.Principal, inspectionID string, req services.ConfirmRequest) (*models.Evidence, error)
	List(ctx context.Context, actor auth.Principal, inspectionID string) ([]*models.Evidence, error)
	DownloadURL(ctx context.Context, actor auth.Principal, inspectionID, evidenceID string) (*services.DownloadResult, error)
}

type DiffAPI interface {
	ForLease(ctx context.Context, actor auth.Principal, leaseID string, sel services.PairSelector) (*models.DiffResult, error)
	Compute(ctx context.Context, actor auth.Principal, moveInID, moveOutID string) (*models.DiffResult, error)
	EstimateDeposit(ctx context.Context, actor auth.Principal, leaseID string, sel services.PairSelector) (*models.DepositAdvisory, error)
}

type PacketAPI interface {
	Assemble(ctx context.Context, actor auth.Principal, req services.AssembleRequest) (*services.Packet, error)
}

// Handler adapts the engine services to HTTP.
type Handler struct {
	inspections InspectionAPI
	evidence    EvidenceAPI
	diff        DiffAPI
	packets     PacketAPI
	logger      logging.Logger
}

func NewHandler(inspections InspectionAPI, evidence EvidenceAPI, diff DiffAPI, packets PacketAPI, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Handler{
		inspections: inspections,
		evidence:    evidence,
		diff:        diff,
		packets:     packets,
		logger:      logger,
	}
}

// fail writes the error response for err. Unexpected errors are logged with
// their cause and answered with a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	WriteError(w, status, code, msg)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, common.ErrMissingToken.Error())
		return auth.Principal{}, false
	}
	return *p, true
}

// decode reads a single JSON object, rejecting unknown fields and oversized
// bodies.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", common.ErrPayloadTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: malformed request body: %v", common.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must contain a single JSON object", common.ErrValidation)
	}
	return nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be true or false", common.ErrValidation, name)
	}
	return b, nil
}

// leaseID reads the lease from the path, or from ?leaseId= on the flat routes.
func leaseID(r *http.Request) string {
	if id := chi.URLParam(r, "leaseId"); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("leaseId"))
}

func pairSelector(r *http.Request) services.PairSelector {
	q := r.URL.Query()
	return services.PairSelector{
		MoveInID:  strings.TrimSpace(q.Get("moveIn")),
		MoveOutID: strings.TrimSpace(q.Get("moveOut")),
	}
}

type createInspectionBody struct {
	LeaseID        string     `json:"lease_id"`
	Type           string     `json:"type"`
	InspectionDate *time.Time `json:"inspection_date,omitempty"`
}

func (h *Handler) createInspection(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body createInspectionBody
	if err := decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	req := services.CreateInspectionRequest{LeaseID: body.LeaseID, Type: body.Type}
	if body.InspectionDate != nil {
		req.InspectionDate = *body.InspectionDate
	}

	insp, err := h.inspections.Create(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, insp)
}

func (h *Handler) getInspection(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	insp, err := h.inspections.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

type itemsResponse struct {
	Items []*models.Item `json:"items"`
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	items, err := h.inspections.ListItems(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []*models.Item{}
	}
	writeJSON(w, http.StatusOK, itemsResponse{Items: items})
}

type upsertItemBody struct {
	Room        string `json:"room"`
	Item        string `json:"item"`
	Rating      int    `json:"rating"`
	Damaged     bool   `json:"damaged"`
	Description string `json:"description"`
}

func (h *Handler) upsertItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body upsertItemBody
	if err := decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	item, err := h.inspections.UpsertItem(r.Context(), actor, chi.URLParam(r, "id"), services.UpsertItemRequest{
		Room:        body.Room,
		Item:        body.Item,
		Rating:      body.Rating,
		Damaged:     body.Damaged,
		Description: body.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type submitConflict struct {
	Error      errorDetail        `json:"error"`
	Inspection *models.Inspection `json:"inspection"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	insp, err := h.inspections.Submit(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		// A lost or repeated submit returns the record that won.
		if errors.Is(err, common.ErrInvalidState) && insp != nil {
			status, code, msg := classify(err)
			writeJSON(w, status, submitConflict{Error: errorDetail{Code: code, Message: msg}, Inspection: insp})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

type signBody struct {
	SignatoryRole string   `json:"signatory_role"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body signBody
	if err := decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	insp, err := h.inspections.Sign(r.Context(), actor, chi.URLParam(r, "id"), services.SignRequest{
		Role:          body.SignatoryRole,
		RequiredRoles: body.RequiredRoles,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

func (h *Handler) createSupplemental(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	insp, err := h.inspections.CreateSupplemental(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, insp)
}

type inspectionsResponse struct {
	Inspections []*models.Inspection `json:"inspections"`
}

func (h *Handler) listSupplementals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.inspections.ListSupplementals(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Inspection{}
	}
	writeJSON(w, http.StatusOK, inspectionsResponse{Inspections: list})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	v, err := h.inspections.Verify(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type auditResponse struct {
	Events []*models.AuditEvent `json:"events"`
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	events, err := h.inspections.ListAudit(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: events})
}

type presignBody struct {
	ItemID    string `json:"item_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

func (h *Handler) presign(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body presignBody
	if err := decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.evidence.Presign(r.Context(), actor, chi.URLParam(r, "id"), services.PresignRequest{
		ItemID:    body.ItemID,
		FileName:  body.FileName,
		MimeType:  body.MimeType,
		SizeBytes: body.SizeBytes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type confirmBody struct {
	ItemID     string `json:"item_id"`
	ObjectPath string `json:"object_path"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
	MimeType   string `json:"mime_type"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body confirmBody
	if err := decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	ev, err := h.evidence.Confirm(r.Context(), actor, chi.URLParam(r, "id"), services.ConfirmRequest{
		ItemID:     body.ItemID,
		ObjectPath: body.ObjectPath,
		SHA256:     body.SHA256,
		SizeBytes:  body.SizeBytes,
		MimeType:   body.MimeType,
	})
	if err != nil {
		if errors.Is(err, common.ErrHashMismatch) {
			WriteError(w, http.StatusUnprocessableEntity, CodeHashMismatch,
				"uploaded object does not match the declared hash or size; upload the file again with a new presigned URL")
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type evidenceResponse struct {
	Evidence []*models.Evidence `json:"evidence"`
}

func (h *Handler) listEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.evidence.List(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Evidence{}
	}
	writeJSON(w, http.StatusOK, evidenceResponse{Evidence: list})
}

func (h *Handler) downloadEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.evidence.DownloadURL(r.Context(), actor, chi.URLParam(r, "id"), chi.URLParam(r, "evidenceId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) leaseDiff(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := leaseID(r)
	if id == "" {
		h.fail(w, r, fmt.Errorf("%w: leaseId is required", common.ErrValidation))
		return
	}
	res, err := h.diff.ForLease(r.Context(), actor, id, pairSelector(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// pairDiff serves GET /v1/diff. With leaseId it is the lease diff; otherwise
// both moveIn and moveOut select the pair directly.
func (h *Handler) pairDiff(w http.ResponseWriter, r *http.Request) {
	if leaseID(r) != "" {
		h.leaseDiff(w, r)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	sel := pairSelector(r)
	if sel.MoveInID == "" || sel.MoveOutID == "" {
		h.fail(w, r, fmt.Errorf("%w: leaseId or both moveIn and moveOut are required", common.ErrValidation))
		return
	}
	res, err := h.diff.Compute(r.Context(), actor, sel.MoveInID, sel.MoveOutID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) estimate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := leaseID(r)
	if id == "" {
		h.fail(w, r, fmt.Errorf("%w: leaseId is required", common.ErrValidation))
		return
	}
	adv, err := h.diff.EstimateDeposit(r.Context(), actor, id, pairSelector(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

// claimPacket streams the assembled ZIP. The archive is complete on disk
// before the first byte is written, so failures are always clean JSON errors.
func (h *Handler) claimPacket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := leaseID(r)
	if id == "" {
		h.fail(w, r, fmt.Errorf("%w: leaseId is required", common.ErrValidation))
		return
	}
	include, err := queryBool(r, "includeEvidence")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	pkt, err := h.packets.Assemble(r.Context(), actor, services.AssembleRequest{
		LeaseID:         id,
		IncludeEvidence: include,
		Pair:            pairSelector(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer func() {
		if err := pkt.Close(); err != nil {
			h.logger.Warn(r.Context(), "failed to remove claim packet", "lease_id", id, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkt.Name))
	w.Header().Set(common.PartialEvidenceHeaderName, strconv.FormatBool(pkt.PartialEvidence))
	http.ServeContent(w, r, pkt.Name, pkt.GeneratedAt, pkt.File)
}

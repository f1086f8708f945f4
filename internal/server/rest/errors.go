package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/proveniq/inspectvault/internal/common"
)

// Machine-readable error codes.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeImmutableRecord     = "IMMUTABLE_RECORD"
	CodeInvalidState        = "INVALID_STATE"
	CodeEmptyInspection     = "EMPTY_INSPECTION"
	CodeNotFinalized        = "INSPECTION_NOT_FINALIZED"
	CodeEvidenceNotPending  = "EVIDENCE_NOT_PENDING"
	CodeHashMismatch        = "HASH_MISMATCH"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia    = "UNSUPPORTED_MEDIA_TYPE"
	CodeEvidenceUnavailable = "EVIDENCE_UNAVAILABLE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// notFoundMessage is shared by missing resources and cross-organization
// access so the two cannot be told apart.
const notFoundMessage = "resource not found"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes {"error": {"code": ..., "message": ...}}.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// classify maps an engine error to its HTTP status, code and client message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrAuthorization):
		return http.StatusNotFound, CodeNotFound, notFoundMessage
	case errors.Is(err, common.ErrMissingToken), errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized, CodeUnauthorized, err.Error()
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, CodeValidation, err.Error()
	case errors.Is(err, common.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge, err.Error()
	case errors.Is(err, common.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, CodeUnsupportedMedia, err.Error()
	case errors.Is(err, common.ErrHashMismatch):
		return http.StatusUnprocessableEntity, CodeHashMismatch, err.Error()
	case errors.Is(err, common.ErrImmutableRecord):
		return http.StatusConflict, CodeImmutableRecord, err.Error()
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState, err.Error()
	case errors.Is(err, common.ErrEmptyInspection):
		return http.StatusConflict, CodeEmptyInspection, err.Error()
	case errors.Is(err, common.ErrInspectionNotFinalized):
		return http.StatusConflict, CodeNotFinalized, err.Error()
	case errors.Is(err, common.ErrEvidenceNotPending):
		return http.StatusConflict, CodeEvidenceNotPending, err.Error()
	case errors.Is(err, common.ErrEvidenceUnavailable):
		return http.StatusBadGateway, CodeEvidenceUnavailable, err.Error()
	case errors.Is(err, common.ErrUpstreamUnavailable):
		return http.StatusBadGateway, CodeUpstreamUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

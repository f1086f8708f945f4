// Package common defines shared constants and sentinel errors used across
// the inspection engine. Callers should use errors.Is to match these values;
// services wrap them with fmt.Errorf("%w: ...") to add request detail.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Request validation.
	ErrValidation           = errors.New("validation error")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// Lifecycle errors.
	ErrImmutableRecord        = errors.New("immutable record")
	ErrInvalidState           = errors.New("invalid state")
	ErrEmptyInspection        = errors.New("inspection has no items")
	ErrInspectionNotFinalized = errors.New("inspection not finalized")
	ErrEvidenceNotPending     = errors.New("evidence not pending")
	ErrHashMismatch           = errors.New("hash mismatch")
	ErrEvidenceUnavailable    = errors.New("evidence unavailable")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrAuthorization          = errors.New("not authorized")
	ErrInvalidToken           = errors.New("invalid token")
	ErrTokenExpired           = errors.New("token expired")
	ErrMissingToken           = errors.New("missing token")
)

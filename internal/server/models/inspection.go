// Package models defines the persisted inspection records and the derived
// diff types exchanged between services and transport.
package models

import (
	"strings"
	"time"
)

// InspectionStatus is the lifecycle state of an inspection.
// DRAFT -> IN_PROGRESS -> SUBMITTED -> SIGNED; SUBMITTED and SIGNED are frozen.
type InspectionStatus string

const (
	StatusDraft      InspectionStatus = "DRAFT"
	StatusInProgress InspectionStatus = "IN_PROGRESS"
	StatusSubmitted  InspectionStatus = "SUBMITTED"
	StatusSigned     InspectionStatus = "SIGNED"
)

func (s InspectionStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusSubmitted, StatusSigned:
		return true
	}
	return false
}

// Editable reports whether items and evidence may still change.
func (s InspectionStatus) Editable() bool {
	return s == StatusDraft || s == StatusInProgress
}

// InspectionType names what the inspection documents.
type InspectionType string

const (
	TypeMoveIn   InspectionType = "move_in"
	TypeMoveOut  InspectionType = "move_out"
	TypePeriodic InspectionType = "periodic"
	TypeTurnover InspectionType = "turnover"
)

func ParseInspectionType(s string) (InspectionType, bool) {
	t := InspectionType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeMoveIn, TypeMoveOut, TypePeriodic, TypeTurnover:
		return t, true
	}
	return "", false
}

// Inspection is the header record. Once SIGNED it is never updated again;
// corrections are new inspections whose SupplementalTo points at it.
type Inspection struct {
	ID             string           `json:"id"`
	LeaseID        string           `json:"lease_id"`
	Type           InspectionType   `json:"type"`
	Status         InspectionStatus `json:"status"`
	SupplementalTo string           `json:"supplemental_to,omitempty"`
	InspectionDate time.Time        `json:"inspection_date"`

	// ContentHash is the hex SHA-256 of CanonicalPayload, fixed at submit.
	ContentHash      string `json:"content_hash,omitempty"`
	CanonicalPayload []byte `json:"-"`
	SchemaVersion    int    `json:"schema_version"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Signatures []Signature `json:"signatures,omitempty"`
}

// IsSupplemental reports whether this inspection corrects a signed one.
func (i *Inspection) IsSupplemental() bool {
	return i.SupplementalTo != ""
}

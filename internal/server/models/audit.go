package models

import "time"

type AuditAction string

const (
	AuditInspectionCreated   AuditAction = "inspection_created"
	AuditInspectionSubmitted AuditAction = "inspection_submitted"
	AuditInspectionSigned    AuditAction = "inspection_signed"
	AuditSignatureRecorded   AuditAction = "signature_recorded"
	AuditEvidenceConfirmed   AuditAction = "evidence_confirmed"
	AuditSupplementalCreated AuditAction = "supplemental_created"
)

// AuditEvent is an append-only record written in the same transaction as
// the state change it describes.
type AuditEvent struct {
	ID           string         `json:"id"`
	InspectionID string         `json:"inspection_id"`
	Action       AuditAction    `json:"action"`
	ActorID      string         `json:"actor_id,omitempty"`
	OrgID        string         `json:"org_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

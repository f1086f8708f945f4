// Package claimpacket defines the claim packet archive layout, writes it as
// a ZIP and verifies a packet offline against the digests it carries.
package claimpacket

import (
	"time"

	"github.com/proveniq/inspectvault/internal/server/models"
)

// Archive entry names.
const (
	SummaryFile       = "claim_summary.json"
	ReadmeFile        = "README.txt"
	MoveInFile        = "inspections/move_in.canonical.json"
	MoveOutFile       = "inspections/move_out.canonical.json"
	EvidenceIndexFile = "evidence/index.json"
	EvidenceDir       = "evidence/"
)

// Evidence entry states in the index.
const (
	EvidenceIncluded    = "included"
	EvidenceReferenced  = "referenced"
	EvidenceUnavailable = "unavailable"
	EvidenceCorrupted   = "hash_mismatch"
)

// InspectionProof is what a reviewer needs to check one inspection: its
// recorded digest and the archive entry holding the bytes it was taken over.
type InspectionProof struct {
	InspectionID   string             `json:"inspection_id"`
	Type           string             `json:"type"`
	SupplementalTo string             `json:"supplemental_to,omitempty"`
	ContentHash    string             `json:"content_hash"`
	CanonicalFile  string             `json:"canonical_file"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	SignedAt       *time.Time         `json:"signed_at,omitempty"`
	Signatures     []models.Signature `json:"signatures"`
}

type EvidenceEntry struct {
	Room        string `json:"room"`
	Item        string `json:"item"`
	Phase       string `json:"phase"`
	ObjectPath  string `json:"object_path"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	Status      string `json:"status"`
	ArchivePath string `json:"archive_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Summary is claim_summary.json.
type Summary struct {
	LeaseID         string             `json:"lease_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	GeneratedBy     string             `json:"generated_by,omitempty"`
	MoveIn          InspectionProof    `json:"move_in"`
	MoveOut         InspectionProof    `json:"move_out"`
	Items           []models.DiffEntry `json:"items"`
	Totals          models.DiffTotals  `json:"totals"`
	Deposit         *DepositSummary    `json:"deposit,omitempty"`
	IncludeEvidence bool               `json:"include_evidence"`
	PartialEvidence bool               `json:"partial_evidence"`
	EvidenceNotice  string             `json:"evidence_notice,omitempty"`
	Disclaimer      string             `json:"disclaimer"`
}

type DepositSummary struct {
	DepositAmountCents      int64 `json:"deposit_amount_cents"`
	EstimatedDeductionCents int64 `json:"estimated_deduction_cents"`
	EstimatedRefundCents    int64 `json:"estimated_refund_cents"`
}

// EvidenceIndex is evidence/index.json.
type EvidenceIndex struct {
	Entries []EvidenceEntry `json:"entries"`
}

const readme = `CLAIM PACKET

claim_summary.json
    Lease, move-in and move-out inspection proofs, per-item condition diff,
    advisory repair estimates and deposit figures.

inspections/move_in.canonical.json
inspections/move_out.canonical.json
    The exact bytes each inspection's content_hash was computed over.
    sha256(file) must equal the content_hash recorded in claim_summary.json.

evidence/index.json
    Every confirmed evidence object for items with new damage, with the
    SHA-256 recorded at upload. Entries with status "included" have their
    bytes under evidence/ and the file digest must equal the recorded one.

All repair estimates are non-binding advisory figures.
`

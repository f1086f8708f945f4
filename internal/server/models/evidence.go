package models

import "time"

// EvidenceStatus is the upload lifecycle of a single evidence object.
type EvidenceStatus string

const (
	EvidencePending   EvidenceStatus = "PENDING"
	EvidenceConfirmed EvidenceStatus = "CONFIRMED"
)

// Evidence binds one stored object (photo, video, document) to one item.
type Evidence struct {
	ID           string         `json:"id"`
	InspectionID string         `json:"inspection_id"`
	ItemID       string         `json:"item_id"`
	ObjectPath   string         `json:"object_path"`
	FileName     string         `json:"file_name"`
	MimeType     string         `json:"mime_type"`
	SizeBytes    int64          `json:"size_bytes"`
	ClientHash   string         `json:"sha256,omitempty"`
	StorageETag  string         `json:"storage_etag,omitempty"`
	Status       EvidenceStatus `json:"status"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ConfirmedAt  *time.Time     `json:"confirmed_at,omitempty"`
	// ConfirmSeq is assigned from a database sequence at confirmation and
	// fixes the order evidence appears in the canonical payload.
	ConfirmSeq int64     `json:"confirm_seq,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e *Evidence) Confirmed() bool {
	return e.Status == EvidenceConfirmed
}

// Abandoned reports a PENDING record whose presigned upload window has passed.
func (e *Evidence) Abandoned(now time.Time) bool {
	return e.Status == EvidencePending && now.After(e.ExpiresAt)
}

// EvidenceRef is the read-only view of confirmed evidence used by diffs and
// claim packets.
type EvidenceRef struct {
	ID         string `json:"id"`
	ObjectPath string `json:"object_path"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256     string `json:"sha256"`
}

func (e *Evidence) Ref() EvidenceRef {
	return EvidenceRef{
		ID:         e.ID,
		ObjectPath: e.ObjectPath,
		MimeType:   e.MimeType,
		SizeBytes:  e.SizeBytes,
		SHA256:     e.ClientHash,
	}
}

// Package canonical builds the deterministic serialization of an
// inspection's items and confirmed evidence and digests it with SHA-256.
//
// Object keys are emitted in ascending order at every level, items are
// sorted by (room, item) and each item's evidence by confirmation order.
// Nothing derived from wall-clock time at hashing or from storage order
// enters the payload, so equal content always produces equal bytes.
package canonical

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/proveniq/inspectvault/internal/server/models"
)

// SchemaVersion is embedded in every payload; bump it when the layout changes.
const SchemaVersion = 1

// ErrUnsupportedSchema is returned for inspections stamped with a layout
// version this build cannot reproduce.
var ErrUnsupportedSchema = errors.New("unsupported canonical schema version")

// version returns the layout an inspection was hashed under. Records created
// before the version was stored count as SchemaVersion.
func version(insp *models.Inspection) int {
	if insp.SchemaVersion == 0 {
		return SchemaVersion
	}
	return insp.SchemaVersion
}

// CheckVersion fails when insp was stamped with a layout other than the one
// Build emits.
func CheckVersion(insp *models.Inspection) error {
	if v := version(insp); v != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, v)
	}
	return nil
}

// Struct fields are declared in lexical order of their JSON names so that
// encoding/json emits sorted keys.

type Header struct {
	InspectionDate string `json:"inspection_date"`
	InspectionID   string `json:"inspection_id"`
	LeaseID        string `json:"lease_id"`
	SchemaVersion  int    `json:"schema_version"`
	SupplementalTo string `json:"supplemental_to"`
	Type           string `json:"type"`
}

type Evidence struct {
	MimeType   string `json:"mime_type"`
	ObjectPath string `json:"object_path"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
}

type Item struct {
	Damaged     bool       `json:"damaged"`
	Description string     `json:"description"`
	Evidence    []Evidence `json:"evidence"`
	Item        string     `json:"item"`
	Rating      int        `json:"rating"`
	Room        string     `json:"room"`
}

// Document is the full canonical payload.
type Document struct {
	Inspection Header `json:"inspection"`
	Items      []Item `json:"items"`
}

// Build assembles the canonical document. Only CONFIRMED evidence bound to
// one of items is included; PENDING and abandoned records are dropped.
func Build(insp *models.Inspection, items []*models.Item, evidence []*models.Evidence) *Document {
	doc := &Document{
		Inspection: Header{
			InspectionDate: insp.InspectionDate.UTC().Format(time.RFC3339),
			InspectionID:   insp.ID,
			LeaseID:        insp.LeaseID,
			SchemaVersion:  version(insp),
			SupplementalTo: insp.SupplementalTo,
			Type:           string(insp.Type),
		},
		Items: make([]Item, 0, len(items)),
	}

	byItem := make(map[string][]*models.Evidence, len(items))
	for _, ev := range evidence {
		if ev.Confirmed() {
			byItem[ev.ItemID] = append(byItem[ev.ItemID], ev)
		}
	}

	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b *models.Item) int {
		ka, kb := a.Key(), b.Key()
		if c := cmp.Compare(ka.Room, kb.Room); c != 0 {
			return c
		}
		if c := cmp.Compare(ka.Item, kb.Item); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	for _, it := range sorted {
		evs := byItem[it.ID]
		SortEvidence(evs)

		entry := Item{
			Damaged:     it.Damaged,
			Description: it.Description,
			Evidence:    make([]Evidence, 0, len(evs)),
			Item:        it.ItemKey,
			Rating:      it.Rating,
			Room:        it.RoomKey,
		}
		for _, ev := range evs {
			entry.Evidence = append(entry.Evidence, Evidence{
				MimeType:   ev.MimeType,
				ObjectPath: ev.ObjectPath,
				SHA256:     ev.ClientHash,
				SizeBytes:  ev.SizeBytes,
			})
		}
		doc.Items = append(doc.Items, entry)
	}
	return doc
}

// SortEvidence orders evidence by confirmation: sequence number first, then
// confirmation time, then object path as a final tie-break.
func SortEvidence(evs []*models.Evidence) {
	slices.SortFunc(evs, func(a, b *models.Evidence) int {
		if c := cmp.Compare(a.ConfirmSeq, b.ConfirmSeq); c != 0 {
			return c
		}
		if c := compareTimes(a.ConfirmedAt, b.ConfirmedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ObjectPath, b.ObjectPath)
	})
}

func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

// Marshal renders the document as compact JSON without HTML escaping and
// without a trailing newline.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a stored payload back into a Document.
func Decode(payload []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return &d, nil
}

// Digest returns the lowercase hex SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Hash builds, serializes and digests in one step.
func Hash(insp *models.Inspection, items []*models.Item, evidence []*models.Evidence) (string, []byte, error) {
	if err := CheckVersion(insp); err != nil {
		return "", nil, err
	}
	payload, err := Build(insp, items, evidence).Marshal()
	if err != nil {
		return "", nil, err
	}
	return Digest(payload), payload, nil
}

// Verify reports whether payload digests to want.
func Verify(payload []byte, want string) bool {
	got := Digest(payload)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

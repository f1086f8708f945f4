package claimpacket

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// Check is one digest comparison.
type Check struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	OK       bool   `json:"ok"`
	Detail   string `json:"detail,omitempty"`
}

// Report is the outcome of Verify. OK is true only when every check passed;
// evidence recorded as unavailable in the packet is listed but not failed.
type Report struct {
	LeaseID         string  `json:"lease_id"`
	PartialEvidence bool    `json:"partial_evidence"`
	Inspections     []Check `json:"inspections"`
	Evidence        []Check `json:"evidence"`
	Skipped         []Check `json:"skipped,omitempty"`
	OK              bool    `json:"ok"`
}

// VerifyFile opens the packet at path and verifies it.
func VerifyFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Verify(f, st.Size())
}

// Verify recomputes the SHA-256 of both canonical inspection payloads and of
// every included evidence file and compares them with the recorded digests.
func Verify(r io.ReaderAt, size int64) (*Report, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open packet: %w", err)
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var summary Summary
	if err := readJSON(files, SummaryFile, &summary); err != nil {
		return nil, err
	}
	var index EvidenceIndex
	if err := readJSON(files, EvidenceIndexFile, &index); err != nil {
		return nil, err
	}

	rep := &Report{LeaseID: summary.LeaseID, PartialEvidence: summary.PartialEvidence, OK: true}

	for _, proof := range []InspectionProof{summary.MoveIn, summary.MoveOut} {
		c := digestCheck(files, proof.CanonicalFile, proof.ContentHash)
		c.Name = proof.Type + " " + proof.InspectionID
		rep.Inspections = append(rep.Inspections, c)
		rep.OK = rep.OK && c.OK
	}

	for _, e := range index.Entries {
		if e.Status != EvidenceIncluded && e.Status != EvidenceCorrupted {
			rep.Skipped = append(rep.Skipped, Check{Name: e.ObjectPath, Expected: e.SHA256, Detail: e.Status})
			continue
		}
		c := digestCheck(files, e.ArchivePath, e.SHA256)
		rep.Evidence = append(rep.Evidence, c)
		rep.OK = rep.OK && c.OK
	}
	return rep, nil
}

func digestCheck(files map[string]*zip.File, name, expected string) Check {
	c := Check{Name: name, Expected: expected}
	f, ok := files[name]
	if !ok {
		c.Detail = "missing from archive"
		return c
	}
	sum, err := fileDigest(f)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.Actual = sum
	c.OK = sum == expected
	if !c.OK {
		c.Detail = "digest mismatch"
	}
	return c
}

func fileDigest(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readJSON(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("packet: %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("packet: open %s: %w", name, err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("packet: decode %s: %w", name, err)
	}
	return nil
}

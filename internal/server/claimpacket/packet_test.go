package claimpacket

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type packetOpts struct {
	moveInBytes   []byte
	moveInHash    string
	evidenceBytes []byte
	evidenceHash  string
	skipEvidence  bool
}

func buildPacket(t *testing.T, o packetOpts) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	moveOut := []byte(`{"inspection":{"type":"move_out"},"items":[]}`)
	summary := Summary{
		LeaseID: "lease-1",
		MoveIn:  InspectionProof{InspectionID: "in", Type: "move_in", ContentHash: o.moveInHash, CanonicalFile: MoveInFile},
		MoveOut: InspectionProof{InspectionID: "out", Type: "move_out", ContentHash: sum(moveOut), CanonicalFile: MoveOutFile},
	}
	index := EvidenceIndex{}

	require.NoError(t, w.AddReadme())
	require.NoError(t, w.AddBytes(MoveInFile, o.moveInBytes))
	require.NoError(t, w.AddBytes(MoveOutFile, moveOut))

	if o.skipEvidence {
		index.Entries = append(index.Entries, EvidenceEntry{ObjectPath: "p/x.jpg", SHA256: o.evidenceHash, Status: EvidenceUnavailable, Error: "not found"})
		summary.PartialEvidence = true
	} else {
		got, n, err := w.AddStream("evidence/kitchen_sink_1.jpg", bytes.NewReader(o.evidenceBytes))
		require.NoError(t, err)
		assert.Equal(t, int64(len(o.evidenceBytes)), n)
		assert.Equal(t, sum(o.evidenceBytes), got)
		index.Entries = append(index.Entries, EvidenceEntry{ObjectPath: "p/x.jpg", SHA256: o.evidenceHash, Status: EvidenceIncluded, ArchivePath: "evidence/kitchen_sink_1.jpg"})
	}

	require.NoError(t, w.AddJSON(EvidenceIndexFile, index))
	require.NoError(t, w.AddJSON(SummaryFile, summary))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func validOpts() packetOpts {
	moveIn := []byte(`{"inspection":{"type":"move_in"},"items":[]}`)
	photo := []byte("\xff\xd8jpeg-bytes")
	return packetOpts{moveInBytes: moveIn, moveInHash: sum(moveIn), evidenceBytes: photo, evidenceHash: sum(photo)}
}

func TestVerify_ValidPacket(t *testing.T) {
	data := buildPacket(t, validOpts())

	rep, err := Verify(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Equal(t, "lease-1", rep.LeaseID)
	require.Len(t, rep.Inspections, 2)
	require.Len(t, rep.Evidence, 1)
	assert.True(t, rep.Evidence[0].OK)
}

func TestVerify_TamperedInspection(t *testing.T) {
	o := validOpts()
	o.moveInHash = strings.Repeat("0", 64)
	data := buildPacket(t, o)

	rep, err := Verify(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.False(t, rep.Inspections[0].OK)
	assert.Equal(t, "digest mismatch", rep.Inspections[0].Detail)
	assert.True(t, rep.Inspections[1].OK)
}

func TestVerify_TamperedEvidence(t *testing.T) {
	o := validOpts()
	o.evidenceBytes = []byte("swapped photo")
	data := buildPacket(t, o)

	rep, err := Verify(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.False(t, rep.Evidence[0].OK)
}

func TestVerify_UnavailableEvidenceIsSkipped(t *testing.T) {
	o := validOpts()
	o.skipEvidence = true
	data := buildPacket(t, o)

	rep, err := Verify(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.True(t, rep.PartialEvidence)
	assert.Empty(t, rep.Evidence)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, EvidenceUnavailable, rep.Skipped[0].Detail)
}

func TestVerify_MissingSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Now())
	require.NoError(t, w.AddReadme())
	require.NoError(t, w.Close())

	_, err := Verify(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	assert.ErrorContains(t, err, SummaryFile)
}

func TestVerify_NotAZip(t *testing.T) {
	_, err := Verify(strings.NewReader("plain text"), 10)
	assert.Error(t, err)
}

func TestWriter_EntryMethods(t *testing.T) {
	data := buildPacket(t, validOpts())
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	methods := map[string]uint16{}
	for _, f := range zr.File {
		methods[f.Name] = f.Method
	}
	assert.Equal(t, zip.Store, methods["evidence/kitchen_sink_1.jpg"])
	assert.Equal(t, zip.Deflate, methods[SummaryFile])
	assert.Contains(t, methods, ReadmeFile)
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packet.zip")
	require.NoError(t, os.WriteFile(path, buildPacket(t, validOpts()), 0o600))

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.True(t, rep.OK)

	_, err = VerifyFile(filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)
}

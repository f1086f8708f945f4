package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/server/claimpacket"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packetLease struct {
	in, out       *models.Inspection
	damagedPhotos []*models.Evidence
	otherPhoto    *models.Evidence
}

// packetFixture finalizes a lease where the living room wall degraded from
// 5 to 2 and the floor is unchanged; both carry photos on each side.
func packetFixture(t *testing.T) (*fixture, *packetLease) {
	t.Helper()
	f := newFixture()
	fetchBackoff = time.Millisecond
	t.Cleanup(func() { fetchBackoff = 200 * time.Millisecond })

	in, inItems := f.newInspection(models.TypeMoveIn,
		itemSpec{room: "Living Room", item: "Wall", rating: 5},
		itemSpec{room: "living room", item: "floor", rating: 4},
	)
	out, outItems := f.newInspection(models.TypeMoveOut,
		itemSpec{room: "living room", item: "wall", rating: 2, damaged: true, desc: "hole near door"},
		itemSpec{room: "living room", item: "floor", rating: 4},
	)

	pl := &packetLease{}
	pl.damagedPhotos = append(pl.damagedPhotos,
		f.upload(in.ID, inItems["living room/wall"].ID, []byte("wall before")),
		f.upload(out.ID, outItems["living room/wall"].ID, []byte("wall after 1")),
		f.upload(out.ID, outItems["living room/wall"].ID, []byte("wall after 2")),
	)
	pl.otherPhoto = f.upload(out.ID, outItems["living room/floor"].ID, []byte("floor after"))

	pl.in = f.finalize(in.ID)
	pl.out = f.finalize(out.ID)
	return f, pl
}

func openPacket(t *testing.T, p *Packet) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(p.File, p.Size)
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		files[zf.Name] = b
	}
	return files
}

func TestAssemble_WithEvidence(t *testing.T) {
	f, pl := packetFixture(t)

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.NoError(t, err)
	defer pkt.Close()

	assert.False(t, pkt.PartialEvidence)
	assert.Equal(t, "claim-packet-"+testLease+".zip", pkt.Name)

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	require.Len(t, rep.Inspections, 2)
	assert.Equal(t, pl.in.ContentHash, rep.Inspections[0].Actual)
	assert.Equal(t, pl.out.ContentHash, rep.Inspections[1].Actual)
	assert.Len(t, rep.Evidence, 3)

	files := openPacket(t, pkt)
	assert.Equal(t, pl.in.CanonicalPayload, files[claimpacket.MoveInFile])
	assert.Equal(t, pl.out.CanonicalPayload, files[claimpacket.MoveOutFile])
	assert.Equal(t, []byte("wall before"), files["evidence/living_room_wall_move_in_1.jpg"])
	assert.Equal(t, []byte("wall after 2"), files["evidence/living_room_wall_move_out_2.jpg"])
	assert.Contains(t, files, claimpacket.ReadmeFile)

	var summary claimpacket.Summary
	require.NoError(t, json.Unmarshal(files[claimpacket.SummaryFile], &summary))
	assert.Equal(t, testLease, summary.LeaseID)
	assert.Equal(t, actor.UserID, summary.GeneratedBy)
	assert.True(t, summary.IncludeEvidence)
	assert.False(t, summary.PartialEvidence)
	assert.Len(t, summary.MoveIn.Signatures, 2)
	assert.Equal(t, 1, summary.Totals.DamagedItems)
	require.NotNil(t, summary.Deposit)
	assert.Equal(t, int64(150000), summary.Deposit.DepositAmountCents)

	var index claimpacket.EvidenceIndex
	require.NoError(t, json.Unmarshal(files[claimpacket.EvidenceIndexFile], &index))
	require.Len(t, index.Entries, 3)
	for _, e := range index.Entries {
		assert.Equal(t, claimpacket.EvidenceIncluded, e.Status)
		assert.NotEqual(t, pl.otherPhoto.ObjectPath, e.ObjectPath)
	}
}

func TestAssemble_ReferencesOnly(t *testing.T) {
	f, _ := packetFixture(t)

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease})
	require.NoError(t, err)
	defer pkt.Close()

	files := openPacket(t, pkt)
	var index claimpacket.EvidenceIndex
	require.NoError(t, json.Unmarshal(files[claimpacket.EvidenceIndexFile], &index))
	require.Len(t, index.Entries, 3)
	for _, e := range index.Entries {
		assert.Equal(t, claimpacket.EvidenceReferenced, e.Status)
		assert.NotContains(t, files, e.ArchivePath)
	}
	assert.Empty(t, f.storage.opens)

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Len(t, rep.Skipped, 3)
}

func TestAssemble_PartialEvidence(t *testing.T) {
	f, pl := packetFixture(t)
	missing := pl.damagedPhotos[1].ObjectPath
	delete(f.storage.objects, missing)

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.NoError(t, err)
	defer pkt.Close()

	assert.True(t, pkt.PartialEvidence)
	assert.Equal(t, 1, f.storage.opens[missing], "missing objects are not retried")

	files := openPacket(t, pkt)
	var summary claimpacket.Summary
	require.NoError(t, json.Unmarshal(files[claimpacket.SummaryFile], &summary))
	assert.True(t, summary.PartialEvidence)
	assert.NotEmpty(t, summary.EvidenceNotice)

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, missing, rep.Skipped[0].Name)
}

func TestAssemble_StrictEvidence(t *testing.T) {
	f, pl := packetFixture(t)
	f.cfg.StrictEvidence = true
	f.storage.openErr[pl.damagedPhotos[0].ObjectPath] = errors.New("connection reset")

	_, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.ErrorIs(t, err, common.ErrEvidenceUnavailable)
	assert.Equal(t, int(fetchRetries)+1, f.storage.opens[pl.damagedPhotos[0].ObjectPath])
}

func TestAssemble_CorruptedEvidence(t *testing.T) {
	f, pl := packetFixture(t)
	f.storage.put(pl.damagedPhotos[2].ObjectPath, []byte("tampered"))

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.NoError(t, err)
	defer pkt.Close()
	assert.True(t, pkt.PartialEvidence)

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.False(t, rep.OK)

	f.cfg.StrictEvidence = true
	_, err = f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.ErrorIs(t, err, common.ErrEvidenceUnavailable)
}

func TestAssemble_CollidingArchiveNames(t *testing.T) {
	f := newFixture()
	fetchBackoff = time.Millisecond
	t.Cleanup(func() { fetchBackoff = 200 * time.Millisecond })

	keys := []itemSpec{
		{room: "master bedroom", item: "closet"},
		{room: "master", item: "bedroom closet"},
		{room: "living room", item: "x"},
		{room: "living_room", item: "x"},
	}
	var inSpecs, outSpecs []itemSpec
	for _, k := range keys {
		inSpecs = append(inSpecs, itemSpec{room: k.room, item: k.item, rating: 5})
		outSpecs = append(outSpecs, itemSpec{room: k.room, item: k.item, rating: 4, damaged: true})
	}
	in, _ := f.newInspection(models.TypeMoveIn, inSpecs...)
	out, outItems := f.newInspection(models.TypeMoveOut, outSpecs...)
	for key, it := range outItems {
		f.upload(out.ID, it.ID, []byte("after: "+key))
	}
	f.finalize(in.ID)
	f.finalize(out.ID)

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.NoError(t, err)
	defer pkt.Close()
	assert.False(t, pkt.PartialEvidence)

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	require.Len(t, rep.Evidence, 4)
	seen := map[string]bool{}
	for _, c := range rep.Evidence {
		assert.True(t, c.OK, c.Name)
		assert.False(t, seen[c.Name], "duplicate archive entry %s", c.Name)
		seen[c.Name] = true
	}

	files := openPacket(t, pkt)
	var index claimpacket.EvidenceIndex
	require.NoError(t, json.Unmarshal(files[claimpacket.EvidenceIndexFile], &index))
	for _, e := range index.Entries {
		want := "after: " + models.Key{Room: e.Room, Item: e.Item}.String()
		assert.Equal(t, []byte(want), files[e.ArchivePath], e.ArchivePath)
	}
}

func TestAssemble_LeavesOutPendingEvidence(t *testing.T) {
	f := newFixture()
	fetchBackoff = time.Millisecond
	t.Cleanup(func() { fetchBackoff = 200 * time.Millisecond })

	in, _ := f.newInspection(models.TypeMoveIn, itemSpec{room: "bath", item: "mirror", rating: 5})
	out, outItems := f.newInspection(models.TypeMoveOut,
		itemSpec{room: "bath", item: "mirror", rating: 2, damaged: true, desc: "cracked"})
	mirror := outItems["bath/mirror"]
	confirmed := f.upload(out.ID, mirror.ID, []byte("cracked mirror"))
	pending := f.presignOnly(out.ID, mirror.ID, []byte("never confirmed"))
	f.finalize(in.ID)
	f.finalize(out.ID)

	pkt, err := f.packets.Assemble(context.Background(), actor, AssembleRequest{LeaseID: testLease, IncludeEvidence: true})
	require.NoError(t, err)
	defer pkt.Close()
	assert.False(t, pkt.PartialEvidence)
	assert.Zero(t, f.storage.opens[pending.ObjectPath])

	files := openPacket(t, pkt)
	var index claimpacket.EvidenceIndex
	require.NoError(t, json.Unmarshal(files[claimpacket.EvidenceIndexFile], &index))
	require.Len(t, index.Entries, 1)
	assert.Equal(t, confirmed.ObjectPath, index.Entries[0].ObjectPath)
	for name, b := range files {
		assert.NotEqual(t, []byte("never confirmed"), b, name)
	}

	rep, err := claimpacket.Verify(pkt.File, pkt.Size)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Len(t, rep.Evidence, 1)
}

func TestUniqueName(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "a_b_move_out_1.jpg", uniqueName(used, "a_b_move_out_1", "jpg"))
	assert.Equal(t, "a_b_move_out_1-2.jpg", uniqueName(used, "a_b_move_out_1", "jpg"))
	assert.Equal(t, "a_b_move_out_1-3.jpg", uniqueName(used, "a_b_move_out_1", "jpg"))
	assert.Equal(t, "a_b_move_out_1.png", uniqueName(used, "a_b_move_out_1", "png"))
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "living_room", archiveName("Living Room"))
	assert.Equal(t, "a_b", archiveName("../a/b/"))
}

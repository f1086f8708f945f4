package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/dbx"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	"github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/mason"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/repositories/audit"
	"github.com/proveniq/inspectvault/internal/server/repositories/evidence"
	"github.com/proveniq/inspectvault/internal/server/repositories/inspections"
	"github.com/proveniq/inspectvault/internal/server/repositories/items"
	"github.com/proveniq/inspectvault/internal/server/repositories/leases"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
	"github.com/proveniq/inspectvault/internal/server/repositories/signatures"
	"github.com/proveniq/inspectvault/internal/server/storage"
)

// -------- in-memory repositories --------

// memStore emulates the Postgres schema closely enough for service tests:
// conditional status updates, item uniqueness per key and the confirm
// sequence.
type memStore struct {
	mu          sync.Mutex
	leases      map[string]models.Lease
	inspections map[string]models.Inspection
	items       map[string]models.Item
	evidence    map[string]models.Evidence
	signatures  map[string][]models.Signature
	audit       []models.AuditEvent
	seq         int64

	failItemsList error
}

func newMemStore() *memStore {
	return &memStore{
		leases:      map[string]models.Lease{},
		inspections: map[string]models.Inspection{},
		items:       map[string]models.Item{},
		evidence:    map[string]models.Evidence{},
		signatures:  map[string][]models.Signature{},
	}
}

var _ repomanager.RepositoryManager = (*memStore)(nil)

func (m *memStore) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *memStore) Inspections(dbx.DBTX) inspections.Repository { return &memInspections{m} }
func (m *memStore) Items(dbx.DBTX) items.Repository             { return &memItems{m} }
func (m *memStore) Evidence(dbx.DBTX) evidence.Repository       { return &memEvidence{m} }
func (m *memStore) Signatures(dbx.DBTX) signatures.Repository   { return &memSignatures{m} }
func (m *memStore) Audit(dbx.DBTX) audit.Repository             { return &memAudit{m} }
func (m *memStore) Leases(dbx.DBTX) leases.Repository           { return &memLeases{m} }

func (m *memStore) auditActions(inspectionID string) []models.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditAction
	for _, ev := range m.audit {
		if ev.InspectionID == inspectionID {
			out = append(out, ev.Action)
		}
	}
	return out
}

type memInspections struct{ m *memStore }

func (r *memInspections) Create(_ context.Context, insp *models.Inspection) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := time.Now().UTC()
	insp.Version = 1
	insp.CreatedAt, insp.UpdatedAt = now, now
	r.m.inspections[insp.ID] = *insp
	return nil
}

func (r *memInspections) Get(_ context.Context, id string) (*models.Inspection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	insp, ok := r.m.inspections[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	insp.CanonicalPayload = bytes.Clone(insp.CanonicalPayload)
	return &insp, nil
}

func (r *memInspections) GetForUpdate(ctx context.Context, id string) (*models.Inspection, error) {
	return r.Get(ctx, id)
}

func (r *memInspections) LatestSigned(_ context.Context, leaseID string, typ models.InspectionType) (*models.Inspection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var best *models.Inspection
	for _, insp := range r.m.inspections {
		if insp.LeaseID != leaseID || insp.Type != typ || insp.Status != models.StatusSigned || insp.SupplementalTo != "" {
			continue
		}
		if best == nil || insp.InspectionDate.After(best.InspectionDate) {
			c := insp
			best = &c
		}
	}
	if best == nil {
		return nil, common.ErrNotFound
	}
	return best, nil
}

func (r *memInspections) ListSupplementals(_ context.Context, id string) ([]*models.Inspection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*models.Inspection
	for _, insp := range r.m.inspections {
		if insp.SupplementalTo == id {
			c := insp
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memInspections) transition(id string, from []models.InspectionStatus, fn func(*models.Inspection)) bool {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	insp, ok := r.m.inspections[id]
	if !ok || !slices.Contains(from, insp.Status) {
		return false
	}
	fn(&insp)
	insp.Version++
	r.m.inspections[id] = insp
	return true
}

func (r *memInspections) MarkInProgress(_ context.Context, id string, at time.Time) (bool, error) {
	return r.transition(id, []models.InspectionStatus{models.StatusDraft}, func(i *models.Inspection) {
		i.Status = models.StatusInProgress
		i.UpdatedAt = at
	}), nil
}

func (r *memInspections) MarkSubmitted(_ context.Context, id, hash string, payload []byte, at time.Time) (bool, error) {
	return r.transition(id, []models.InspectionStatus{models.StatusDraft, models.StatusInProgress}, func(i *models.Inspection) {
		i.Status = models.StatusSubmitted
		i.ContentHash = hash
		i.CanonicalPayload = bytes.Clone(payload)
		i.SubmittedAt = &at
		i.UpdatedAt = at
	}), nil
}

func (r *memInspections) MarkSigned(_ context.Context, id string, at time.Time) (bool, error) {
	return r.transition(id, []models.InspectionStatus{models.StatusSubmitted}, func(i *models.Inspection) {
		i.Status = models.StatusSigned
		i.SignedAt = &at
		i.UpdatedAt = at
	}), nil
}

type memItems struct{ m *memStore }

// Upsert mirrors the immutability trigger: rows of a frozen inspection
// cannot change.
func (r *memItems) Upsert(_ context.Context, item *models.Item) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if insp := r.m.inspections[item.InspectionID]; !insp.Status.Editable() {
		return errors.New("db error: inspection is frozen")
	}
	for id, existing := range r.m.items {
		if existing.InspectionID == item.InspectionID && existing.Key() == item.Key() {
			item.ID = id
			item.CreatedAt = existing.CreatedAt
			r.m.items[id] = *item
			return nil
		}
	}
	item.CreatedAt = item.UpdatedAt
	r.m.items[item.ID] = *item
	return nil
}

func (r *memItems) Get(_ context.Context, inspectionID, itemID string) (*models.Item, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	it, ok := r.m.items[itemID]
	if !ok || it.InspectionID != inspectionID {
		return nil, common.ErrNotFound
	}
	return &it, nil
}

func (r *memItems) ListByInspection(_ context.Context, inspectionID string) ([]*models.Item, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failItemsList != nil {
		return nil, r.m.failItemsList
	}
	var out []*models.Item
	for _, it := range r.m.items {
		if it.InspectionID == inspectionID {
			c := it
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Item) int {
		if a.Key().Less(b.Key()) {
			return -1
		}
		if b.Key().Less(a.Key()) {
			return 1
		}
		return 0
	})
	return out, nil
}

type memEvidence struct{ m *memStore }

func (r *memEvidence) CreatePending(_ context.Context, ev *models.Evidence) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.evidence[ev.ID] = *ev
	return nil
}

func (r *memEvidence) Get(_ context.Context, inspectionID, evidenceID string) (*models.Evidence, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.evidence[evidenceID]
	if !ok || ev.InspectionID != inspectionID {
		return nil, common.ErrNotFound
	}
	return &ev, nil
}

func (r *memEvidence) GetByObjectPath(_ context.Context, itemID, objectPath string) (*models.Evidence, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, ev := range r.m.evidence {
		if ev.ItemID == itemID && ev.ObjectPath == objectPath {
			c := ev
			return &c, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memEvidence) MarkConfirmed(_ context.Context, ev *models.Evidence, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.evidence[ev.ID]
	if !ok || cur.Status != models.EvidencePending {
		return false, nil
	}
	r.m.seq++
	cur.Status = models.EvidenceConfirmed
	cur.ClientHash = ev.ClientHash
	cur.StorageETag = ev.StorageETag
	cur.SizeBytes = ev.SizeBytes
	cur.ConfirmedAt = &at
	cur.ConfirmSeq = r.m.seq
	r.m.evidence[ev.ID] = cur

	ev.Status = cur.Status
	ev.ConfirmedAt = &at
	ev.ConfirmSeq = cur.ConfirmSeq
	return true, nil
}

func (r *memEvidence) ListByInspection(_ context.Context, inspectionID string) ([]*models.Evidence, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*models.Evidence
	for _, ev := range r.m.evidence {
		if ev.InspectionID == inspectionID {
			c := ev
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Evidence) int {
		switch {
		case a.ConfirmSeq == 0 && b.ConfirmSeq != 0:
			return 1
		case a.ConfirmSeq != 0 && b.ConfirmSeq == 0:
			return -1
		case a.ConfirmSeq != b.ConfirmSeq:
			return int(a.ConfirmSeq - b.ConfirmSeq)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

type memSignatures struct{ m *memStore }

func (r *memSignatures) Add(_ context.Context, sig *models.Signature) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.signatures[sig.InspectionID] {
		if s.Role == sig.Role {
			return false, nil
		}
	}
	r.m.signatures[sig.InspectionID] = append(r.m.signatures[sig.InspectionID], *sig)
	return true, nil
}

func (r *memSignatures) List(_ context.Context, inspectionID string) ([]models.Signature, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return slices.Clone(r.m.signatures[inspectionID]), nil
}

type memAudit struct{ m *memStore }

func (r *memAudit) Append(_ context.Context, ev *models.AuditEvent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.audit = append(r.m.audit, *ev)
	return nil
}

func (r *memAudit) ListByInspection(_ context.Context, inspectionID string) ([]*models.AuditEvent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*models.AuditEvent
	for _, ev := range r.m.audit {
		if ev.InspectionID == inspectionID {
			c := ev
			out = append(out, &c)
		}
	}
	return out, nil
}

type memLeases struct{ m *memStore }

func (r *memLeases) Get(_ context.Context, leaseID string) (*models.Lease, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.leases[leaseID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &l, nil
}

// -------- storage and advisor fakes --------

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	// reported overrides the checksum Head returns for a key.
	reported map[string]string
	noSum    bool
	headErr  error
	openErr  map[string]error
	opens    map[string]int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:  map[string][]byte{},
		reported: map[string]string{},
		openErr:  map[string]error{},
		opens:    map[string]int{},
	}
}

func (f *fakeStorage) put(key string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
}

func (f *fakeStorage) PresignUpload(_ context.Context, key, contentType string, size int64, ttl time.Duration) (string, error) {
	return "https://storage.test/" + key + "?X-Amz-Signature=up", nil
}

func (f *fakeStorage) PresignDownload(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://storage.test/" + key + "?X-Amz-Signature=down", nil
}

func (f *fakeStorage) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	info := &storage.ObjectInfo{SizeBytes: int64(len(b)), ETag: "etag-" + key}
	if !f.noSum {
		info.SHA256 = sha256Hex(b)
	}
	if s, ok := f.reported[key]; ok {
		info.SHA256 = s
	}
	return info, nil
}

func (f *fakeStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[key]++
	if err := f.openErr[key]; err != nil {
		return nil, err
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type fakeAdvisor struct {
	mu    sync.Mutex
	calls []mason.Request
	fail  map[string]bool
}

func (a *fakeAdvisor) Estimate(_ context.Context, req mason.Request) (*mason.Estimate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.fail[req.Item] {
		return nil, common.ErrUpstreamUnavailable
	}
	return &mason.Estimate{RepairCents: int64(-req.ConditionChange+1) * 1000, Confidence: 0.6, Reasoning: "test"}, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// -------- fixtures --------

const (
	testOrg   = "org-1"
	testLease = "lease-1"
)

var (
	actor    = auth.Principal{UserID: "user-1", OrgID: testOrg}
	outsider = auth.Principal{UserID: "user-9", OrgID: "org-9"}
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MasonTimeout = time.Second
	return cfg
}

// serialRunner emulates the row lock every write transaction takes.
func serialRunner() dbx.Runner {
	var mu sync.Mutex
	return func(ctx context.Context, fn dbx.TxFunc) error {
		mu.Lock()
		defer mu.Unlock()
		return fn(ctx, nil)
	}
}

type fixture struct {
	store      *memStore
	storage    *fakeStorage
	advisor    *fakeAdvisor
	cfg        *config.Config
	inspection *InspectionService
	evidence   *EvidenceService
	diff       *DiffService
	packets    *ClaimPacketService
	clock      time.Time
	ids        int
}

func newFixture() *fixture {
	f := &fixture{
		store:   newMemStore(),
		storage: newFakeStorage(),
		advisor: &fakeAdvisor{fail: map[string]bool{}},
		cfg:     testConfig(),
		clock:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.leases[testLease] = models.Lease{ID: testLease, OrgID: testOrg, DepositAmountCents: 150000}

	logger := logging.Nop{}
	f.inspection = NewInspectionService(nil, f.store, f.cfg, logger)
	f.evidence = NewEvidenceService(nil, f.store, f.storage, f.cfg, logger)
	f.diff = NewDiffService(nil, f.store, f.advisor, f.cfg, logger)
	f.packets = NewClaimPacketService(f.diff, f.storage, f.cfg, logger)

	runner := serialRunner()
	var idMu sync.Mutex
	newID := func() string {
		idMu.Lock()
		defer idMu.Unlock()
		f.ids++
		return fmt.Sprintf("id-%04d", f.ids)
	}
	now := func() time.Time { return f.clock }
	for _, b := range []*base{&f.inspection.base, &f.evidence.base, &f.diff.base} {
		b.runTx = runner
		b.newID = newID
		b.now = now
	}
	f.packets.now = now
	return f
}

type itemSpec struct {
	room, item string
	rating     int
	damaged    bool
	desc       string
}

// newInspection creates an inspection with the given items and returns it
// together with its items keyed by "room/item".
func (f *fixture) newInspection(typ models.InspectionType, specs ...itemSpec) (*models.Inspection, map[string]*models.Item) {
	ctx := context.Background()
	insp, err := f.inspection.Create(ctx, actor, CreateInspectionRequest{LeaseID: testLease, Type: string(typ), InspectionDate: f.clock})
	if err != nil {
		panic(err)
	}
	byKey := map[string]*models.Item{}
	for _, s := range specs {
		it, err := f.inspection.UpsertItem(ctx, actor, insp.ID, UpsertItemRequest{
			Room: s.room, Item: s.item, Rating: s.rating, Damaged: s.damaged, Description: s.desc,
		})
		if err != nil {
			panic(err)
		}
		byKey[it.Key().String()] = it
	}
	return insp, byKey
}

// upload presigns, stores and confirms one evidence object.
func (f *fixture) upload(inspectionID, itemID string, body []byte) *models.Evidence {
	ctx := context.Background()
	pre, err := f.evidence.Presign(ctx, actor, inspectionID, PresignRequest{
		ItemID: itemID, FileName: "photo.jpg", MimeType: "image/jpeg", SizeBytes: int64(len(body)),
	})
	if err != nil {
		panic(err)
	}
	f.storage.put(pre.Evidence.ObjectPath, body)
	ev, err := f.evidence.Confirm(ctx, actor, inspectionID, ConfirmRequest{
		ItemID: itemID, ObjectPath: pre.Evidence.ObjectPath, SHA256: sha256Hex(body),
		SizeBytes: int64(len(body)), MimeType: "image/jpeg",
	})
	if err != nil {
		panic(err)
	}
	return ev
}

// presignOnly reserves an evidence slot and stores the bytes without ever
// confirming them, leaving the record PENDING.
func (f *fixture) presignOnly(inspectionID, itemID string, body []byte) *models.Evidence {
	pre, err := f.evidence.Presign(context.Background(), actor, inspectionID, PresignRequest{
		ItemID: itemID, FileName: "photo.jpg", MimeType: "image/jpeg", SizeBytes: int64(len(body)),
	})
	if err != nil {
		panic(err)
	}
	f.storage.put(pre.Evidence.ObjectPath, body)
	return pre.Evidence
}

// finalize submits and signs with every role the policy requires.
func (f *fixture) finalize(id string) *models.Inspection {
	ctx := context.Background()
	insp, err := f.inspection.Submit(ctx, actor, id)
	if err != nil {
		panic(err)
	}
	for _, r := range f.cfg.RequiredRoles(insp.Type) {
		if insp, err = f.inspection.Sign(ctx, actor, id, SignRequest{Role: string(r)}); err != nil {
			panic(err)
		}
	}
	return insp
}

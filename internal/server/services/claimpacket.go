package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	"github.com/proveniq/inspectvault/internal/server/claimpacket"
	sc "github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/storage"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Evidence fetch policy for packet assembly.
var (
	fetchRetries     uint64 = 2
	fetchBackoff            = 200 * time.Millisecond
	fetchConcurrency        = 4
)

const (
	phaseMoveIn  = "move_in"
	phaseMoveOut = "move_out"
)

// ClaimPacketService assembles the dispute archive for a lease.
type ClaimPacketService struct {
	diff    *DiffService
	storage storage.Provider
	config  *sc.Config
	logger  logging.Logger
	now     func() time.Time
}

func NewClaimPacketService(diff *DiffService, store storage.Provider, config *sc.Config, logger logging.Logger) *ClaimPacketService {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &ClaimPacketService{
		diff:    diff,
		storage: store,
		config:  config,
		logger:  logger.With("module", "claimpacket"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type AssembleRequest struct {
	LeaseID         string
	IncludeEvidence bool
	Pair            PairSelector
}

// Packet is an assembled archive backed by a temporary file, positioned at
// its start. Close removes it.
type Packet struct {
	Name            string
	File            *os.File
	Size            int64
	PartialEvidence bool
	GeneratedAt     time.Time

	dir string
}

func (p *Packet) Close() error {
	err := p.File.Close()
	if rmErr := os.RemoveAll(p.dir); err == nil {
		err = rmErr
	}
	return err
}

// fetched is one planned evidence entry and, once fetched, its local copy.
type fetched struct {
	entry claimpacket.EvidenceEntry
	local string
}

// Assemble builds the claim packet for the lease's signed move-in and
// move-out pair. With IncludeEvidence, CONFIRMED evidence of new-damage items
// is downloaded and re-hashed; evidence that cannot be retrieved either fails
// the packet (strict mode) or is listed as unavailable and the packet is
// marked partial.
func (s *ClaimPacketService) Assemble(ctx context.Context, actor auth.Principal, req AssembleRequest) (*Packet, error) {
	res, lease, err := s.diff.forLease(ctx, actor, req.LeaseID, req.Pair)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "claimpacket-*")
	if err != nil {
		return nil, fmt.Errorf("packet workspace: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(dir)
		}
	}()

	plan := planEvidence(res.Entries)
	if req.IncludeEvidence {
		if err := s.fetchEvidence(ctx, dir, plan); err != nil {
			return nil, err
		}
	} else {
		for _, p := range plan {
			p.entry.Status = claimpacket.EvidenceReferenced
		}
	}

	generatedAt := s.now()
	f, err := os.Create(filepath.Join(dir, "packet.zip"))
	if err != nil {
		return nil, fmt.Errorf("packet file: %w", err)
	}

	if err := s.write(f, res, lease, actor, req.IncludeEvidence, plan, generatedAt); err != nil {
		_ = f.Close()
		return nil, err
	}
	partial := incomplete(plan) > 0
	if partial && s.config.StrictEvidence {
		_ = f.Close()
		return nil, fmt.Errorf("%w: evidence failed integrity check", common.ErrEvidenceUnavailable)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	cleanup = false
	s.logger.Info(ctx, "claim packet assembled",
		"lease_id", req.LeaseID, "include_evidence", req.IncludeEvidence,
		"evidence_files", len(plan), "partial_evidence", partial, "size_bytes", st.Size())

	return &Packet{
		Name:            fmt.Sprintf("claim-packet-%s.zip", req.LeaseID),
		Size:            st.Size(),
		PartialEvidence: partial,
		GeneratedAt:     generatedAt,
		File:            f,
		dir:             dir,
	}, nil
}

// incomplete counts entries whose bytes are missing from the archive or do
// not match their recorded digest.
func incomplete(plan []*fetched) int {
	n := 0
	for _, p := range plan {
		if p.entry.Status == claimpacket.EvidenceUnavailable || p.entry.Status == claimpacket.EvidenceCorrupted {
			n++
		}
	}
	return n
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_-]+`)

func archiveName(s string) string {
	return strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// uniqueName returns base.ext, or base-<k>.ext when an earlier entry already
// claimed that name. Distinct keys such as
// ("master bedroom", "closet") and ("master", "bedroom closet") flatten to
// the same base name.
func uniqueName(used map[string]bool, base, ext string) string {
	name := base + "." + ext
	for k := 2; used[name]; k++ {
		name = fmt.Sprintf("%s-%d.%s", base, k, ext)
	}
	used[name] = true
	return name
}

// planEvidence lists the evidence of every new-damage entry, baseline photos
// first, with stable archive names that are unique within the packet.
func planEvidence(entries []models.DiffEntry) []*fetched {
	var plan []*fetched
	used := map[string]bool{}
	for _, e := range entries {
		if !e.IsNewDamage {
			continue
		}
		for _, side := range []struct {
			phase string
			refs  []models.EvidenceRef
		}{{phaseMoveIn, e.MoveInEvidence}, {phaseMoveOut, e.MoveOutEvidence}} {
			for n, ref := range side.refs {
				ext := strings.TrimPrefix(filepath.Ext(ref.ObjectPath), ".")
				if ext == "" {
					ext = "bin"
				}
				plan = append(plan, &fetched{entry: claimpacket.EvidenceEntry{
					Room:       e.Room,
					Item:       e.Item,
					Phase:      side.phase,
					ObjectPath: ref.ObjectPath,
					MimeType:   ref.MimeType,
					SizeBytes:  ref.SizeBytes,
					SHA256:     ref.SHA256,
					ArchivePath: claimpacket.EvidenceDir + uniqueName(used,
						fmt.Sprintf("%s_%s_%s_%d", archiveName(e.Room), archiveName(e.Item), side.phase, n+1), ext),
				}})
			}
		}
	}
	return plan
}

// fetchEvidence downloads every planned object into dir. Objects that cannot
// be retrieved are marked unavailable; in strict mode the first failure
// aborts.
func (s *ClaimPacketService) fetchEvidence(ctx context.Context, dir string, plan []*fetched) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, p := range plan {
		g.Go(func() error {
			local := filepath.Join(dir, fmt.Sprintf("evidence-%d", i))
			sum, err := s.fetchOne(gctx, p.entry.ObjectPath, local)
			if err != nil {
				packetEvidenceUnavailableTotal.Inc()
				s.logger.Warn(ctx, "evidence unavailable for claim packet",
					"object_path", p.entry.ObjectPath, "error", err)
				if s.config.StrictEvidence {
					return fmt.Errorf("%w: %s: %v", common.ErrEvidenceUnavailable, p.entry.ObjectPath, err)
				}
				p.entry.Status = claimpacket.EvidenceUnavailable
				p.entry.Error = err.Error()
				p.entry.ArchivePath = ""
				return nil
			}

			p.local = local
			p.entry.Status = claimpacket.EvidenceIncluded
			if sum != p.entry.SHA256 {
				s.logger.Error(ctx, "evidence digest mismatch",
					"object_path", p.entry.ObjectPath, "recorded", p.entry.SHA256, "actual", sum)
				p.entry.Status = claimpacket.EvidenceCorrupted
				p.entry.Error = "downloaded bytes do not match the recorded sha256"
			}
			return nil
		})
	}
	return g.Wait()
}

// fetchOne copies one object to local with bounded retries and returns its
// SHA-256. Missing objects are not retried.
func (s *ClaimPacketService) fetchOne(ctx context.Context, key, local string) (string, error) {
	var sum string
	backoff := retry.WithMaxRetries(fetchRetries, retry.NewExponential(fetchBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
		defer cancel()

		rc, err := s.storage.Open(actx, key)
		if errors.Is(err, common.ErrNotFound) {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		defer rc.Close()

		f, err := os.Create(local)
		if err != nil {
			return err
		}
		defer f.Close()

		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(f, h), rc); err != nil {
			return retry.RetryableError(err)
		}
		sum = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	return sum, err
}

func proof(insp *models.Inspection, file string) claimpacket.InspectionProof {
	sigs := insp.Signatures
	if sigs == nil {
		sigs = []models.Signature{}
	}
	return claimpacket.InspectionProof{
		InspectionID:   insp.ID,
		Type:           string(insp.Type),
		SupplementalTo: insp.SupplementalTo,
		ContentHash:    insp.ContentHash,
		CanonicalFile:  file,
		SubmittedAt:    insp.SubmittedAt,
		SignedAt:       insp.SignedAt,
		Signatures:     sigs,
	}
}

func (s *ClaimPacketService) write(out io.Writer, res *models.DiffResult, lease *models.Lease, actor auth.Principal,
	includeEvidence bool, plan []*fetched, generatedAt time.Time) error {
	w := claimpacket.NewWriter(out, generatedAt)

	if err := w.AddReadme(); err != nil {
		return err
	}
	if err := w.AddBytes(claimpacket.MoveInFile, res.MoveIn.CanonicalPayload); err != nil {
		return err
	}
	if err := w.AddBytes(claimpacket.MoveOutFile, res.MoveOut.CanonicalPayload); err != nil {
		return err
	}

	index := claimpacket.EvidenceIndex{Entries: make([]claimpacket.EvidenceEntry, 0, len(plan))}
	for _, p := range plan {
		if p.local != "" {
			if err := s.addLocal(w, p); err != nil {
				return err
			}
		}
		index.Entries = append(index.Entries, p.entry)
	}
	unavailable := incomplete(plan)
	if err := w.AddJSON(claimpacket.EvidenceIndexFile, index); err != nil {
		return err
	}

	adv := depositAdvisory(res, lease.DepositAmountCents)
	summary := claimpacket.Summary{
		LeaseID:     res.LeaseID,
		GeneratedAt: generatedAt,
		GeneratedBy: actor.UserID,
		MoveIn:      proof(res.MoveIn, claimpacket.MoveInFile),
		MoveOut:     proof(res.MoveOut, claimpacket.MoveOutFile),
		Items:       res.Entries,
		Totals:      res.Totals,
		Deposit: &claimpacket.DepositSummary{
			DepositAmountCents:      adv.DepositAmountCents,
			EstimatedDeductionCents: adv.EstimatedDeductionCents,
			EstimatedRefundCents:    adv.EstimatedRefundCents,
		},
		IncludeEvidence: includeEvidence,
		PartialEvidence: unavailable > 0,
		Disclaimer:      common.Disclaimer,
	}
	if unavailable > 0 {
		summary.EvidenceNotice = fmt.Sprintf("%d of %d evidence files could not be included intact; see %s",
			unavailable, len(plan), claimpacket.EvidenceIndexFile)
	}
	if err := w.AddJSON(claimpacket.SummaryFile, summary); err != nil {
		return err
	}
	return w.Close()
}

// addLocal streams a fetched file into the archive, re-hashing what is
// written.
func (s *ClaimPacketService) addLocal(w *claimpacket.Writer, p *fetched) error {
	f, err := os.Open(p.local)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, _, err := w.AddStream(p.entry.ArchivePath, f)
	if err != nil {
		return err
	}
	if sum != p.entry.SHA256 {
		p.entry.Status = claimpacket.EvidenceCorrupted
		if p.entry.Error == "" {
			p.entry.Error = "archived bytes do not match the recorded sha256"
		}
	}
	return nil
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proveniq/inspectvault/internal/common"
	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/auth"
	"github.com/proveniq/inspectvault/internal/server/canonical"
	sc "github.com/proveniq/inspectvault/internal/server/config"
	"github.com/proveniq/inspectvault/internal/server/mason"
	"github.com/proveniq/inspectvault/internal/server/models"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
	"golang.org/x/sync/errgroup"
)

// DiffService derives condition diffs from two SIGNED inspections. Nothing
// it computes is stored.
type DiffService struct {
	base
	advisor mason.Advisor
}

func NewDiffService(db *sql.DB, repomanager repomanager.RepositoryManager, advisor mason.Advisor, config *sc.Config, logger logging.Logger) *DiffService {
	s := &DiffService{base: newBase(db, repomanager, config, logger), advisor: advisor}
	s.logger = s.logger.With("module", "diff")
	return s
}

// PairSelector picks specific inspections for a lease diff. An empty ID
// selects the latest SIGNED non-supplemental inspection of that type.
type PairSelector struct {
	MoveInID  string
	MoveOutID string
}

// ForLease computes the diff for a lease.
func (s *DiffService) ForLease(ctx context.Context, actor auth.Principal, leaseID string, sel PairSelector) (*models.DiffResult, error) {
	res, _, err := s.forLease(ctx, actor, leaseID, sel)
	return res, err
}

// Compute diffs two explicitly named inspections of the same lease.
func (s *DiffService) Compute(ctx context.Context, actor auth.Principal, moveInID, moveOutID string) (*models.DiffResult, error) {
	in, err := s.loadInspection(ctx, s.db, actor, moveInID)
	if err != nil {
		return nil, err
	}
	return s.ForLease(ctx, actor, in.LeaseID, PairSelector{MoveInID: moveInID, MoveOutID: moveOutID})
}

// EstimateDeposit sets the diff's advisory repair total against the lease
// deposit.
func (s *DiffService) EstimateDeposit(ctx context.Context, actor auth.Principal, leaseID string, sel PairSelector) (*models.DepositAdvisory, error) {
	res, lease, err := s.forLease(ctx, actor, leaseID, sel)
	if err != nil {
		return nil, err
	}
	return depositAdvisory(res, lease.DepositAmountCents), nil
}

func depositAdvisory(res *models.DiffResult, deposit int64) *models.DepositAdvisory {
	deduction := min(res.Totals.EstimatedRepairCents, deposit)
	return &models.DepositAdvisory{
		Diff:                    res,
		DepositAmountCents:      deposit,
		EstimatedDeductionCents: deduction,
		EstimatedRefundCents:    deposit - deduction,
		Disclaimer:              common.Disclaimer,
	}
}

func (s *DiffService) forLease(ctx context.Context, actor auth.Principal, leaseID string, sel PairSelector) (*models.DiffResult, *models.Lease, error) {
	timer := prometheus.NewTimer(diffDuration)
	defer timer.ObserveDuration()

	lease, err := s.authorizeLease(ctx, s.db, actor, leaseID)
	if err != nil {
		return nil, nil, err
	}

	in, err := s.pick(ctx, leaseID, models.TypeMoveIn, sel.MoveInID)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.pick(ctx, leaseID, models.TypeMoveOut, sel.MoveOutID)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.diff(ctx, in, out)
	if err != nil {
		return nil, nil, err
	}
	return res, lease, nil
}

// pick resolves one side of the pair and loads its signatures.
func (s *DiffService) pick(ctx context.Context, leaseID string, typ models.InspectionType, id string) (*models.Inspection, error) {
	repo := s.repomanager.Inspections(s.db)

	var (
		insp *models.Inspection
		err  error
	)
	if id == "" {
		insp, err = repo.LatestSigned(ctx, leaseID, typ)
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: no signed %s inspection for lease", common.ErrInspectionNotFinalized, typ)
		}
	} else {
		insp, err = repo.Get(ctx, id)
		if err == nil && insp.LeaseID != leaseID {
			err = common.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	if insp.Type != typ {
		return nil, fmt.Errorf("%w: inspection %s is %s, expected %s", common.ErrValidation, insp.ID, insp.Type, typ)
	}
	if insp.Status != models.StatusSigned {
		return nil, fmt.Errorf("%w: %s inspection %s is %s", common.ErrInspectionNotFinalized, typ, insp.ID, insp.Status)
	}

	if insp.Signatures, err = s.repomanager.Signatures(s.db).List(ctx, insp.ID); err != nil {
		return nil, err
	}
	return insp, nil
}

func (s *DiffService) diff(ctx context.Context, in, out *models.Inspection) (*models.DiffResult, error) {
	inItems, inEv, err := s.snapshot(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	outItems, outEv, err := s.snapshot(ctx, out.ID)
	if err != nil {
		return nil, err
	}

	entries := buildEntries(inItems, outItems, inEv, outEv, s.config.DamageThreshold)
	unavailable := s.annotate(ctx, entries)

	res := &models.DiffResult{
		LeaseID:    in.LeaseID,
		MoveIn:     in,
		MoveOut:    out,
		Entries:    entries,
		Totals:     totals(entries),
		Disclaimer: common.Disclaimer,
	}
	res.Totals.EstimatesUnavailableItems = unavailable

	s.logger.Debug(ctx, "diff computed",
		"lease_id", in.LeaseID, "move_in", in.ID, "move_out", out.ID,
		"items", res.Totals.TotalItems, "damaged", res.Totals.DamagedItems)
	return res, nil
}

// snapshot reads an inspection's items and its CONFIRMED evidence grouped by
// item in confirmation order.
func (s *DiffService) snapshot(ctx context.Context, inspectionID string) ([]*models.Item, map[string][]models.EvidenceRef, error) {
	items, err := s.repomanager.Items(s.db).ListByInspection(ctx, inspectionID)
	if err != nil {
		return nil, nil, err
	}
	evs, err := s.repomanager.Evidence(s.db).ListByInspection(ctx, inspectionID)
	if err != nil {
		return nil, nil, err
	}
	return items, groupEvidence(evs), nil
}

func groupEvidence(evs []*models.Evidence) map[string][]models.EvidenceRef {
	confirmed := make([]*models.Evidence, 0, len(evs))
	for _, ev := range evs {
		if ev.Confirmed() {
			confirmed = append(confirmed, ev)
		}
	}
	canonical.SortEvidence(confirmed)

	byItem := make(map[string][]models.EvidenceRef)
	for _, ev := range confirmed {
		byItem[ev.ItemID] = append(byItem[ev.ItemID], ev.Ref())
	}
	return byItem
}

// buildEntries pairs items by key and classifies each pair. Entries are
// ordered by key so the output depends only on the inputs.
func buildEntries(inItems, outItems []*models.Item, inEv, outEv map[string][]models.EvidenceRef, threshold int) []models.DiffEntry {
	ins := make(map[models.Key]*models.Item, len(inItems))
	for _, it := range inItems {
		ins[it.Key()] = it
	}
	outs := make(map[models.Key]*models.Item, len(outItems))
	for _, it := range outItems {
		outs[it.Key()] = it
	}

	keys := make([]models.Key, 0, len(ins)+len(outs))
	for k := range ins {
		keys = append(keys, k)
	}
	for k := range outs {
		if _, ok := ins[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b models.Key) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	entries := make([]models.DiffEntry, 0, len(keys))
	for _, k := range keys {
		in, out := ins[k], outs[k]
		e := models.DiffEntry{Room: k.Room, Item: k.Item}

		switch {
		case in != nil && out != nil:
			change := out.Rating - in.Rating
			e.MoveInRating = intPtr(in.Rating)
			e.MoveOutRating = intPtr(out.Rating)
			e.ConditionChange = intPtr(change)
			e.Damaged = out.Damaged
			e.Description = out.Description
			e.IsNewDamage = (out.Damaged && !in.Damaged) || change <= threshold
			e.MoveInEvidence = inEv[in.ID]
			e.MoveOutEvidence = outEv[out.ID]
			switch {
			case e.IsNewDamage:
				e.Flag = models.FlagDamaged
			case change != 0:
				e.Flag = models.FlagChanged
			default:
				e.Flag = models.FlagUnchanged
			}
		case out != nil:
			e.Flag = models.FlagNoBaseline
			e.MoveOutRating = intPtr(out.Rating)
			e.Damaged = out.Damaged
			e.Description = out.Description
			e.IsNewDamage = out.Damaged
			e.MoveOutEvidence = outEv[out.ID]
		default:
			e.Flag = models.FlagMissingAtMoveOut
			e.MoveInRating = intPtr(in.Rating)
			e.Damaged = in.Damaged
			e.Description = in.Description
			e.MoveInEvidence = inEv[in.ID]
		}
		entries = append(entries, e)
	}
	return entries
}

func intPtr(v int) *int { return &v }

// annotate attaches advisory estimates to new-damage entries and returns how
// many could not be estimated. Advisor failures never fail the diff.
func (s *DiffService) annotate(ctx context.Context, entries []models.DiffEntry) int {
	if s.advisor == nil {
		return 0
	}

	var (
		g           errgroup.Group
		unavailable atomic.Int64
	)
	g.SetLimit(max(1, s.config.MasonConcurrency))

	for i := range entries {
		e := &entries[i]
		if !e.IsNewDamage {
			continue
		}
		req := mason.Request{
			Room:        e.Room,
			Item:        e.Item,
			Damaged:     e.Damaged,
			Description: e.Description,
		}
		if e.ConditionChange != nil {
			req.ConditionChange = *e.ConditionChange
		}

		g.Go(func() error {
			cctx := ctx
			if s.config.MasonTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, s.config.MasonTimeout)
				defer cancel()
			}

			est, err := s.advisor.Estimate(cctx, req)
			if err != nil {
				masonFailuresTotal.Inc()
				unavailable.Add(1)
				s.logger.Warn(ctx, "advisory estimate unavailable", "room", e.Room, "item", e.Item, "error", err)
				return nil
			}
			cents, confidence := est.RepairCents, est.Confidence
			e.MasonEstimatedRepairCents = &cents
			e.MasonConfidence = &confidence
			e.MasonReasoning = est.Reasoning
			return nil
		})
	}
	_ = g.Wait()
	return int(unavailable.Load())
}

func totals(entries []models.DiffEntry) models.DiffTotals {
	t := models.DiffTotals{TotalItems: len(entries)}
	for _, e := range entries {
		if e.IsNewDamage {
			t.DamagedItems++
		}
		if e.MasonEstimatedRepairCents != nil {
			t.EstimatedRepairCents += *e.MasonEstimatedRepairCents
		}
	}
	return t
}

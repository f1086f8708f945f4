package models

// DiffFlag classifies one diff entry. The set is closed.
type DiffFlag string

const (
	// FlagNoBaseline: item only present at move-out.
	FlagNoBaseline DiffFlag = "NO_BASELINE"
	// FlagMissingAtMoveOut: item only present at move-in.
	FlagMissingAtMoveOut DiffFlag = "MISSING_AT_MOVEOUT"
	// FlagDamaged: paired item with new damage.
	FlagDamaged DiffFlag = "DAMAGED"
	// FlagChanged: paired item whose rating moved without counting as damage.
	FlagChanged DiffFlag = "CHANGED"
	// FlagUnchanged: paired item, same rating, no new damage.
	FlagUnchanged DiffFlag = "UNCHANGED"
)

// AllDiffFlags lists every flag; exhaustiveness tests range over it.
var AllDiffFlags = []DiffFlag{FlagNoBaseline, FlagMissingAtMoveOut, FlagDamaged, FlagChanged, FlagUnchanged}

// DiffEntry is the per-key comparison between move-in and move-out.
// Mason* fields are advisory annotations and never drive state changes.
type DiffEntry struct {
	Room            string        `json:"room"`
	Item            string        `json:"item"`
	Flag            DiffFlag      `json:"flag"`
	MoveInRating    *int          `json:"move_in_rating,omitempty"`
	MoveOutRating   *int          `json:"move_out_rating,omitempty"`
	ConditionChange *int          `json:"condition_change,omitempty"`
	IsNewDamage     bool          `json:"is_new_damage"`
	Damaged         bool          `json:"damaged"`
	Description     string        `json:"description,omitempty"`
	MoveInEvidence  []EvidenceRef `json:"move_in_evidence,omitempty"`
	MoveOutEvidence []EvidenceRef `json:"move_out_evidence,omitempty"`

	MasonEstimatedRepairCents *int64   `json:"mason_estimated_repair_cents,omitempty"`
	MasonConfidence           *float64 `json:"mason_confidence,omitempty"`
	MasonReasoning            string   `json:"mason_reasoning,omitempty"`
}

func (e *DiffEntry) Key() Key {
	return Key{Room: e.Room, Item: e.Item}
}

type DiffTotals struct {
	TotalItems                int   `json:"total_items"`
	DamagedItems              int   `json:"damaged_items"`
	EstimatedRepairCents      int64 `json:"total_estimated_repair_cents"`
	EstimatesUnavailableItems int   `json:"estimates_unavailable_items"`
}

// DiffResult is derived on demand from two SIGNED inspections and never stored.
type DiffResult struct {
	LeaseID    string      `json:"lease_id"`
	MoveIn     *Inspection `json:"move_in"`
	MoveOut    *Inspection `json:"move_out"`
	Entries    []DiffEntry `json:"items"`
	Totals     DiffTotals  `json:"totals"`
	Disclaimer string      `json:"disclaimer"`
}

// DepositAdvisory compares the estimated repair total with the lease deposit.
// Every figure is advisory.
type DepositAdvisory struct {
	Diff                    *DiffResult `json:"diff"`
	DepositAmountCents      int64       `json:"deposit_amount_cents"`
	EstimatedDeductionCents int64       `json:"estimated_deduction_cents"`
	EstimatedRefundCents    int64       `json:"estimated_refund_cents"`
	Disclaimer              string      `json:"disclaimer"`
}

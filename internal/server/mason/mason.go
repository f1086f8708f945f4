// Package mason produces advisory repair-cost estimates for diff entries.
// Estimates annotate a diff and never drive a state change.
package mason

import (
	"context"
)

// Request describes one item whose condition worsened between inspections.
type Request struct {
	Room            string `json:"room"`
	Item            string `json:"item"`
	ConditionChange int    `json:"condition_change"`
	Damaged         bool   `json:"damaged"`
	Description     string `json:"description,omitempty"`
}

// Estimate is a non-binding repair cost in cents.
type Estimate struct {
	RepairCents int64   `json:"estimated_repair_cents"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Advisor is the narrow interface the diff engine calls.
type Advisor interface {
	Estimate(ctx context.Context, req Request) (*Estimate, error)
}
